package ratelimit

import (
	"testing"
	"time"
)

func TestKey(t *testing.T) {
	got := Key("http", "M-1001")
	want := "lending:ratelimit:http:M-1001"
	if got != want {
		t.Errorf("Key = %q, want %q", got, want)
	}
}

func TestPerSecond(t *testing.T) {
	limit := PerSecond(100, 200)
	if limit.Rate != 100 || limit.Burst != 200 || limit.Period != time.Second {
		t.Errorf("unexpected limit %+v", limit)
	}
}
