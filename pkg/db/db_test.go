package db

import (
	"context"
	"testing"
	"time"
)

func TestGormLoggerTraceObserver(t *testing.T) {
	var observed []float64
	l := NewGormLogger(false, time.Second)
	l.observer = func(seconds float64) {
		observed = append(observed, seconds)
	}

	begin := time.Now().Add(-50 * time.Millisecond)
	l.Trace(context.Background(), begin, func() (string, int64) {
		return "SELECT 1", 1
	}, nil)

	if len(observed) != 1 {
		t.Fatalf("observer calls = %d, want 1", len(observed))
	}
	if observed[0] < 0.05 {
		t.Errorf("observed duration = %f, want >= 0.05", observed[0])
	}
}

func TestGormLoggerTraceWithoutObserver(t *testing.T) {
	l := NewGormLogger(false, time.Second)
	// observer 为 nil 时不应 panic
	l.Trace(context.Background(), time.Now(), func() (string, int64) {
		return "SELECT 1", 1
	}, nil)
}
