package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func mustConfig(t *testing.T, principal int64, f PaymentFrequency, tenor Tenor, rate, penalty string) LoanConfiguration {
	t.Helper()
	cfg, err := NewLoanConfiguration(
		decimal.NewFromInt(principal), f, tenor,
		decimal.RequireFromString(rate), decimal.RequireFromString(penalty),
	)
	if err != nil {
		t.Fatalf("NewLoanConfiguration: %v", err)
	}
	return cfg
}

func TestIntervalDays(t *testing.T) {
	cases := []struct {
		freq PaymentFrequency
		want int
	}{
		{FrequencyDaily, 1},
		{FrequencyWeekly, 7},
		{FrequencyBiWeekly, 14},
		{FrequencyMonthly, 30},
		{FrequencyQuarterly, 90},
		{FrequencyBiAnnually, 182},
		{FrequencyAnnually, 365},
	}
	for _, c := range cases {
		got, err := IntervalDays(c.freq)
		if err != nil {
			t.Fatalf("IntervalDays(%s): %v", c.freq, err)
		}
		if got != c.want {
			t.Errorf("IntervalDays(%s) = %d, want %d", c.freq, got, c.want)
		}
	}

	if _, err := IntervalDays("HOURLY"); !errors.Is(err, ErrInvalidConfiguration) {
		t.Errorf("unknown frequency should return ErrInvalidConfiguration, got %v", err)
	}
}

func TestDaysInTenor(t *testing.T) {
	cases := []struct {
		tenor Tenor
		want  int
	}{
		{Tenor{Value: 45, Unit: TenorUnitDays}, 45},
		{Tenor{Value: 3, Unit: TenorUnitWeeks}, 21},
		{Tenor{Value: 6, Unit: TenorUnitMonths}, 180},
		{Tenor{Value: 2, Unit: TenorUnitYears}, 730},
	}
	for _, c := range cases {
		got, err := DaysInTenor(c.tenor)
		if err != nil {
			t.Fatalf("DaysInTenor(%+v): %v", c.tenor, err)
		}
		if got != c.want {
			t.Errorf("DaysInTenor(%+v) = %d, want %d", c.tenor, got, c.want)
		}
	}

	if _, err := DaysInTenor(Tenor{Value: 0, Unit: TenorUnitDays}); !errors.Is(err, ErrInvalidConfiguration) {
		t.Errorf("zero tenor should return ErrInvalidConfiguration, got %v", err)
	}
	if _, err := DaysInTenor(Tenor{Value: 1, Unit: "DECADES"}); !errors.Is(err, ErrInvalidConfiguration) {
		t.Errorf("unknown unit should return ErrInvalidConfiguration, got %v", err)
	}
}

func TestNumberOfInstallmentsRoundsUp(t *testing.T) {
	// 45 天按月（30 天间隔）应向上取整为 2 期
	n, err := NumberOfInstallments(Tenor{Value: 45, Unit: TenorUnitDays}, FrequencyMonthly)
	if err != nil {
		t.Fatalf("NumberOfInstallments: %v", err)
	}
	if n != 2 {
		t.Errorf("n = %d, want 2", n)
	}
}

func TestValidateConfiguration(t *testing.T) {
	// 单期配置拒绝
	v := ValidateConfiguration(Tenor{Value: 1, Unit: TenorUnitDays}, FrequencyDaily)
	if v.Valid {
		t.Error("single-installment configuration should be invalid")
	}
	if v.Message == "" {
		t.Error("invalid configuration should carry a message")
	}

	// 超过 365 期拒绝
	v = ValidateConfiguration(Tenor{Value: 2, Unit: TenorUnitYears}, FrequencyDaily)
	if v.Valid {
		t.Error("730-installment configuration should be invalid")
	}

	// 边界：恰好 2 期与恰好 365 期均接受
	v = ValidateConfiguration(Tenor{Value: 2, Unit: TenorUnitDays}, FrequencyDaily)
	if !v.Valid {
		t.Errorf("2-installment configuration should be valid: %s", v.Message)
	}
	v = ValidateConfiguration(Tenor{Value: 365, Unit: TenorUnitDays}, FrequencyDaily)
	if !v.Valid {
		t.Errorf("365-installment configuration should be valid: %s", v.Message)
	}

	v = ValidateConfiguration(Tenor{Value: 6, Unit: TenorUnitMonths}, FrequencyMonthly)
	if !v.Valid {
		t.Errorf("6-month monthly configuration should be valid: %s", v.Message)
	}
}

func TestNewLoanConfigurationRounding(t *testing.T) {
	// 本金 50000，月付，6 个月，年利率 15%
	cfg := mustConfig(t, 50000, FrequencyMonthly, Tenor{Value: 6, Unit: TenorUnitMonths}, "15", "0")

	if cfg.NumberOfInstallments != 6 {
		t.Errorf("installments = %d, want 6", cfg.NumberOfInstallments)
	}
	// 50000 * 15% * 180/365 = 3698.63...，向上取整 3699
	if !cfg.TotalInterest.Equal(decimal.NewFromInt(3699)) {
		t.Errorf("total interest = %s, want 3699", cfg.TotalInterest)
	}
	// (50000 + 3699) / 6 = 8949.83...，向上取整 8950
	if !cfg.InstallmentAmount.Equal(decimal.NewFromInt(8950)) {
		t.Errorf("installment amount = %s, want 8950", cfg.InstallmentAmount)
	}
	// 总额回算：8950 * 6 = 53700，而非 50000 + 3699
	if !cfg.TotalAmount.Equal(decimal.NewFromInt(53700)) {
		t.Errorf("total amount = %s, want 53700", cfg.TotalAmount)
	}
}

func TestNewLoanConfigurationRejectsBadInput(t *testing.T) {
	_, err := NewLoanConfiguration(
		decimal.Zero, FrequencyMonthly, Tenor{Value: 6, Unit: TenorUnitMonths},
		decimal.NewFromInt(15), decimal.Zero,
	)
	if !errors.Is(err, ErrInvalidConfiguration) {
		t.Errorf("zero principal should return ErrInvalidConfiguration, got %v", err)
	}

	_, err = NewLoanConfiguration(
		decimal.NewFromInt(1000), FrequencyMonthly, Tenor{Value: 6, Unit: TenorUnitMonths},
		decimal.NewFromInt(-1), decimal.Zero,
	)
	if !errors.Is(err, ErrInvalidConfiguration) {
		t.Errorf("negative rate should return ErrInvalidConfiguration, got %v", err)
	}
}

func TestGenerateScheduleSumsExactly(t *testing.T) {
	cfg := mustConfig(t, 50000, FrequencyMonthly, Tenor{Value: 6, Unit: TenorUnitMonths}, "15", "0")
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	items, err := GenerateSchedule("LN-test", cfg, start)
	if err != nil {
		t.Fatalf("GenerateSchedule: %v", err)
	}
	if len(items) != 6 {
		t.Fatalf("len(items) = %d, want 6", len(items))
	}

	sumAmount, sumPrincipal, sumInterest := decimal.Zero, decimal.Zero, decimal.Zero
	for i, item := range items {
		if item.InstallmentNumber != i+1 {
			t.Errorf("item %d: installment number = %d", i, item.InstallmentNumber)
		}
		wantDue := start.AddDate(0, 0, (i+1)*30)
		if !item.DueDate.Equal(wantDue) {
			t.Errorf("item %d: due date = %s, want %s", i+1, item.DueDate, wantDue)
		}
		if item.Status != InstallmentStatusPending {
			t.Errorf("item %d: status = %s, want PENDING", i+1, item.Status)
		}
		if !item.Amount.Equal(item.PrincipalAmount.Add(item.InterestAmount)) {
			t.Errorf("item %d: amount %s != principal %s + interest %s",
				i+1, item.Amount, item.PrincipalAmount, item.InterestAmount)
		}
		sumAmount = sumAmount.Add(item.Amount)
		sumPrincipal = sumPrincipal.Add(item.PrincipalAmount)
		sumInterest = sumInterest.Add(item.InterestAmount)
	}

	// 各期合计须与配置总额严格相等，余数全部在末期
	if !sumAmount.Equal(cfg.TotalAmount) {
		t.Errorf("sum of amounts = %s, want %s", sumAmount, cfg.TotalAmount)
	}
	if !sumInterest.Equal(cfg.TotalInterest) {
		t.Errorf("sum of interest = %s, want %s", sumInterest, cfg.TotalInterest)
	}
	if !sumPrincipal.Equal(cfg.TotalAmount.Sub(cfg.TotalInterest)) {
		t.Errorf("sum of principal = %s, want %s", sumPrincipal, cfg.TotalAmount.Sub(cfg.TotalInterest))
	}

	// 非末期等额，末期吸收残差
	for i := 0; i < len(items)-2; i++ {
		if !items[i].Amount.Equal(items[i+1].Amount) {
			t.Errorf("items %d and %d differ before the last installment", i+1, i+2)
		}
	}
}

func TestGenerateScheduleSumInvariantAcrossConfigurations(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		principal int64
		freq      PaymentFrequency
		tenor     Tenor
		rate      string
	}{
		{10000, FrequencyWeekly, Tenor{Value: 3, Unit: TenorUnitMonths}, "12"},
		{99999, FrequencyBiWeekly, Tenor{Value: 26, Unit: TenorUnitWeeks}, "7.25"},
		{777, FrequencyDaily, Tenor{Value: 10, Unit: TenorUnitDays}, "36"},
		{250000, FrequencyQuarterly, Tenor{Value: 2, Unit: TenorUnitYears}, "9.9"},
		{1234567, FrequencyMonthly, Tenor{Value: 1, Unit: TenorUnitYears}, "18"},
	}

	for _, c := range cases {
		cfg := mustConfig(t, c.principal, c.freq, c.tenor, c.rate, "0")
		items, err := GenerateSchedule("LN-grid", cfg, start)
		if err != nil {
			t.Fatalf("GenerateSchedule(%s %+v): %v", c.freq, c.tenor, err)
		}

		sum := decimal.Zero
		for _, item := range items {
			sum = sum.Add(item.Amount)
		}
		if !sum.Equal(cfg.TotalAmount) {
			t.Errorf("%s %+v: sum %s != total %s", c.freq, c.tenor, sum, cfg.TotalAmount)
		}
		if !cfg.TotalAmount.Equal(cfg.InstallmentAmount.Mul(decimal.NewFromInt(int64(cfg.NumberOfInstallments)))) {
			t.Errorf("%s %+v: total %s != installment * n", c.freq, c.tenor, cfg.TotalAmount)
		}
	}
}

func TestQuoteEarlyRepayment(t *testing.T) {
	cfg := mustConfig(t, 50000, FrequencyMonthly, Tenor{Value: 6, Unit: TenorUnitMonths}, "15", "0")
	loan := NewLoan("LN-q", "M-1", "C-1", decimal.NewFromInt(50000), cfg)
	loan.CurrentInstallment = 2

	quote := QuoteEarlyRepayment(loan)

	// 剩余 4/6：本金份额 50001 * 4/6 = 33334，利息 3699 * 4/6 = 2466
	if !quote.RemainingPrincipal.Equal(decimal.NewFromInt(33334)) {
		t.Errorf("remaining principal = %s, want 33334", quote.RemainingPrincipal)
	}
	if !quote.RemainingInterest.Equal(decimal.NewFromInt(2466)) {
		t.Errorf("remaining interest = %s, want 2466", quote.RemainingInterest)
	}
	if !quote.Total.Equal(decimal.NewFromInt(35800)) {
		t.Errorf("total = %s, want 35800", quote.Total)
	}
}

func TestQuoteEarlyRepaymentFullyPaid(t *testing.T) {
	cfg := mustConfig(t, 50000, FrequencyMonthly, Tenor{Value: 6, Unit: TenorUnitMonths}, "15", "0")
	loan := NewLoan("LN-q", "M-1", "C-1", decimal.NewFromInt(50000), cfg)
	loan.CurrentInstallment = 6

	quote := QuoteEarlyRepayment(loan)
	if !quote.Total.IsZero() {
		t.Errorf("total = %s, want 0", quote.Total)
	}
}

func TestCalculateLateFee(t *testing.T) {
	// 1000 * 5% = 50
	fee := CalculateLateFee(decimal.NewFromInt(1000), decimal.NewFromInt(5))
	if !fee.Equal(decimal.NewFromInt(50)) {
		t.Errorf("fee = %s, want 50", fee)
	}

	// 1001 * 2.5% = 25.025，向上取整 26
	fee = CalculateLateFee(decimal.NewFromInt(1001), decimal.RequireFromString("2.5"))
	if !fee.Equal(decimal.NewFromInt(26)) {
		t.Errorf("fee = %s, want 26", fee)
	}

	// 罚息率为零或逾期金额非正时不计费
	if !CalculateLateFee(decimal.NewFromInt(1000), decimal.Zero).IsZero() {
		t.Error("zero penalty rate should yield zero fee")
	}
	if !CalculateLateFee(decimal.Zero, decimal.NewFromInt(5)).IsZero() {
		t.Error("zero overdue amount should yield zero fee")
	}
}
