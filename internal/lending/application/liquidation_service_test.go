package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/merchantcap/lending/internal/lending/domain"
	"github.com/shopspring/decimal"
)

// seedLiquidatableLoan 直接向仓储写入一笔激活于 start 的贷款：
// 两期各 本金 500 / 利息 100，应还日为 start+30d 与 start+60d
func seedLiquidatableLoan(t *testing.T, env *testEnv, start time.Time, penalty string) *domain.Loan {
	t.Helper()
	cfg := domain.LoanConfiguration{
		Frequency:            domain.FrequencyMonthly,
		TenorValue:           2,
		TenorUnit:            domain.TenorUnitMonths,
		NumberOfInstallments: 2,
		InterestRate:         decimal.NewFromInt(15),
		PenaltyRate:          decimal.RequireFromString(penalty),
		InstallmentAmount:    decimal.NewFromInt(600),
		TotalInterest:        decimal.NewFromInt(200),
		TotalAmount:          decimal.NewFromInt(1200),
	}
	loan := domain.NewLoan("LN-liq", "M-1", "C-1", decimal.NewFromInt(1000), cfg)
	loan.Status = domain.LoanStatusActive
	loan.ActivatedAt = &start

	ctx := context.Background()
	if err := env.loans.Create(ctx, loan); err != nil {
		t.Fatalf("seed loan: %v", err)
	}
	items := []*domain.ScheduleItem{
		{
			LoanID: loan.LoanID, InstallmentNumber: 1, DueDate: start.AddDate(0, 0, 30),
			Amount: decimal.NewFromInt(600), PrincipalAmount: decimal.NewFromInt(500),
			InterestAmount: decimal.NewFromInt(100), Status: domain.InstallmentStatusPending,
			PaidAmount: decimal.Zero, LateFee: decimal.Zero,
		},
		{
			LoanID: loan.LoanID, InstallmentNumber: 2, DueDate: start.AddDate(0, 0, 60),
			Amount: decimal.NewFromInt(600), PrincipalAmount: decimal.NewFromInt(500),
			InterestAmount: decimal.NewFromInt(100), Status: domain.InstallmentStatusPending,
			PaidAmount: decimal.Zero, LateFee: decimal.Zero,
		},
	}
	if err := env.loans.CreateSchedule(ctx, items); err != nil {
		t.Fatalf("seed schedule: %v", err)
	}
	return loan
}

func TestCalculateRequiresOwnership(t *testing.T) {
	env := newTestEnv()
	seedLiquidatableLoan(t, env, time.Now().AddDate(0, 0, -90), "0")

	_, err := env.liq.Calculate(context.Background(), CalculateLiquidationQuery{
		MerchantID: "M-other",
		LoanID:     "LN-liq",
	})
	if !errors.Is(err, domain.ErrForbidden) {
		t.Errorf("want ErrForbidden, got %v", err)
	}
}

func TestCalculateFullQuote(t *testing.T) {
	env := newTestEnv()
	// 激活 90 天，两期均逾期
	seedLiquidatableLoan(t, env, time.Now().AddDate(0, 0, -90), "0")

	calc, err := env.liq.Calculate(context.Background(), CalculateLiquidationQuery{
		MerchantID: "M-1",
		LoanID:     "LN-liq",
	})
	if err != nil {
		t.Fatalf("Calculate: %v", err)
	}
	if !calc.IsFullLiquidation {
		t.Error("expected full liquidation quote")
	}
	if calc.TotalDue != "1200" {
		t.Errorf("total due = %s, want 1200", calc.TotalDue)
	}
	if len(calc.SchedulesIncluded) != 2 {
		t.Errorf("schedules included = %d, want 2", len(calc.SchedulesIncluded))
	}
}

func TestExecuteFullLiquidation(t *testing.T) {
	env := newTestEnv()
	seedLiquidatableLoan(t, env, time.Now().AddDate(0, 0, -90), "0")
	ctx := context.Background()

	result, err := env.liq.Execute(ctx, ExecuteLiquidationCommand{
		MerchantID: "M-1",
		LoanID:     "LN-liq",
		Amount:     decimal.NewFromInt(1200),
		Reference:  "liq_1",
		Method:     "bank_transfer",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if !result.Calculation.IsFullLiquidation {
		t.Error("expected full liquidation")
	}
	if result.Loan.Status != string(domain.LoanStatusCompleted) {
		t.Errorf("loan status = %s, want COMPLETED", result.Loan.Status)
	}

	loan, _ := env.loans.Get(ctx, "LN-liq")
	if loan.Status != domain.LoanStatusCompleted {
		t.Errorf("persisted status = %s, want COMPLETED", loan.Status)
	}
	if !loan.AmountRemaining.IsZero() {
		t.Errorf("remaining = %s, want 0", loan.AmountRemaining)
	}

	items, _ := env.loans.GetSchedule(ctx, "LN-liq")
	for _, item := range items {
		if item.Status != domain.InstallmentStatusPaid {
			t.Errorf("installment %d status = %s, want PAID", item.InstallmentNumber, item.Status)
		}
		if item.PaymentID != "liq_1" {
			t.Errorf("installment %d payment id = %s, want liq_1", item.InstallmentNumber, item.PaymentID)
		}
	}

	entries, _ := env.ledger.ListByLoan(ctx, "LN-liq")
	if len(entries) != 1 {
		t.Fatalf("ledger entries = %d, want 1", len(entries))
	}
	entry := entries[0]
	if entry.Type != domain.LedgerEntryLiquidation {
		t.Errorf("entry type = %s, want LIQUIDATION", entry.Type)
	}
	if entry.IdempotencyKey != domain.LiquidationIdempotencyKey("LN-liq", "liq_1") {
		t.Errorf("idempotency key = %s", entry.IdempotencyKey)
	}
	if !entry.Amount.Equal(decimal.NewFromInt(1200)) {
		t.Errorf("entry amount = %s, want 1200", entry.Amount)
	}

	types := env.publisher.eventTypes()
	if len(types) != 1 || types[0] != domain.EventLoanLiquidated {
		t.Errorf("events = %v, want [loan.liquidated]", types)
	}
}

func TestExecuteRejectsReplayedReference(t *testing.T) {
	env := newTestEnv()
	seedLiquidatableLoan(t, env, time.Now().AddDate(0, 0, -90), "0")
	ctx := context.Background()

	cmd := ExecuteLiquidationCommand{
		MerchantID: "M-1",
		LoanID:     "LN-liq",
		Amount:     decimal.NewFromInt(1200),
		Reference:  "liq_dup",
	}
	if _, err := env.liq.Execute(ctx, cmd); err != nil {
		t.Fatalf("first Execute: %v", err)
	}

	_, err := env.liq.Execute(ctx, cmd)
	if !errors.Is(err, domain.ErrDuplicateReference) {
		t.Errorf("want ErrDuplicateReference, got %v", err)
	}

	entries, _ := env.ledger.ListByLoan(ctx, "LN-liq")
	if len(entries) != 1 {
		t.Errorf("replay must not append a second ledger entry, got %d", len(entries))
	}
}

func TestExecuteToleratesOneUnitDrift(t *testing.T) {
	env := newTestEnv()
	seedLiquidatableLoan(t, env, time.Now().AddDate(0, 0, -90), "0")

	// 全额 1200，出 1199 仍按全额清偿处理
	result, err := env.liq.Execute(context.Background(), ExecuteLiquidationCommand{
		MerchantID: "M-1",
		LoanID:     "LN-liq",
		Amount:     decimal.NewFromInt(1199),
		Reference:  "liq_drift",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.Calculation.IsFullLiquidation {
		t.Error("1-unit drift should still be a full liquidation")
	}
}

func TestExecuteRejectsExcessAmount(t *testing.T) {
	env := newTestEnv()
	seedLiquidatableLoan(t, env, time.Now().AddDate(0, 0, -90), "0")

	_, err := env.liq.Execute(context.Background(), ExecuteLiquidationCommand{
		MerchantID: "M-1",
		LoanID:     "LN-liq",
		Amount:     decimal.NewFromInt(1210),
		Reference:  "liq_high",
	})
	if !errors.Is(err, domain.ErrAmountMismatch) {
		t.Errorf("want ErrAmountMismatch, got %v", err)
	}

	entries, _ := env.ledger.ListByLoan(context.Background(), "LN-liq")
	if len(entries) != 0 {
		t.Error("rejected liquidation must not write a ledger entry")
	}
}

func TestExecuteRequiresOwnership(t *testing.T) {
	env := newTestEnv()
	seedLiquidatableLoan(t, env, time.Now().AddDate(0, 0, -90), "0")

	_, err := env.liq.Execute(context.Background(), ExecuteLiquidationCommand{
		MerchantID: "M-other",
		LoanID:     "LN-liq",
		Amount:     decimal.NewFromInt(1200),
		Reference:  "liq_owner",
	})
	if !errors.Is(err, domain.ErrForbidden) {
		t.Errorf("want ErrForbidden, got %v", err)
	}
}

func TestExecutePartialLiquidation(t *testing.T) {
	env := newTestEnv()
	// 激活 45 天：第 1 期（start+30d）已逾期，第 2 期（start+60d）未到期
	seedLiquidatableLoan(t, env, time.Now().AddDate(0, 0, -45), "0")
	ctx := context.Background()

	result, err := env.liq.Execute(ctx, ExecuteLiquidationCommand{
		MerchantID: "M-1",
		LoanID:     "LN-liq",
		Amount:     decimal.NewFromInt(700),
		Reference:  "liq_partial",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if result.Calculation.IsFullLiquidation {
		t.Error("expected partial liquidation")
	}
	if result.Calculation.TotalDue != "700" {
		t.Errorf("total due = %s, want 700", result.Calculation.TotalDue)
	}

	loan, _ := env.loans.Get(ctx, "LN-liq")
	if loan.Status != domain.LoanStatusActive {
		t.Errorf("loan status = %s, want ACTIVE after partial", loan.Status)
	}
	if !loan.AmountPaid.Equal(decimal.NewFromInt(700)) {
		t.Errorf("amount paid = %s, want 700", loan.AmountPaid)
	}

	items, _ := env.loans.GetSchedule(ctx, "LN-liq")
	// 逾期的第 1 期（应还 600）整期结清
	if items[0].Status != domain.InstallmentStatusPaid {
		t.Errorf("installment 1 status = %s, want PAID", items[0].Status)
	}
	// 第 2 期收到剩余 100，状态保持待还
	if items[1].Status == domain.InstallmentStatusPaid {
		t.Error("installment 2 should not be fully paid")
	}
	if !items[1].PaidAmount.IsPositive() {
		t.Error("installment 2 should carry a partial paid amount")
	}

	entries, _ := env.ledger.ListByLoan(ctx, "LN-liq")
	if len(entries) != 1 {
		t.Fatalf("ledger entries = %d, want 1", len(entries))
	}
	if !entries[0].Amount.Equal(decimal.NewFromInt(700)) {
		t.Errorf("entry amount = %s, want 700", entries[0].Amount)
	}
}

func TestExecuteRejectsPendingLoan(t *testing.T) {
	env := newTestEnv()
	loan := seedLiquidatableLoan(t, env, time.Now().AddDate(0, 0, -90), "0")
	loan.Status = domain.LoanStatusPending

	_, err := env.liq.Execute(context.Background(), ExecuteLiquidationCommand{
		MerchantID: "M-1",
		LoanID:     "LN-liq",
		Amount:     decimal.NewFromInt(1200),
		Reference:  "liq_pending",
	})
	if !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("want ErrInvalidState, got %v", err)
	}
}
