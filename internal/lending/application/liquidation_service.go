package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/merchantcap/lending/internal/lending/domain"
	"github.com/merchantcap/lending/pkg/metrics"
	"github.com/merchantcap/lending/pkg/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// oneUnit 执行清偿时允许的金额容差，吸收客户端侧的取整漂移
var oneUnit = decimal.NewFromInt(1)

// CalculateLiquidationQuery 清偿试算请求
type CalculateLiquidationQuery struct {
	MerchantID    string
	LoanID        string
	PartialAmount *decimal.Decimal
}

// ExecuteLiquidationCommand 清偿执行命令
type ExecuteLiquidationCommand struct {
	MerchantID string
	LoanID     string
	Amount     decimal.Decimal
	Reference  string
	Method     string
}

// LiquidationItemDTO 单期清偿明细
type LiquidationItemDTO struct {
	InstallmentNumber int    `json:"installment_number"`
	DueDate           string `json:"due_date"`
	Overdue           bool   `json:"overdue"`
	Principal         string `json:"principal"`
	Interest          string `json:"interest"`
	LateFee           string `json:"late_fee"`
	FullyCovered      bool   `json:"fully_covered"`
}

// LiquidationCalculationDTO 清偿试算结果
type LiquidationCalculationDTO struct {
	LoanID            string               `json:"loan_id"`
	TotalDue          string               `json:"total_due"`
	UnpaidPrincipal   string               `json:"unpaid_principal"`
	AccruedInterest   string               `json:"accrued_interest"`
	LateFees          string               `json:"late_fees"`
	SchedulesIncluded []LiquidationItemDTO `json:"schedules_included"`
	IsFullLiquidation bool                 `json:"is_full_liquidation"`
	RemainingBalance  string               `json:"remaining_balance"`
}

// LiquidationResultDTO 清偿执行结果
type LiquidationResultDTO struct {
	EntryID     string                    `json:"entry_id"`
	Loan        *LoanDTO                  `json:"loan"`
	Calculation LiquidationCalculationDTO `json:"calculation"`
}

// LiquidationService 清偿引擎，提供试算与执行两个入口
type LiquidationService struct {
	db        TxRunner
	loans     domain.LoanRepository
	ledger    domain.LedgerRepository
	publisher domain.EventPublisher
	cache     domain.LoanCache
	idgen     *utils.SnowflakeID
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewLiquidationService 创建清偿引擎
func NewLiquidationService(
	db TxRunner,
	loans domain.LoanRepository,
	ledger domain.LedgerRepository,
	publisher domain.EventPublisher,
	cache domain.LoanCache,
	logger *slog.Logger,
	m *metrics.Metrics,
) *LiquidationService {
	return &LiquidationService{
		db:        db,
		loans:     loans,
		ledger:    ledger,
		publisher: publisher,
		cache:     cache,
		idgen:     utils.NewSnowflakeID(2),
		logger:    logger,
		metrics:   m,
	}
}

// Calculate 清偿试算。只读操作，不加锁不落库，
// 金额随计算时间变化，结果仅供报价参考。
func (s *LiquidationService) Calculate(ctx context.Context, q CalculateLiquidationQuery) (*LiquidationCalculationDTO, error) {
	loan, err := s.loans.Get(ctx, q.LoanID)
	if err != nil {
		return nil, err
	}
	if loan.MerchantID != q.MerchantID {
		return nil, domain.ErrForbidden
	}

	items, err := s.loans.GetSchedule(ctx, q.LoanID)
	if err != nil {
		return nil, err
	}

	calc, err := domain.CalculateLiquidation(loan, items, q.PartialAmount, time.Now())
	if err != nil {
		return nil, err
	}
	dto := toLiquidationCalculationDTO(q.LoanID, calc)
	return &dto, nil
}

// Execute 执行清偿。与试算分离的独立事务：在行锁下重新读取贷款
// 并重算应清金额，防止报价与执行之间状态已变。
//
// 规则：
//   - 归属校验基于锁内新读到的贷款，不信任请求方自带的快照；
//   - 请求金额与锁内全额重算结果相差不超过 1 个货币单位视为全额清偿；
//   - 金额超出全额容差上限报金额不符；低于全额走部分清偿瀑布分配；
//   - 幂等键 LIQUIDATION:{loanId}:{reference} 命中已有台账即拒绝重放。
func (s *LiquidationService) Execute(ctx context.Context, cmd ExecuteLiquidationCommand) (*LiquidationResultDTO, error) {
	if !cmd.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: liquidation amount must be positive", domain.ErrAmountMismatch)
	}
	if cmd.Reference == "" {
		return nil, fmt.Errorf("%w: reference is required", domain.ErrInvalidConfiguration)
	}

	var (
		loan  *domain.Loan
		items []*domain.ScheduleItem
		calc  *domain.LiquidationCalculation
		entry *domain.LedgerEntry
	)

	err := s.db.Transaction(func(tx *gorm.DB) error {
		loans := s.loans.WithTx(tx)
		ledger := s.ledger.WithTx(tx)

		var err error
		loan, err = loans.GetForUpdate(ctx, cmd.LoanID)
		if err != nil {
			return err
		}
		if loan.MerchantID != cmd.MerchantID {
			return domain.ErrForbidden
		}

		idemKey := domain.LiquidationIdempotencyKey(cmd.LoanID, cmd.Reference)
		if existing, err := ledger.GetByIdempotencyKey(ctx, idemKey); err != nil {
			return err
		} else if existing != nil {
			return fmt.Errorf("%w: reference %s already processed", domain.ErrDuplicateReference, cmd.Reference)
		}

		items, err = loans.GetSchedule(ctx, cmd.LoanID)
		if err != nil {
			return err
		}

		now := time.Now()
		full, err := domain.CalculateLiquidation(loan, items, nil, now)
		if err != nil {
			return err
		}

		switch {
		case cmd.Amount.Sub(full.TotalDue).Abs().LessThanOrEqual(oneUnit):
			calc = full
		case cmd.Amount.GreaterThan(full.TotalDue):
			return fmt.Errorf("%w: requested %s exceeds total due %s",
				domain.ErrAmountMismatch, cmd.Amount.String(), full.TotalDue.String())
		default:
			partial := cmd.Amount
			calc, err = domain.CalculateLiquidation(loan, items, &partial, now)
			if err != nil {
				return err
			}
		}

		if err := s.settleSchedule(ctx, loans, items, calc, cmd.Reference, now); err != nil {
			return err
		}

		loan.AmountPaid = loan.AmountPaid.Add(cmd.Amount)
		loan.AmountRemaining = loan.Config.TotalAmount.Sub(loan.AmountPaid)
		loan.LastPaymentDate = &now
		for _, covered := range calc.Breakdown.SchedulesIncluded {
			if covered.FullyCovered && covered.InstallmentNumber > loan.CurrentInstallment {
				loan.CurrentInstallment = covered.InstallmentNumber
			}
		}
		if calc.IsFullLiquidation {
			loan.Status = domain.LoanStatusCompleted
			loan.CompletedAt = &now
			loan.AmountRemaining = decimal.Zero
		}
		if err := loans.Update(ctx, loan); err != nil {
			return err
		}

		entry = &domain.LedgerEntry{
			EntryID:          fmt.Sprintf("LE-%d", s.idgen.Generate()),
			LoanID:           loan.LoanID,
			MerchantID:       loan.MerchantID,
			Type:             domain.LedgerEntryLiquidation,
			Amount:           cmd.Amount,
			PrincipalPortion: calc.Breakdown.UnpaidPrincipal,
			InterestPortion:  calc.Breakdown.AccruedInterest,
			LateFeePortion:   calc.Breakdown.LateFees,
			Method:           cmd.Method,
			Reference:        cmd.Reference,
			IdempotencyKey:   idemKey,
			RecordedAt:       now,
		}
		if err := ledger.Append(ctx, entry); err != nil {
			// 唯一索引是幂等的最终防线，并发重放在此处被数据库拦下
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("%w: reference %s already processed", domain.ErrDuplicateReference, cmd.Reference)
			}
			return err
		}

		return s.publisher.PublishInTx(ctx, tx, domain.EventLoanLiquidated, loan.LoanID, domain.LiquidationEvent{
			LoanID:            loan.LoanID,
			MerchantID:        loan.MerchantID,
			EntryID:           entry.EntryID,
			Amount:            cmd.Amount,
			IsFullLiquidation: calc.IsFullLiquidation,
			RemainingBalance:  calc.RemainingBalance,
			Reference:         cmd.Reference,
			OccurredAt:        now,
		})
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to execute liquidation",
			"loan_id", cmd.LoanID,
			"reference", cmd.Reference,
			"error", err,
		)
		return nil, err
	}

	kind := "partial"
	if calc.IsFullLiquidation {
		kind = "full"
		s.metrics.LoansActive.Dec()
	}
	s.metrics.LiquidationsTotal.WithLabelValues(kind).Inc()
	amt, _ := cmd.Amount.Float64()
	s.metrics.LiquidationAmount.Observe(amt)

	s.invalidate(ctx, cmd.LoanID)
	s.logger.InfoContext(ctx, "liquidation executed",
		"loan_id", cmd.LoanID,
		"entry_id", entry.EntryID,
		"kind", kind,
		"amount", cmd.Amount.String(),
	)
	return &LiquidationResultDTO{
		EntryID:     entry.EntryID,
		Loan:        toLoanDTO(loan, items),
		Calculation: toLiquidationCalculationDTO(cmd.LoanID, calc),
	}, nil
}

// settleSchedule 将清偿覆盖的分期落库。全额覆盖的期直接置为已还；
// 部分覆盖的期只累计已还金额，状态保持待还等待后续清偿。
func (s *LiquidationService) settleSchedule(
	ctx context.Context,
	loans domain.LoanRepository,
	items []*domain.ScheduleItem,
	calc *domain.LiquidationCalculation,
	reference string,
	now time.Time,
) error {
	byNumber := make(map[int]*domain.ScheduleItem, len(items))
	for _, item := range items {
		byNumber[item.InstallmentNumber] = item
	}

	for _, covered := range calc.Breakdown.SchedulesIncluded {
		item, ok := byNumber[covered.InstallmentNumber]
		if !ok {
			return domain.ErrInstallmentNotFound
		}
		item.LateFee = covered.LateFee
		if covered.FullyCovered {
			if err := item.MarkPaid(covered.Total(), reference, now); err != nil {
				return err
			}
		} else {
			item.PaidAmount = item.PaidAmount.Add(covered.Total())
			item.PaymentID = reference
		}
		if err := loans.UpdateScheduleItem(ctx, item); err != nil {
			return err
		}
	}
	return nil
}

func (s *LiquidationService) invalidate(ctx context.Context, loanID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, loanID); err != nil {
		s.logger.WarnContext(ctx, "failed to invalidate loan cache", "loan_id", loanID, "error", err)
	}
}

func toLiquidationItemDTO(i domain.LiquidationItem) LiquidationItemDTO {
	return LiquidationItemDTO{
		InstallmentNumber: i.InstallmentNumber,
		DueDate:           i.DueDate.Format(time.RFC3339),
		Overdue:           i.Overdue,
		Principal:         i.Principal.String(),
		Interest:          i.Interest.String(),
		LateFee:           i.LateFee.String(),
		FullyCovered:      i.FullyCovered,
	}
}

func toLiquidationCalculationDTO(loanID string, calc *domain.LiquidationCalculation) LiquidationCalculationDTO {
	items := make([]LiquidationItemDTO, 0, len(calc.Breakdown.SchedulesIncluded))
	for _, i := range calc.Breakdown.SchedulesIncluded {
		items = append(items, toLiquidationItemDTO(i))
	}
	return LiquidationCalculationDTO{
		LoanID:            loanID,
		TotalDue:          calc.TotalDue.String(),
		UnpaidPrincipal:   calc.Breakdown.UnpaidPrincipal.String(),
		AccruedInterest:   calc.Breakdown.AccruedInterest.String(),
		LateFees:          calc.Breakdown.LateFees.String(),
		SchedulesIncluded: items,
		IsFullLiquidation: calc.IsFullLiquidation,
		RemainingBalance:  calc.RemainingBalance.String(),
	}
}
