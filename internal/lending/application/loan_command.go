package application

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/merchantcap/lending/internal/lending/domain"
	"github.com/merchantcap/lending/pkg/metrics"
	"github.com/merchantcap/lending/pkg/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// CreateLoanCommand 创建贷款命令
type CreateLoanCommand struct {
	MerchantID   string
	CustomerID   string
	Principal    decimal.Decimal
	Frequency    domain.PaymentFrequency
	Tenor        domain.Tenor
	InterestRate decimal.Decimal
	PenaltyRate  decimal.Decimal
}

// AuthorizeCardCommand 绑卡激活命令
type AuthorizeCardCommand struct {
	MerchantID string
	LoanID     string
	CardToken  string
	CardLast4  string
}

// RecordPaymentCommand 分期还款命令
type RecordPaymentCommand struct {
	MerchantID        string
	LoanID            string
	InstallmentNumber int
	Amount            decimal.Decimal
	PaymentID         string
}

// AdminUpdateCommand 管理员直改命令，绕过状态机守卫，仅限白名单字段
type AdminUpdateCommand struct {
	LoanID   string
	Status   *domain.LoanStatus
	Notes    *string
	Metadata *string
}

// LoanCommandService 贷款生命周期管理器，处理所有写操作
type LoanCommandService struct {
	db        TxRunner
	loans     domain.LoanRepository
	ledger    domain.LedgerRepository
	publisher domain.EventPublisher
	cache     domain.LoanCache
	idgen     *utils.SnowflakeID
	// 激活后首期宽限天数
	graceDays int
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewLoanCommandService 创建贷款生命周期管理器
func NewLoanCommandService(
	db TxRunner,
	loans domain.LoanRepository,
	ledger domain.LedgerRepository,
	publisher domain.EventPublisher,
	cache domain.LoanCache,
	graceDays int,
	logger *slog.Logger,
	m *metrics.Metrics,
) *LoanCommandService {
	return &LoanCommandService{
		db:        db,
		loans:     loans,
		ledger:    ledger,
		publisher: publisher,
		cache:     cache,
		idgen:     utils.NewSnowflakeID(1),
		graceDays: graceDays,
		logger:    logger,
		metrics:   m,
	}
}

// CreateLoan 创建待激活贷款。分期计划以当前时间为临时锚点生成，
// 激活时会按真实激活日期重新锚定。
func (s *LoanCommandService) CreateLoan(ctx context.Context, cmd CreateLoanCommand) (*LoanDTO, error) {
	if v := domain.ValidateConfiguration(cmd.Tenor, cmd.Frequency); !v.Valid {
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidConfiguration, v.Message)
	}

	cfg, err := domain.NewLoanConfiguration(cmd.Principal, cmd.Frequency, cmd.Tenor, cmd.InterestRate, cmd.PenaltyRate)
	if err != nil {
		return nil, err
	}

	loanID := fmt.Sprintf("LN-%d", s.idgen.Generate())
	loan := domain.NewLoan(loanID, cmd.MerchantID, cmd.CustomerID, cmd.Principal, cfg)

	now := time.Now()
	items, err := domain.GenerateSchedule(loanID, cfg, now)
	if err != nil {
		return nil, err
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		loans := s.loans.WithTx(tx)
		if err := loans.Create(ctx, loan); err != nil {
			return err
		}
		if err := loans.CreateSchedule(ctx, items); err != nil {
			return err
		}
		return s.publisher.PublishInTx(ctx, tx, domain.EventLoanCreated, loanID, domain.LoanEvent{
			LoanID:     loanID,
			MerchantID: loan.MerchantID,
			CustomerID: loan.CustomerID,
			Status:     loan.Status,
			OccurredAt: now,
		})
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to create loan", "merchant_id", cmd.MerchantID, "error", err)
		return nil, err
	}

	s.metrics.LoansCreatedTotal.Inc()
	s.logger.InfoContext(ctx, "loan created",
		"loan_id", loanID,
		"merchant_id", cmd.MerchantID,
		"principal", cmd.Principal.String(),
		"installments", cfg.NumberOfInstallments,
	)
	return toLoanDTO(loan, items), nil
}

// AuthorizeCard 绑定扣款卡并激活贷款。真实应还日期以
// 激活时间加宽限期为锚点重新生成，覆盖创建时的临时计划。
func (s *LoanCommandService) AuthorizeCard(ctx context.Context, cmd AuthorizeCardCommand) (*LoanDTO, error) {
	var (
		loan  *domain.Loan
		items []*domain.ScheduleItem
	)

	err := s.db.Transaction(func(tx *gorm.DB) error {
		loans := s.loans.WithTx(tx)

		var err error
		loan, err = loans.GetForUpdate(ctx, cmd.LoanID)
		if err != nil {
			return err
		}
		// 归属校验基于锁内新读到的贷款
		if loan.MerchantID != cmd.MerchantID {
			return domain.ErrForbidden
		}

		now := time.Now()
		if err := loan.Activate(cmd.CardToken, cmd.CardLast4, now); err != nil {
			return err
		}

		anchor := now.AddDate(0, 0, s.graceDays)
		items, err = domain.GenerateSchedule(loan.LoanID, loan.Config, anchor)
		if err != nil {
			return err
		}
		first := items[0].DueDate
		loan.FirstPaymentDate = &first

		if err := loans.ReplaceSchedule(ctx, loan.LoanID, items); err != nil {
			return err
		}
		if err := loans.Update(ctx, loan); err != nil {
			return err
		}
		return s.publisher.PublishInTx(ctx, tx, domain.EventLoanActivated, loan.LoanID, domain.LoanEvent{
			LoanID:     loan.LoanID,
			MerchantID: loan.MerchantID,
			CustomerID: loan.CustomerID,
			Status:     loan.Status,
			OccurredAt: now,
		})
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to authorize card", "loan_id", cmd.LoanID, "error", err)
		return nil, err
	}

	s.metrics.LoansActive.Inc()
	s.invalidate(ctx, cmd.LoanID)
	s.logger.InfoContext(ctx, "loan activated", "loan_id", cmd.LoanID, "first_payment_date", loan.FirstPaymentDate)
	return toLoanDTO(loan, items), nil
}

// RecordPayment 记录一笔分期还款。读取、校验与写回在同一事务内
// 以行锁串行化，避免同一贷款的并发还款互相覆盖。
func (s *LoanCommandService) RecordPayment(ctx context.Context, cmd RecordPaymentCommand) (*LoanDTO, error) {
	var (
		loan      *domain.Loan
		items     []*domain.ScheduleItem
		completed bool
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
		if loan.Status != domain.LoanStatusActive {
			return domain.ErrInvalidState
		}

		items, err = loans.GetSchedule(ctx, cmd.LoanID)
		if err != nil {
			return err
		}

		var target *domain.ScheduleItem
		for _, item := range items {
			if item.InstallmentNumber == cmd.InstallmentNumber {
				target = item
				break
			}
		}
		if target == nil {
			return domain.ErrInstallmentNotFound
		}

		now := time.Now()
		amount := cmd.Amount
		if !amount.IsPositive() {
			amount = target.Amount
		}

		if err := target.MarkPaid(amount, cmd.PaymentID, now); err != nil {
			return err
		}
		if err := loans.UpdateScheduleItem(ctx, target); err != nil {
			return err
		}

		loan.ApplyPayment(cmd.InstallmentNumber, amount, now)
		completed = loan.Status == domain.LoanStatusCompleted
		if err := loans.Update(ctx, loan); err != nil {
			return err
		}

		entry := &domain.LedgerEntry{
			EntryID:          fmt.Sprintf("LE-%d", s.idgen.Generate()),
			LoanID:           loan.LoanID,
			MerchantID:       loan.MerchantID,
			Type:             domain.LedgerEntryPayment,
			Amount:           amount,
			PrincipalPortion: target.PrincipalAmount,
			InterestPortion:  target.InterestAmount,
			LateFeePortion:   target.LateFee,
			Reference:        cmd.PaymentID,
			IdempotencyKey:   domain.PaymentIdempotencyKey(loan.LoanID, cmd.InstallmentNumber, cmd.PaymentID),
			RecordedAt:       now,
		}
		if err := ledger.Append(ctx, entry); err != nil {
			return err
		}

		if err := s.publisher.PublishInTx(ctx, tx, domain.EventPaymentSuccess, loan.LoanID, domain.PaymentEvent{
			LoanID:            loan.LoanID,
			MerchantID:        loan.MerchantID,
			InstallmentNumber: cmd.InstallmentNumber,
			Amount:            amount,
			AmountRemaining:   loan.AmountRemaining,
			OccurredAt:        now,
		}); err != nil {
			return err
		}

		if completed {
			return s.publisher.PublishInTx(ctx, tx, domain.EventLoanCompleted, loan.LoanID, domain.LoanEvent{
				LoanID:     loan.LoanID,
				MerchantID: loan.MerchantID,
				CustomerID: loan.CustomerID,
				Status:     loan.Status,
				OccurredAt: now,
			})
		}
		return nil
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to record payment",
			"loan_id", cmd.LoanID,
			"installment", cmd.InstallmentNumber,
			"error", err,
		)
		return nil, err
	}

	s.metrics.PaymentsRecordedTotal.Inc()
	if completed {
		s.metrics.LoansActive.Dec()
	}
	s.invalidate(ctx, cmd.LoanID)
	s.logger.InfoContext(ctx, "payment recorded",
		"loan_id", cmd.LoanID,
		"installment", cmd.InstallmentNumber,
		"completed", completed,
	)
	return toLoanDTO(loan, items), nil
}

// CancelLoan 取消待激活贷款
func (s *LoanCommandService) CancelLoan(ctx context.Context, merchantID, loanID string) (*LoanDTO, error) {
	var loan *domain.Loan

	err := s.db.Transaction(func(tx *gorm.DB) error {
		loans := s.loans.WithTx(tx)

		var err error
		loan, err = loans.GetForUpdate(ctx, loanID)
		if err != nil {
			return err
		}
		if loan.MerchantID != merchantID {
			return domain.ErrForbidden
		}
		if err := loan.Cancel(); err != nil {
			return err
		}
		if err := loans.Update(ctx, loan); err != nil {
			return err
		}
		return s.publisher.PublishInTx(ctx, tx, domain.EventLoanCancelled, loanID, domain.LoanEvent{
			LoanID:     loan.LoanID,
			MerchantID: loan.MerchantID,
			CustomerID: loan.CustomerID,
			Status:     loan.Status,
			OccurredAt: time.Now(),
		})
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to cancel loan", "loan_id", loanID, "error", err)
		return nil, err
	}

	s.invalidate(ctx, loanID)
	s.logger.InfoContext(ctx, "loan cancelled", "loan_id", loanID)
	return toLoanDTO(loan, nil), nil
}

// AdminUpdateLoan 管理员直改贷款字段。不经过状态机守卫，
// 只允许 status/notes/metadata 白名单字段，仅应由管理通道调用。
func (s *LoanCommandService) AdminUpdateLoan(ctx context.Context, cmd AdminUpdateCommand) (*LoanDTO, error) {
	var loan *domain.Loan

	err := s.db.Transaction(func(tx *gorm.DB) error {
		loans := s.loans.WithTx(tx)

		var err error
		loan, err = loans.GetForUpdate(ctx, cmd.LoanID)
		if err != nil {
			return err
		}

		if cmd.Status != nil {
			loan.Status = *cmd.Status
			if *cmd.Status == domain.LoanStatusDefaulted && loan.DefaultedAt == nil {
				now := time.Now()
				loan.DefaultedAt = &now
			}
		}
		if cmd.Notes != nil {
			loan.Notes = *cmd.Notes
		}
		if cmd.Metadata != nil {
			loan.Metadata = *cmd.Metadata
		}
		return loans.Update(ctx, loan)
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to admin-update loan", "loan_id", cmd.LoanID, "error", err)
		return nil, err
	}

	s.invalidate(ctx, cmd.LoanID)
	s.logger.WarnContext(ctx, "loan updated via admin channel", "loan_id", cmd.LoanID)
	return toLoanDTO(loan, nil), nil
}

// MarkOverdueInstallments 批量将已过应还日的 PENDING 分期置为 OVERDUE，
// 由外部调度器定时调用。不触碰贷款状态，违约升级由催收侧负责。
func (s *LoanCommandService) MarkOverdueInstallments(ctx context.Context, asOf time.Time) (int64, error) {
	count, err := s.loans.MarkOverdue(ctx, asOf)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to mark overdue installments", "error", err)
		return 0, err
	}
	if count > 0 {
		s.logger.InfoContext(ctx, "installments marked overdue", "count", count, "as_of", asOf)
	}
	return count, nil
}

func (s *LoanCommandService) invalidate(ctx context.Context, loanID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, loanID); err != nil {
		s.logger.WarnContext(ctx, "failed to invalidate loan cache", "loan_id", loanID, "error", err)
	}
}
