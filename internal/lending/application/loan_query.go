package application

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/merchantcap/lending/internal/lending/domain"
	"github.com/merchantcap/lending/pkg/utils"
	"github.com/shopspring/decimal"
)

// PreviewScheduleQuery 分期计划试算请求，不创建贷款
type PreviewScheduleQuery struct {
	Principal    decimal.Decimal
	Frequency    domain.PaymentFrequency
	Tenor        domain.Tenor
	InterestRate decimal.Decimal
	PenaltyRate  decimal.Decimal
	StartDate    *time.Time
}

// SchedulePreviewDTO 分期计划试算结果
type SchedulePreviewDTO struct {
	Configuration   LoanConfigDTO     `json:"configuration"`
	PaymentSchedule []ScheduleItemDTO `json:"payment_schedule"`
}

// EarlyRepaymentQuoteDTO 提前结清试算结果
type EarlyRepaymentQuoteDTO struct {
	LoanID             string `json:"loan_id"`
	RemainingPrincipal string `json:"remaining_principal"`
	RemainingInterest  string `json:"remaining_interest"`
	Total              string `json:"total"`
}

// LoanListDTO 贷款分页列表
type LoanListDTO struct {
	Loans    []*LoanDTO `json:"loans"`
	Total    int64      `json:"total"`
	Page     int        `json:"page"`
	PageSize int        `json:"page_size"`
}

// LedgerEntryDTO 台账条目
type LedgerEntryDTO struct {
	EntryID          string `json:"entry_id"`
	LoanID           string `json:"loan_id"`
	Type             string `json:"type"`
	Amount           string `json:"amount"`
	PrincipalPortion string `json:"principal_portion"`
	InterestPortion  string `json:"interest_portion"`
	LateFeePortion   string `json:"late_fee_portion"`
	Method           string `json:"method,omitempty"`
	Reference        string `json:"reference,omitempty"`
	RecordedAt       string `json:"recorded_at"`
}

// LoanQueryService 贷款读路径，详情查询走缓存旁路
type LoanQueryService struct {
	loans  domain.LoanRepository
	ledger domain.LedgerRepository
	cache  domain.LoanCache
	logger *slog.Logger
}

// NewLoanQueryService 创建贷款查询服务
func NewLoanQueryService(
	loans domain.LoanRepository,
	ledger domain.LedgerRepository,
	cache domain.LoanCache,
	logger *slog.Logger,
) *LoanQueryService {
	return &LoanQueryService{loans: loans, ledger: ledger, cache: cache, logger: logger}
}

// GetLoan 查询贷款详情含分期计划。缓存命中直接返回快照，
// 未命中回源数据库并异步性质地回填缓存（回填失败只记日志）。
func (s *LoanQueryService) GetLoan(ctx context.Context, merchantID, loanID string) (*LoanDTO, error) {
	if s.cache != nil {
		if loan, items, ok := s.cache.GetLoan(ctx, loanID); ok {
			if loan.MerchantID != merchantID {
				return nil, domain.ErrForbidden
			}
			return toLoanDTO(loan, items), nil
		}
	}

	loan, err := s.loans.Get(ctx, loanID)
	if err != nil {
		return nil, err
	}
	if loan.MerchantID != merchantID {
		return nil, domain.ErrForbidden
	}

	items, err := s.loans.GetSchedule(ctx, loanID)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.SetLoan(ctx, loan, items); err != nil {
			s.logger.WarnContext(ctx, "failed to cache loan", "loan_id", loanID, "error", err)
		}
	}
	return toLoanDTO(loan, items), nil
}

// ListLoans 按商户分页查询贷款，status 为空表示不过滤状态
func (s *LoanQueryService) ListLoans(ctx context.Context, merchantID string, status domain.LoanStatus, page, pageSize int) (*LoanListDTO, error) {
	p := utils.NewPagination(page, pageSize, 0)

	loans, total, err := s.loans.List(ctx, merchantID, status, p.PageSize, p.Offset())
	if err != nil {
		return nil, err
	}

	dtos := make([]*LoanDTO, 0, len(loans))
	for _, loan := range loans {
		dtos = append(dtos, toLoanDTO(loan, nil))
	}
	return &LoanListDTO{
		Loans:    dtos,
		Total:    total,
		Page:     p.Page,
		PageSize: p.PageSize,
	}, nil
}

// PreviewSchedule 按给定配置试算分期计划，纯计算不落库
func (s *LoanQueryService) PreviewSchedule(ctx context.Context, q PreviewScheduleQuery) (*SchedulePreviewDTO, error) {
	if v := domain.ValidateConfiguration(q.Tenor, q.Frequency); !v.Valid {
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidConfiguration, v.Message)
	}

	cfg, err := domain.NewLoanConfiguration(q.Principal, q.Frequency, q.Tenor, q.InterestRate, q.PenaltyRate)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	if q.StartDate != nil {
		start = *q.StartDate
	}
	items, err := domain.GenerateSchedule("preview", cfg, start)
	if err != nil {
		return nil, err
	}

	schedule := make([]ScheduleItemDTO, 0, len(items))
	for _, item := range items {
		schedule = append(schedule, toScheduleItemDTO(item))
	}
	return &SchedulePreviewDTO{
		Configuration:   toConfigDTO(cfg),
		PaymentSchedule: schedule,
	}, nil
}

// EarlyRepayment 提前结清试算，按剩余期数比例折算
func (s *LoanQueryService) EarlyRepayment(ctx context.Context, merchantID, loanID string) (*EarlyRepaymentQuoteDTO, error) {
	loan, err := s.loans.Get(ctx, loanID)
	if err != nil {
		return nil, err
	}
	if loan.MerchantID != merchantID {
		return nil, domain.ErrForbidden
	}

	quote := domain.QuoteEarlyRepayment(loan)
	return &EarlyRepaymentQuoteDTO{
		LoanID:             loanID,
		RemainingPrincipal: quote.RemainingPrincipal.String(),
		RemainingInterest:  quote.RemainingInterest.String(),
		Total:              quote.Total.String(),
	}, nil
}

// ListLedger 查询贷款的资金流水
func (s *LoanQueryService) ListLedger(ctx context.Context, merchantID, loanID string) ([]LedgerEntryDTO, error) {
	loan, err := s.loans.Get(ctx, loanID)
	if err != nil {
		return nil, err
	}
	if loan.MerchantID != merchantID {
		return nil, domain.ErrForbidden
	}

	entries, err := s.ledger.ListByLoan(ctx, loanID)
	if err != nil {
		return nil, err
	}

	dtos := make([]LedgerEntryDTO, 0, len(entries))
	for _, e := range entries {
		dtos = append(dtos, LedgerEntryDTO{
			EntryID:          e.EntryID,
			LoanID:           e.LoanID,
			Type:             string(e.Type),
			Amount:           e.Amount.String(),
			PrincipalPortion: e.PrincipalPortion.String(),
			InterestPortion:  e.InterestPortion.String(),
			LateFeePortion:   e.LateFeePortion.String(),
			Method:           e.Method,
			Reference:        e.Reference,
			RecordedAt:       e.RecordedAt.Format(time.RFC3339),
		})
	}
	return dtos, nil
}
