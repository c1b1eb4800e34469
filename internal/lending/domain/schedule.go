package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PaymentFrequency 还款频率
type PaymentFrequency string

const (
	FrequencyDaily      PaymentFrequency = "DAILY"
	FrequencyWeekly     PaymentFrequency = "WEEKLY"
	FrequencyBiWeekly   PaymentFrequency = "BI_WEEKLY"
	FrequencyMonthly    PaymentFrequency = "MONTHLY"
	FrequencyQuarterly  PaymentFrequency = "QUARTERLY"
	FrequencyBiAnnually PaymentFrequency = "BI_ANNUALLY"
	FrequencyAnnually   PaymentFrequency = "ANNUALLY"
)

// TenorUnit 期限单位
type TenorUnit string

const (
	TenorUnitDays   TenorUnit = "DAYS"
	TenorUnitWeeks  TenorUnit = "WEEKS"
	TenorUnitMonths TenorUnit = "MONTHS"
	TenorUnitYears  TenorUnit = "YEARS"
)

// Tenor 贷款期限
type Tenor struct {
	Value int       `json:"value"`
	Unit  TenorUnit `json:"unit"`
}

const (
	// 最少分期数，低于该值的配置拒绝
	minInstallments = 2
	// 最多分期数
	maxInstallments = 365
	// 计息天数基数；月按 30 天、年按 365 天近似，刻意不做日历精确换算
	daysPerYear = 365
)

// IntervalDays 返回频率对应的固定间隔天数
func IntervalDays(f PaymentFrequency) (int, error) {
	switch f {
	case FrequencyDaily:
		return 1, nil
	case FrequencyWeekly:
		return 7, nil
	case FrequencyBiWeekly:
		return 14, nil
	case FrequencyMonthly:
		return 30, nil
	case FrequencyQuarterly:
		return 90, nil
	case FrequencyBiAnnually:
		return 182, nil
	case FrequencyAnnually:
		return 365, nil
	default:
		return 0, fmt.Errorf("%w: unknown frequency %q", ErrInvalidConfiguration, f)
	}
}

// DaysInTenor 返回期限折算的总天数
func DaysInTenor(t Tenor) (int, error) {
	if t.Value <= 0 {
		return 0, fmt.Errorf("%w: tenor value must be positive", ErrInvalidConfiguration)
	}
	switch t.Unit {
	case TenorUnitDays:
		return t.Value, nil
	case TenorUnitWeeks:
		return t.Value * 7, nil
	case TenorUnitMonths:
		return t.Value * 30, nil
	case TenorUnitYears:
		return t.Value * 365, nil
	default:
		return 0, fmt.Errorf("%w: unknown tenor unit %q", ErrInvalidConfiguration, t.Unit)
	}
}

// NumberOfInstallments 计算分期数：ceil(期限天数 / 频率间隔天数)
func NumberOfInstallments(t Tenor, f PaymentFrequency) (int, error) {
	days, err := DaysInTenor(t)
	if err != nil {
		return 0, err
	}
	interval, err := IntervalDays(f)
	if err != nil {
		return 0, err
	}
	n := (days + interval - 1) / interval
	if n < 1 {
		return 0, fmt.Errorf("%w: tenor %d %s with frequency %s yields no installments", ErrInvalidConfiguration, t.Value, t.Unit, f)
	}
	return n, nil
}

// ConfigValidation 配置校验结果，供调用方在落库前向用户反馈
type ConfigValidation struct {
	Valid   bool   `json:"valid"`
	Message string `json:"message,omitempty"`
}

// ValidateConfiguration 校验期限与频率组合，返回结构化结果而非错误
func ValidateConfiguration(t Tenor, f PaymentFrequency) ConfigValidation {
	n, err := NumberOfInstallments(t, f)
	if err != nil {
		return ConfigValidation{Valid: false, Message: err.Error()}
	}
	if n < minInstallments {
		return ConfigValidation{
			Valid:   false,
			Message: fmt.Sprintf("configuration yields %d installment(s); at least %d required", n, minInstallments),
		}
	}
	if n > maxInstallments {
		return ConfigValidation{
			Valid:   false,
			Message: fmt.Sprintf("configuration yields %d installments; at most %d allowed", n, maxInstallments),
		}
	}
	return ConfigValidation{Valid: true}
}

// NewLoanConfiguration 根据本金、频率、期限与利率计算贷款配置。
//
// 取整策略：利息总额向上取整到货币单位，每期金额向上取整，
// 最终应还总额按 每期金额 × 分期数 回算，宁可整体略微上浮也要
// 保证每期等额。该策略决定所有期望值，不可改动取整方向。
func NewLoanConfiguration(principal decimal.Decimal, f PaymentFrequency, t Tenor, annualRate, penaltyRate decimal.Decimal) (LoanConfiguration, error) {
	if !principal.IsPositive() {
		return LoanConfiguration{}, fmt.Errorf("%w: principal must be positive", ErrInvalidConfiguration)
	}
	if annualRate.IsNegative() || penaltyRate.IsNegative() {
		return LoanConfiguration{}, fmt.Errorf("%w: rates must not be negative", ErrInvalidConfiguration)
	}

	days, err := DaysInTenor(t)
	if err != nil {
		return LoanConfiguration{}, err
	}
	n, err := NumberOfInstallments(t, f)
	if err != nil {
		return LoanConfiguration{}, err
	}

	// totalInterest = principal * rate% * (days/365)，向上取整
	totalInterest := principal.
		Mul(annualRate).
		Mul(decimal.NewFromInt(int64(days))).
		Div(decimal.NewFromInt(int64(daysPerYear * 100))).
		Ceil()

	installments := decimal.NewFromInt(int64(n))
	installmentAmount := principal.Add(totalInterest).Div(installments).Ceil()
	// 回算总额以吸收取整差，保持 totalAmount == installmentAmount * n
	totalAmount := installmentAmount.Mul(installments)

	return LoanConfiguration{
		Frequency:            f,
		TenorValue:           t.Value,
		TenorUnit:            t.Unit,
		NumberOfInstallments: n,
		InterestRate:         annualRate,
		PenaltyRate:          penaltyRate,
		InstallmentAmount:    installmentAmount,
		TotalInterest:        totalInterest,
		TotalAmount:          totalAmount,
	}, nil
}

// GenerateSchedule 生成分期计划。
//
// 第 i 期（1 起）的应还日期为 startDate + i*间隔天数。
// 每期本金与利息取 floor(总额/n)，余数全部并入最后一期，
// 保证各期本金、利息之和与配置总额严格相等。
func GenerateSchedule(loanID string, cfg LoanConfiguration, startDate time.Time) ([]*ScheduleItem, error) {
	interval, err := IntervalDays(cfg.Frequency)
	if err != nil {
		return nil, err
	}
	n := cfg.NumberOfInstallments
	if n < 1 {
		return nil, fmt.Errorf("%w: number of installments must be at least 1", ErrInvalidConfiguration)
	}

	installments := decimal.NewFromInt(int64(n))
	principalShare := cfg.TotalAmount.Sub(cfg.TotalInterest)
	perPrincipal := principalShare.Div(installments).Floor()
	perInterest := cfg.TotalInterest.Div(installments).Floor()

	items := make([]*ScheduleItem, 0, n)
	for i := 1; i <= n; i++ {
		principal := perPrincipal
		interest := perInterest
		if i == n {
			// 末期吸收取整残差
			covered := decimal.NewFromInt(int64(n - 1))
			principal = principalShare.Sub(perPrincipal.Mul(covered))
			interest = cfg.TotalInterest.Sub(perInterest.Mul(covered))
		}

		items = append(items, &ScheduleItem{
			LoanID:            loanID,
			InstallmentNumber: i,
			DueDate:           startDate.AddDate(0, 0, i*interval),
			Amount:            principal.Add(interest),
			PrincipalAmount:   principal,
			InterestAmount:    interest,
			Status:            InstallmentStatusPending,
			PaidAmount:        decimal.Zero,
			LateFee:           decimal.Zero,
		})
	}
	return items, nil
}

// EarlyRepaymentQuote 提前结清试算结果，仅用于展示
type EarlyRepaymentQuote struct {
	RemainingPrincipal decimal.Decimal `json:"remaining_principal"`
	RemainingInterest  decimal.Decimal `json:"remaining_interest"`
	Total              decimal.Decimal `json:"total"`
}

// QuoteEarlyRepayment 按剩余期数比例 (n-current)/n 折算剩余本息。
// 这是展示用的 what-if 口径，与清偿引擎按实际经过天数计算的口径
// 刻意分开，两者回答的是不同的问题。
func QuoteEarlyRepayment(loan *Loan) EarlyRepaymentQuote {
	n := loan.Config.NumberOfInstallments
	if n <= 0 || loan.CurrentInstallment >= n {
		return EarlyRepaymentQuote{
			RemainingPrincipal: decimal.Zero,
			RemainingInterest:  decimal.Zero,
			Total:              decimal.Zero,
		}
	}

	remaining := decimal.NewFromInt(int64(n - loan.CurrentInstallment))
	total := decimal.NewFromInt(int64(n))
	principalShare := loan.Config.TotalAmount.Sub(loan.Config.TotalInterest)

	remainingPrincipal := principalShare.Mul(remaining).Div(total).Ceil()
	remainingInterest := loan.Config.TotalInterest.Mul(remaining).Div(total).Ceil()

	return EarlyRepaymentQuote{
		RemainingPrincipal: remainingPrincipal,
		RemainingInterest:  remainingInterest,
		Total:              remainingPrincipal.Add(remainingInterest),
	}
}

// CalculateLateFee 计算滞纳金：ceil(逾期金额 * 罚息率%)，未逾期为零
func CalculateLateFee(overdueAmount, penaltyRate decimal.Decimal) decimal.Decimal {
	if !overdueAmount.IsPositive() || !penaltyRate.IsPositive() {
		return decimal.Zero
	}
	return overdueAmount.Mul(penaltyRate).Div(decimal.NewFromInt(100)).Ceil()
}
