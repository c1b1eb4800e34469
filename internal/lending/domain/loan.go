// Package domain 包含借贷服务的领域模型：贷款、分期计划、清偿计算与台账
package domain

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	ErrInvalidConfiguration   = errors.New("invalid loan configuration")
	ErrLoanNotFound           = errors.New("loan not found")
	ErrInstallmentNotFound    = errors.New("installment not found")
	ErrInvalidState           = errors.New("invalid loan state for requested transition")
	ErrInstallmentAlreadyPaid = errors.New("installment already paid")
	ErrLoanAlreadyCompleted   = errors.New("loan already completed")
	ErrLoanCancelled          = errors.New("loan cancelled")
	ErrAmountMismatch         = errors.New("amount does not match calculated total")
	ErrForbidden              = errors.New("loan does not belong to merchant")
	ErrDuplicateReference     = errors.New("duplicate liquidation reference")
)

// LoanStatus 贷款状态
type LoanStatus string

const (
	LoanStatusPending   LoanStatus = "PENDING"
	LoanStatusActive    LoanStatus = "ACTIVE"
	LoanStatusCompleted LoanStatus = "COMPLETED"
	LoanStatusDefaulted LoanStatus = "DEFAULTED"
	LoanStatusCancelled LoanStatus = "CANCELLED"
)

// IsTerminal 是否为终态
func (s LoanStatus) IsTerminal() bool {
	return s == LoanStatusCompleted || s == LoanStatusDefaulted || s == LoanStatusCancelled
}

// LoanConfiguration 贷款配置，激活后不可变（仅限管理员修正）
type LoanConfiguration struct {
	// 还款频率
	Frequency PaymentFrequency `gorm:"column:frequency;type:varchar(20);not null" json:"frequency"`
	// 贷款期限值
	TenorValue int `gorm:"column:tenor_value;not null" json:"tenor_value"`
	// 贷款期限单位
	TenorUnit TenorUnit `gorm:"column:tenor_unit;type:varchar(10);not null" json:"tenor_unit"`
	// 分期数
	NumberOfInstallments int `gorm:"column:number_of_installments;not null" json:"number_of_installments"`
	// 年利率（百分比）
	InterestRate decimal.Decimal `gorm:"column:interest_rate;type:decimal(10,4);not null" json:"interest_rate"`
	// 罚息率（百分比）
	PenaltyRate decimal.Decimal `gorm:"column:penalty_rate;type:decimal(10,4);not null" json:"penalty_rate"`
	// 每期金额
	InstallmentAmount decimal.Decimal `gorm:"column:installment_amount;type:decimal(20,4);not null" json:"installment_amount"`
	// 利息总额
	TotalInterest decimal.Decimal `gorm:"column:total_interest;type:decimal(20,4);not null" json:"total_interest"`
	// 应还总额，恒等于 installment_amount * number_of_installments
	TotalAmount decimal.Decimal `gorm:"column:total_amount;type:decimal(20,4);not null" json:"total_amount"`
}

// CardAuthorization 绑定的扣款卡授权
type CardAuthorization struct {
	// 支付通道授权令牌
	Token string `gorm:"column:card_token;type:varchar(64)" json:"token,omitempty"`
	// 卡号后四位
	Last4 string `gorm:"column:card_last4;type:varchar(4)" json:"last4,omitempty"`
	// 绑定时间
	BoundAt *time.Time `gorm:"column:card_bound_at" json:"bound_at,omitempty"`
}

// Bound 是否已绑定扣款卡
func (c CardAuthorization) Bound() bool {
	return c.Token != ""
}

// Loan 贷款实体，对应一笔商户交易的分期融资
type Loan struct {
	gorm.Model
	// 贷款 ID
	LoanID string `gorm:"column:loan_id;type:varchar(32);uniqueIndex;not null" json:"loan_id"`
	// 商户 ID
	MerchantID string `gorm:"column:merchant_id;type:varchar(32);index;not null" json:"merchant_id"`
	// 客户 ID
	CustomerID string `gorm:"column:customer_id;type:varchar(32);index;not null" json:"customer_id"`
	// 融资本金
	PrincipalAmount decimal.Decimal `gorm:"column:principal_amount;type:decimal(20,4);not null" json:"principal_amount"`
	// 贷款配置
	Config LoanConfiguration `gorm:"embedded;embeddedPrefix:config_" json:"configuration"`
	// 状态
	Status LoanStatus `gorm:"column:status;type:varchar(20);index;not null" json:"status"`
	// 当前期数（最近一次还款覆盖到的期）
	CurrentInstallment int `gorm:"column:current_installment;not null;default:0" json:"current_installment"`
	// 已还金额
	AmountPaid decimal.Decimal `gorm:"column:amount_paid;type:decimal(20,4);not null" json:"amount_paid"`
	// 剩余应还金额
	AmountRemaining decimal.Decimal `gorm:"column:amount_remaining;type:decimal(20,4);not null" json:"amount_remaining"`
	// 扣款卡授权
	Card CardAuthorization `gorm:"embedded" json:"card_authorization,omitempty"`
	// 备注
	Notes string `gorm:"column:notes;type:varchar(500)" json:"notes,omitempty"`
	// 扩展元数据（JSON）
	Metadata string `gorm:"column:metadata;type:text" json:"metadata,omitempty"`
	// 乐观锁版本号
	Version int64 `gorm:"column:version;not null;default:0" json:"-"`

	// 激活时间
	ActivatedAt *time.Time `gorm:"column:activated_at" json:"activated_at,omitempty"`
	// 首期应还日期
	FirstPaymentDate *time.Time `gorm:"column:first_payment_date" json:"first_payment_date,omitempty"`
	// 最近一次还款时间
	LastPaymentDate *time.Time `gorm:"column:last_payment_date" json:"last_payment_date,omitempty"`
	// 完结时间
	CompletedAt *time.Time `gorm:"column:completed_at" json:"completed_at,omitempty"`
	// 逾期违约时间
	DefaultedAt *time.Time `gorm:"column:defaulted_at" json:"defaulted_at,omitempty"`
}

// TableName 指定表名
func (Loan) TableName() string { return "loans" }

// NewLoan 创建待激活贷款，分期计划以当前时间作为临时锚点
func NewLoan(loanID, merchantID, customerID string, principal decimal.Decimal, cfg LoanConfiguration) *Loan {
	return &Loan{
		LoanID:          loanID,
		MerchantID:      merchantID,
		CustomerID:      customerID,
		PrincipalAmount: principal,
		Config:          cfg,
		Status:          LoanStatusPending,
		AmountPaid:      decimal.Zero,
		AmountRemaining: cfg.TotalAmount,
	}
}

// StartDate 计息锚点：已激活取激活时间，否则取创建时间
func (l *Loan) StartDate() time.Time {
	if l.ActivatedAt != nil {
		return *l.ActivatedAt
	}
	return l.CreatedAt
}

// Activate 绑定扣款卡并激活贷款，只允许从 PENDING 发起
func (l *Loan) Activate(token, last4 string, now time.Time) error {
	if l.Status != LoanStatusPending {
		return ErrInvalidState
	}
	l.Card = CardAuthorization{Token: token, Last4: last4, BoundAt: &now}
	l.Status = LoanStatusActive
	l.ActivatedAt = &now
	return nil
}

// Cancel 取消贷款，只允许从 PENDING 发起
func (l *Loan) Cancel() error {
	if l.Status != LoanStatusPending {
		return ErrInvalidState
	}
	l.Status = LoanStatusCancelled
	return nil
}

// MarkDefaulted 标记违约，只允许从 ACTIVE 发起。
// 本服务内没有调用方；违约判定由外部催收调度负责。
func (l *Loan) MarkDefaulted(now time.Time) error {
	if l.Status != LoanStatusActive {
		return ErrInvalidState
	}
	l.Status = LoanStatusDefaulted
	l.DefaultedAt = &now
	return nil
}

// ApplyPayment 记入一笔分期还款并在结清时完结贷款
func (l *Loan) ApplyPayment(installmentNumber int, amount decimal.Decimal, now time.Time) {
	l.AmountPaid = l.AmountPaid.Add(amount)
	l.AmountRemaining = l.Config.TotalAmount.Sub(l.AmountPaid)
	if installmentNumber > l.CurrentInstallment {
		l.CurrentInstallment = installmentNumber
	}
	l.LastPaymentDate = &now

	if l.AmountRemaining.LessThanOrEqual(decimal.Zero) || installmentNumber >= l.Config.NumberOfInstallments {
		l.Status = LoanStatusCompleted
		l.CompletedAt = &now
	}
}

// EnsureLiquidatable 校验贷款是否处于可清偿状态
func (l *Loan) EnsureLiquidatable() error {
	switch l.Status {
	case LoanStatusCompleted:
		return ErrLoanAlreadyCompleted
	case LoanStatusCancelled:
		return ErrLoanCancelled
	case LoanStatusPending:
		return ErrInvalidState
	}
	return nil
}

// InstallmentStatus 分期状态
type InstallmentStatus string

const (
	InstallmentStatusPending InstallmentStatus = "PENDING"
	InstallmentStatusPaid    InstallmentStatus = "PAID"
	InstallmentStatusOverdue InstallmentStatus = "OVERDUE"
	InstallmentStatusFailed  InstallmentStatus = "FAILED"
)

// ScheduleItem 分期计划条目
type ScheduleItem struct {
	gorm.Model
	// 贷款 ID
	LoanID string `gorm:"column:loan_id;type:varchar(32);uniqueIndex:idx_loan_installment;index;not null" json:"loan_id"`
	// 期数（1 起）
	InstallmentNumber int `gorm:"column:installment_number;uniqueIndex:idx_loan_installment;not null" json:"installment_number"`
	// 应还日期
	DueDate time.Time `gorm:"column:due_date;index;not null" json:"due_date"`
	// 应还金额（本金+利息）
	Amount decimal.Decimal `gorm:"column:amount;type:decimal(20,4);not null" json:"amount"`
	// 本金部分
	PrincipalAmount decimal.Decimal `gorm:"column:principal_amount;type:decimal(20,4);not null" json:"principal_amount"`
	// 利息部分
	InterestAmount decimal.Decimal `gorm:"column:interest_amount;type:decimal(20,4);not null" json:"interest_amount"`
	// 状态
	Status InstallmentStatus `gorm:"column:status;type:varchar(20);index;not null" json:"status"`
	// 实际支付时间
	PaidAt *time.Time `gorm:"column:paid_at" json:"paid_at,omitempty"`
	// 实际支付金额
	PaidAmount decimal.Decimal `gorm:"column:paid_amount;type:decimal(20,4);not null;default:0" json:"paid_amount"`
	// 支付流水 ID
	PaymentID string `gorm:"column:payment_id;type:varchar(64)" json:"payment_id,omitempty"`
	// 滞纳金
	LateFee decimal.Decimal `gorm:"column:late_fee;type:decimal(20,4);not null;default:0" json:"late_fee"`
}

// TableName 指定表名
func (ScheduleItem) TableName() string { return "loan_schedule_items" }

// IsPastDue 在给定时刻是否已过应还日期
func (s *ScheduleItem) IsPastDue(now time.Time) bool {
	return now.After(s.DueDate)
}

// MarkPaid 标记为已支付
func (s *ScheduleItem) MarkPaid(amount decimal.Decimal, paymentID string, now time.Time) error {
	if s.Status == InstallmentStatusPaid {
		return ErrInstallmentAlreadyPaid
	}
	s.Status = InstallmentStatusPaid
	s.PaidAt = &now
	s.PaidAmount = amount
	s.PaymentID = paymentID
	return nil
}
