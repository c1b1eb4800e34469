package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// 状态迁移成功后通过 outbox 发布的事件类型
const (
	EventLoanCreated    = "loan.created"
	EventLoanActivated  = "loan.activated"
	EventLoanCancelled  = "loan.cancelled"
	EventLoanCompleted  = "loan.completed"
	EventPaymentSuccess = "payment.success"
	EventLoanLiquidated = "loan.liquidated"
)

// LoanEvent 贷款生命周期事件载荷
type LoanEvent struct {
	LoanID     string     `json:"loan_id"`
	MerchantID string     `json:"merchant_id"`
	CustomerID string     `json:"customer_id"`
	Status     LoanStatus `json:"status"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// PaymentEvent 还款事件载荷
type PaymentEvent struct {
	LoanID            string          `json:"loan_id"`
	MerchantID        string          `json:"merchant_id"`
	InstallmentNumber int             `json:"installment_number"`
	Amount            decimal.Decimal `json:"amount"`
	AmountRemaining   decimal.Decimal `json:"amount_remaining"`
	OccurredAt        time.Time       `json:"occurred_at"`
}

// LiquidationEvent 清偿事件载荷
type LiquidationEvent struct {
	LoanID            string          `json:"loan_id"`
	MerchantID        string          `json:"merchant_id"`
	EntryID           string          `json:"entry_id"`
	Amount            decimal.Decimal `json:"amount"`
	IsFullLiquidation bool            `json:"is_full_liquidation"`
	RemainingBalance  decimal.Decimal `json:"remaining_balance"`
	Reference         string          `json:"reference"`
	OccurredAt        time.Time       `json:"occurred_at"`
}

// EventPublisher 事件发布端口。实现方须在同一事务内落 outbox 记录，
// 保证事件与状态变更一起提交或一起回滚
type EventPublisher interface {
	PublishInTx(ctx context.Context, tx *gorm.DB, eventType string, key string, payload any) error
}
