package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// LedgerEntryType 台账条目类型
type LedgerEntryType string

const (
	LedgerEntryPayment     LedgerEntryType = "PAYMENT"
	LedgerEntryLiquidation LedgerEntryType = "LIQUIDATION"
)

// LedgerEntry 资金流水台账，只追加不修改
type LedgerEntry struct {
	gorm.Model
	// 条目 ID
	EntryID string `gorm:"column:entry_id;type:varchar(40);uniqueIndex;not null" json:"entry_id"`
	// 贷款 ID
	LoanID string `gorm:"column:loan_id;type:varchar(32);index;not null" json:"loan_id"`
	// 商户 ID
	MerchantID string `gorm:"column:merchant_id;type:varchar(32);index;not null" json:"merchant_id"`
	// 条目类型
	Type LedgerEntryType `gorm:"column:type;type:varchar(20);not null" json:"type"`
	// 金额
	Amount decimal.Decimal `gorm:"column:amount;type:decimal(20,4);not null" json:"amount"`
	// 本金部分
	PrincipalPortion decimal.Decimal `gorm:"column:principal_portion;type:decimal(20,4);not null" json:"principal_portion"`
	// 利息部分
	InterestPortion decimal.Decimal `gorm:"column:interest_portion;type:decimal(20,4);not null" json:"interest_portion"`
	// 滞纳金部分
	LateFeePortion decimal.Decimal `gorm:"column:late_fee_portion;type:decimal(20,4);not null" json:"late_fee_portion"`
	// 支付方式
	Method string `gorm:"column:method;type:varchar(30)" json:"method,omitempty"`
	// 外部参考号
	Reference string `gorm:"column:reference;type:varchar(64)" json:"reference,omitempty"`
	// 幂等键，唯一索引防止同一清偿被重复入账
	IdempotencyKey string `gorm:"column:idempotency_key;type:varchar(128);uniqueIndex" json:"idempotency_key"`
	// 记账时间
	RecordedAt time.Time `gorm:"column:recorded_at;not null" json:"recorded_at"`
}

// TableName 指定表名
func (LedgerEntry) TableName() string { return "loan_ledger_entries" }

// LiquidationIdempotencyKey 生成清偿幂等键
func LiquidationIdempotencyKey(loanID, reference string) string {
	return fmt.Sprintf("LIQUIDATION:%s:%s", loanID, reference)
}

// PaymentIdempotencyKey 生成分期还款幂等键
func PaymentIdempotencyKey(loanID string, installmentNumber int, paymentID string) string {
	return fmt.Sprintf("PAYMENT:%s:%d:%s", loanID, installmentNumber, paymentID)
}
