package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// LoanRepository 贷款与分期计划仓储端口。
// WithTx 返回绑定到给定事务的仓储，供应用层在 db.Transaction 内使用
type LoanRepository interface {
	Create(ctx context.Context, loan *Loan) error
	Get(ctx context.Context, loanID string) (*Loan, error)
	// GetForUpdate 以行锁读取贷款，仅在事务内有效
	GetForUpdate(ctx context.Context, loanID string) (*Loan, error)
	Update(ctx context.Context, loan *Loan) error
	List(ctx context.Context, merchantID string, status LoanStatus, limit, offset int) ([]*Loan, int64, error)
	CountByStatus(ctx context.Context, status LoanStatus) (int64, error)

	CreateSchedule(ctx context.Context, items []*ScheduleItem) error
	// ReplaceSchedule 删除旧计划并写入新计划（激活时重新锚定应还日期）
	ReplaceSchedule(ctx context.Context, loanID string, items []*ScheduleItem) error
	GetSchedule(ctx context.Context, loanID string) ([]*ScheduleItem, error)
	UpdateScheduleItem(ctx context.Context, item *ScheduleItem) error
	// MarkOverdue 将截至 asOf 已过期且仍为 PENDING 的分期批量置为 OVERDUE
	MarkOverdue(ctx context.Context, asOf time.Time) (int64, error)

	WithTx(tx *gorm.DB) LoanRepository
}

// LedgerRepository 台账仓储端口
type LedgerRepository interface {
	Append(ctx context.Context, entry *LedgerEntry) error
	GetByIdempotencyKey(ctx context.Context, key string) (*LedgerEntry, error)
	ListByLoan(ctx context.Context, loanID string) ([]*LedgerEntry, error)

	WithTx(tx *gorm.DB) LedgerRepository
}

// LoanCache 贷款读路径快照缓存端口
type LoanCache interface {
	GetLoan(ctx context.Context, loanID string) (*Loan, []*ScheduleItem, bool)
	SetLoan(ctx context.Context, loan *Loan, items []*ScheduleItem) error
	Invalidate(ctx context.Context, loanID string) error
}
