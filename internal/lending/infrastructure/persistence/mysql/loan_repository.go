package mysql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/merchantcap/lending/internal/lending/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LoanRepository 贷款仓储的 MySQL 实现
type LoanRepository struct {
	db *gorm.DB
}

// NewLoanRepository 创建贷款仓储
func NewLoanRepository(db *gorm.DB) *LoanRepository {
	return &LoanRepository{db: db}
}

// WithTx 返回绑定到给定事务的仓储
func (r *LoanRepository) WithTx(tx *gorm.DB) domain.LoanRepository {
	return &LoanRepository{db: tx}
}

// Create 持久化新贷款
func (r *LoanRepository) Create(ctx context.Context, loan *domain.Loan) error {
	if err := r.db.WithContext(ctx).Create(loan).Error; err != nil {
		return fmt.Errorf("failed to create loan: %w", err)
	}
	return nil
}

// Get 按业务 ID 查询贷款
func (r *LoanRepository) Get(ctx context.Context, loanID string) (*domain.Loan, error) {
	var loan domain.Loan
	err := r.db.WithContext(ctx).Where("loan_id = ?", loanID).First(&loan).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrLoanNotFound
		}
		return nil, fmt.Errorf("failed to get loan: %w", err)
	}
	return &loan, nil
}

// GetForUpdate 以 SELECT ... FOR UPDATE 行锁读取贷款，串行化同一贷款的写操作。
// 仅在事务内调用才有锁语义
func (r *LoanRepository) GetForUpdate(ctx context.Context, loanID string) (*domain.Loan, error) {
	var loan domain.Loan
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("loan_id = ?", loanID).
		First(&loan).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrLoanNotFound
		}
		return nil, fmt.Errorf("failed to lock loan: %w", err)
	}
	return &loan, nil
}

// Update 带乐观锁写回贷款。版本不匹配说明有并发修改绕过了行锁路径
func (r *LoanRepository) Update(ctx context.Context, loan *domain.Loan) error {
	currentVersion := loan.Version
	loan.Version++

	result := r.db.WithContext(ctx).
		Model(&domain.Loan{}).
		Where("loan_id = ? AND version = ?", loan.LoanID, currentVersion).
		Select("*").
		Omit("id", "created_at").
		Updates(loan)
	if result.Error != nil {
		loan.Version = currentVersion
		return fmt.Errorf("failed to update loan: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		loan.Version = currentVersion
		return fmt.Errorf("loan %s version conflict: %w", loan.LoanID, domain.ErrInvalidState)
	}
	return nil
}

// List 按商户分页查询贷款，status 为空表示全部状态
func (r *LoanRepository) List(ctx context.Context, merchantID string, status domain.LoanStatus, limit, offset int) ([]*domain.Loan, int64, error) {
	query := r.db.WithContext(ctx).Model(&domain.Loan{}).Where("merchant_id = ?", merchantID)
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count loans: %w", err)
	}

	var loans []*domain.Loan
	err := query.Order("created_at DESC").Limit(limit).Offset(offset).Find(&loans).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list loans: %w", err)
	}
	return loans, total, nil
}

// CountByStatus 统计指定状态的贷款数，供指标上报
func (r *LoanRepository) CountByStatus(ctx context.Context, status domain.LoanStatus) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&domain.Loan{}).
		Where("status = ?", status).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count loans by status: %w", err)
	}
	return count, nil
}

// CreateSchedule 批量写入分期计划
func (r *LoanRepository) CreateSchedule(ctx context.Context, items []*domain.ScheduleItem) error {
	if len(items) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Create(items).Error; err != nil {
		return fmt.Errorf("failed to create schedule: %w", err)
	}
	return nil
}

// ReplaceSchedule 删除旧计划并写入新计划，激活时重新锚定应还日期用
func (r *LoanRepository) ReplaceSchedule(ctx context.Context, loanID string, items []*domain.ScheduleItem) error {
	err := r.db.WithContext(ctx).
		Unscoped().
		Where("loan_id = ?", loanID).
		Delete(&domain.ScheduleItem{}).Error
	if err != nil {
		return fmt.Errorf("failed to delete old schedule: %w", err)
	}
	return r.CreateSchedule(ctx, items)
}

// GetSchedule 按期数升序查询分期计划
func (r *LoanRepository) GetSchedule(ctx context.Context, loanID string) ([]*domain.ScheduleItem, error) {
	var items []*domain.ScheduleItem
	err := r.db.WithContext(ctx).
		Where("loan_id = ?", loanID).
		Order("installment_number ASC").
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule: %w", err)
	}
	return items, nil
}

// UpdateScheduleItem 写回单条分期
func (r *LoanRepository) UpdateScheduleItem(ctx context.Context, item *domain.ScheduleItem) error {
	result := r.db.WithContext(ctx).
		Model(&domain.ScheduleItem{}).
		Where("loan_id = ? AND installment_number = ?", item.LoanID, item.InstallmentNumber).
		Select("*").
		Omit("id", "created_at").
		Updates(item)
	if result.Error != nil {
		return fmt.Errorf("failed to update schedule item: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return domain.ErrInstallmentNotFound
	}
	return nil
}

// MarkOverdue 批量将已过应还日且仍为 PENDING 的分期置为 OVERDUE
func (r *LoanRepository) MarkOverdue(ctx context.Context, asOf time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&domain.ScheduleItem{}).
		Where("status = ? AND due_date < ?", domain.InstallmentStatusPending, asOf).
		Update("status", domain.InstallmentStatusOverdue)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to mark overdue installments: %w", result.Error)
	}
	return result.RowsAffected, nil
}
