package mysql

import (
	"context"
	"errors"
	"fmt"

	"github.com/merchantcap/lending/internal/lending/domain"
	"gorm.io/gorm"
)

// LedgerRepository 台账仓储的 MySQL 实现，只追加不修改
type LedgerRepository struct {
	db *gorm.DB
}

// NewLedgerRepository 创建台账仓储
func NewLedgerRepository(db *gorm.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// WithTx 返回绑定到给定事务的仓储
func (r *LedgerRepository) WithTx(tx *gorm.DB) domain.LedgerRepository {
	return &LedgerRepository{db: tx}
}

// Append 追加台账条目。幂等键的唯一索引冲突原样透传 gorm.ErrDuplicatedKey，
// 由应用层翻译成重复参考号错误
func (r *LedgerRepository) Append(ctx context.Context, entry *domain.LedgerEntry) error {
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return err
		}
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return nil
}

// GetByIdempotencyKey 按幂等键查询条目，不存在返回 nil 而非错误
func (r *LedgerRepository) GetByIdempotencyKey(ctx context.Context, key string) (*domain.LedgerEntry, error) {
	var entry domain.LedgerEntry
	err := r.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get ledger entry: %w", err)
	}
	return &entry, nil
}

// ListByLoan 按记账时间升序查询贷款的全部流水
func (r *LedgerRepository) ListByLoan(ctx context.Context, loanID string) ([]*domain.LedgerEntry, error) {
	var entries []*domain.LedgerEntry
	err := r.db.WithContext(ctx).
		Where("loan_id = ?", loanID).
		Order("recorded_at ASC, id ASC").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	return entries, nil
}
