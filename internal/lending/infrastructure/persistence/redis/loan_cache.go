package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/merchantcap/lending/internal/lending/domain"
	"github.com/merchantcap/lending/pkg/cache"
)

// LoanCache 贷款详情的 Redis 快照缓存。缓存未命不是错误，
// 任何读缓存失败都按未命中处理，读路径永远可以回源数据库
type LoanCache struct {
	cache *cache.RedisCache
	ttl   time.Duration
}

// NewLoanCache 创建贷款缓存
func NewLoanCache(c *cache.RedisCache, ttl time.Duration) *LoanCache {
	return &LoanCache{cache: c, ttl: ttl}
}

// loanSnapshot 贷款与分期计划的打包快照
type loanSnapshot struct {
	Loan  *domain.Loan           `json:"loan"`
	Items []*domain.ScheduleItem `json:"items"`
}

func loanKey(loanID string) string {
	return fmt.Sprintf("lending:loan:%s", loanID)
}

// GetLoan 读取缓存快照，第三个返回值表示是否命中
func (c *LoanCache) GetLoan(ctx context.Context, loanID string) (*domain.Loan, []*domain.ScheduleItem, bool) {
	var snap loanSnapshot
	found, err := c.cache.GetJSON(ctx, loanKey(loanID), &snap)
	if err != nil || !found || snap.Loan == nil {
		return nil, nil, false
	}
	return snap.Loan, snap.Items, true
}

// SetLoan 写入缓存快照
func (c *LoanCache) SetLoan(ctx context.Context, loan *domain.Loan, items []*domain.ScheduleItem) error {
	return c.cache.SetJSON(ctx, loanKey(loan.LoanID), loanSnapshot{Loan: loan, Items: items}, c.ttl)
}

// Invalidate 删除缓存快照，写路径在事务提交后调用
func (c *LoanCache) Invalidate(ctx context.Context, loanID string) error {
	return c.cache.Delete(ctx, loanKey(loanID))
}
