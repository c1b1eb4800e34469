// Package ratelimit 提供基于 Redis 的分布式限流，按商户或客户端 IP 维度限速
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "lending:ratelimit"

// Key 构造限流键，scope 区分接口维度（如 http、liquidation），subject 为商户号或客户端 IP
func Key(scope, subject string) string {
	return fmt.Sprintf("%s:%s:%s", keyPrefix, scope, subject)
}

// RateLimiter 限流器接口
type RateLimiter interface {
	// Allow 判断 key 在给定规则下是否放行
	Allow(ctx context.Context, key string, limit Limit) (*Result, error)
}

// Limit 限流规则
type Limit struct {
	Rate   int
	Period time.Duration
	Burst  int
}

// PerSecond 返回每秒 qps 次、突发 burst 次的规则
func PerSecond(qps, burst int) Limit {
	return Limit{Rate: qps, Period: time.Second, Burst: burst}
}

// Result 单次限流判定结果
type Result struct {
	Allowed    bool
	Remaining  int
	ResetAfter time.Duration
	RetryAfter time.Duration
}

// RedisRateLimiter 基于 redis_rate（GCRA 算法）的 RateLimiter 实现
type RedisRateLimiter struct {
	limiter *redis_rate.Limiter
}

func NewRedisRateLimiter(rdb *redis.Client) *RedisRateLimiter {
	return &RedisRateLimiter{
		limiter: redis_rate.NewLimiter(rdb),
	}
}

// Allow 判断请求是否放行
func (r *RedisRateLimiter) Allow(ctx context.Context, key string, limit Limit) (*Result, error) {
	res, err := r.limiter.Allow(ctx, key, redis_rate.Limit{
		Rate:   limit.Rate,
		Period: limit.Period,
		Burst:  limit.Burst,
	})
	if err != nil {
		return nil, fmt.Errorf("rate limit check failed: %w", err)
	}

	return &Result{
		Allowed:    res.Allowed > 0,
		Remaining:  res.Remaining,
		ResetAfter: res.ResetAfter,
		RetryAfter: res.RetryAfter,
	}, nil
}
