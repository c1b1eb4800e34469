package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/merchantcap/lending/pkg/ratelimit"
)

// RateLimitConfig 限流配置
type RateLimitConfig struct {
	Enabled bool
	QPS     int
	Burst   int
}

// RateLimit 限流中间件，带商户号的请求按商户限速，匿名请求退回客户端 IP
func RateLimit(limiter ratelimit.RateLimiter, cfg RateLimitConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !cfg.Enabled {
			c.Next()
			return
		}

		subject := c.GetHeader("X-Merchant-ID")
		if subject == "" {
			subject = c.ClientIP()
		}
		key := ratelimit.Key("http", subject)
		limit := ratelimit.PerSecond(cfg.QPS, cfg.Burst)

		res, err := limiter.Allow(c.Request.Context(), key, limit)
		if err != nil {
			// Fail open if rate limiter fails
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(limit.Burst))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(int64(res.ResetAfter/time.Second), 10))

		if !res.Allowed {
			c.Header("Retry-After", strconv.FormatInt(int64(res.RetryAfter/time.Second), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Too Many Requests",
				"retry_after": res.RetryAfter.String(),
			})
			return
		}

		c.Next()
	}
}
