package throttle

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"time"

	"dialer-bridge/internal/metrics"
	"dialer-bridge/pkg/logger"

	"github.com/gin-gonic/gin"
)

// KeyFunc picks the budget a request is charged to. An empty key skips
// limiting.
type KeyFunc func(c *gin.Context) string

// Middleware rejects requests over budget with 429 and a Retry-After header
// in whole seconds. Limiter errors let the request through.
func Middleware(l Limiter, key KeyFunc, m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		k := key(c)
		if k == "" {
			c.Next()
			return
		}
		d, err := l.Allow(c.Request.Context(), k)
		if err != nil {
			logger.FromGin(c).Warn("rate limiter failed, allowing request", "key", k, "err", err)
			c.Next()
			return
		}
		if !d.Allowed {
			m.PullThrottled()
			reject(c, d.RetryAfter, "rate limit exceeded")
			return
		}
		c.Next()
	}
}

// HoldSlot admits at most the configured number of concurrent requests per
// key and releases the slot when the handler returns.
func HoldSlot(s Slots, key KeyFunc, m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		k := key(c)
		if k == "" {
			c.Next()
			return
		}
		ctx := c.Request.Context()
		ok, err := s.Acquire(ctx, k)
		if err != nil {
			logger.FromGin(c).Warn("slot acquire failed, allowing request", "key", k, "err", err)
			c.Next()
			return
		}
		if !ok {
			m.PullThrottled()
			reject(c, time.Second, "too many concurrent pulls")
			return
		}
		defer func() {
			if err := s.Release(context.WithoutCancel(ctx), k); err != nil {
				logger.FromGin(c).Warn("slot release failed", "key", k, "err", err)
			}
		}()
		c.Next()
	}
}

func reject(c *gin.Context, retryAfter time.Duration, msg string) {
	secs := int(math.Ceil(retryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	c.Header("Retry-After", strconv.Itoa(secs))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": msg})
}
