package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/jmehdipour/msg-engine/internal/logger"
	echo "github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimitConfig configures the per-tenant request limiter.
type RateLimitConfig struct {
	Redis          *redis.Client
	DefaultRPS     int           // requests per window unless the tenant overrides it
	KeyPrefix      string        // default "rl:tenant:"
	Window         time.Duration // default 1s
	RetryAfterHint bool          // set Retry-After when limited
}

// fixedWindow counts requests per tenant in Redis under
// {prefix}{tenant}:{window index}; keys expire after two windows.
type fixedWindow struct {
	rdb    *redis.Client
	prefix string
	window time.Duration
	now    func() time.Time
}

// hit counts one request and returns the window's count and the time left in it.
func (w fixedWindow) hit(ctx context.Context, tenantID int64) (int64, time.Duration, error) {
	now := w.now()
	idx := now.UnixNano() / int64(w.window)
	key := w.prefix + strconv.FormatInt(tenantID, 10) + ":" + strconv.FormatInt(idx, 10)

	pipe := w.rdb.Pipeline()
	cnt := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 2*w.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, err
	}
	left := w.window - time.Duration(now.UnixNano()%int64(w.window))
	return cnt.Val(), left, nil
}

// RateLimitMiddleware limits each tenant (tenant_id set by APIKeyMiddleware)
// to its rate_limit_rps, or DefaultRPS, requests per window. The response
// carries X-RateLimit-Limit and X-RateLimit-Remaining. Redis errors let the
// request through.
func RateLimitMiddleware(cfg RateLimitConfig) echo.MiddlewareFunc {
	w := fixedWindow{rdb: cfg.Redis, prefix: cfg.KeyPrefix, window: cfg.Window, now: time.Now}
	if w.window <= 0 {
		w.window = time.Second
	}
	if w.prefix == "" {
		w.prefix = "rl:tenant:"
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tenantID, ok := TenantIDFromCtx(c)
			if !ok || w.rdb == nil {
				return next(c)
			}
			limit := cfg.DefaultRPS
			if rps, ok := c.Get(ctxTenantRPS).(int); ok && rps > 0 {
				limit = rps
			}
			if limit <= 0 {
				return next(c)
			}

			count, left, err := w.hit(c.Request().Context(), tenantID)
			if err != nil {
				logger.Log.Warn("rate limit check failed", zap.Int64("tenant_id", tenantID), zap.Error(err))
				return next(c)
			}

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(limit))
			h.Set("X-RateLimit-Remaining", strconv.FormatInt(max(int64(limit)-count, 0), 10))
			if count > int64(limit) {
				if cfg.RetryAfterHint {
					h.Set("Retry-After", strconv.Itoa(int((left+time.Second-1)/time.Second)))
				}
				return c.JSON(http.StatusTooManyRequests, map[string]string{"error": "rate limited"})
			}
			return next(c)
		}
	}
}
