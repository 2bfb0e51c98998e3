// Package quota enforces per-tenant plan limits on outbound messages. Usage
// lives in Redis, one counter per (tenant, feature, billing month), and is
// reserved with an increment-if-under-limit Lua script so concurrent jobs
// can never overcommit a plan.
package quota

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/jmehdipour/msg-engine/internal/apperr"
	"github.com/jmehdipour/msg-engine/internal/metrics"
	"github.com/jmehdipour/msg-engine/internal/model"
	"github.com/redis/go-redis/v9"
)

// Denial reasons.
const (
	ReasonLimitReached    = "limit_reached"
	ReasonFeatureDisabled = "feature_disabled"
)

// PlanStore yields the plan limit of a tenant's feature; nil when the plan
// has no row for it (treated as unlimited).
type PlanStore interface {
	GetPlanLimit(ctx context.Context, tenantID int64, feature string) (*model.PlanLimit, error)
}

// Decision is the outcome of a reservation. Limit is -1 for unlimited plans.
type Decision struct {
	Allowed      bool   `json:"allowed"`
	Reason       string `json:"reason,omitempty"`
	CurrentUsage int64  `json:"current_usage"`
	Limit        int64  `json:"limit"`
	Period       string `json:"period"`
}

// Feature is the plan feature counting messages on ch.
func Feature(ch model.Channel) string { return "messages_" + ch.String() }

// reserveScript: KEYS[1]=counter, ARGV[1]=count, ARGV[2]=limit (-1 unlimited), ARGV[3]=ttl ms.
var reserveScript = redis.NewScript(`
local cur = tonumber(redis.call("GET", KEYS[1]) or "0")
local n = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
if limit >= 0 and cur + n > limit then
	return {0, cur}
end
local v = redis.call("INCRBY", KEYS[1], n)
if v == n then
	redis.call("PEXPIRE", KEYS[1], ARGV[3])
end
return {1, v}
`)

// releaseScript never takes the counter below zero.
var releaseScript = redis.NewScript(`
local cur = tonumber(redis.call("GET", KEYS[1]) or "0")
local n = tonumber(ARGV[1])
if cur <= 0 then
	return 0
end
if n > cur then
	n = cur
end
return redis.call("DECRBY", KEYS[1], n)
`)

type cachedLimit struct {
	limit   *model.PlanLimit
	expires time.Time
}

// Gate is the Redis-backed quota gate.
type Gate struct {
	rdb      *redis.Client
	plans    PlanStore
	prefix   string
	cacheTTL time.Duration
	now      func() time.Time

	mu    sync.Mutex
	cache map[string]cachedLimit
}

func NewGate(rdb *redis.Client, plans PlanStore, keyPrefix string) *Gate {
	if keyPrefix == "" {
		keyPrefix = "quota:"
	}
	return &Gate{
		rdb:      rdb,
		plans:    plans,
		prefix:   keyPrefix,
		cacheTTL: 30 * time.Second,
		now:      time.Now,
		cache:    make(map[string]cachedLimit),
	}
}

// Period is the UTC billing month of t, "YYYY-MM".
func Period(t time.Time) string { return t.UTC().Format("2006-01") }

func (g *Gate) key(tenantID int64, feature, period string) string {
	return g.prefix + strconv.FormatInt(tenantID, 10) + ":" + feature + ":" + period
}

// periodTTL keeps a counter a week past the end of its month.
func periodTTL(now time.Time) time.Duration {
	now = now.UTC()
	end := time.Date(now.Year(), now.Month()+1, 1, 0, 0, 0, 0, time.UTC)
	return end.Sub(now) + 7*24*time.Hour
}

func (g *Gate) planLimit(ctx context.Context, tenantID int64, feature string) (*model.PlanLimit, error) {
	ck := strconv.FormatInt(tenantID, 10) + "|" + feature
	now := g.now()

	g.mu.Lock()
	if c, ok := g.cache[ck]; ok && now.Before(c.expires) {
		g.mu.Unlock()
		return c.limit, nil
	}
	g.mu.Unlock()

	pl, err := g.plans.GetPlanLimit(ctx, tenantID, feature)
	if err != nil {
		return nil, fmt.Errorf("plan limit %s: %w", feature, err)
	}

	g.mu.Lock()
	g.cache[ck] = cachedLimit{limit: pl, expires: now.Add(g.cacheTTL)}
	g.mu.Unlock()
	return pl, nil
}

// CheckAndReserve reserves count messages on ch for the current period.
// A denial is a Decision with Allowed=false, not an error.
func (g *Gate) CheckAndReserve(ctx context.Context, tenantID int64, ch model.Channel, count int64) (Decision, error) {
	feature := Feature(ch)
	now := g.now()
	period := Period(now)

	pl, err := g.planLimit(ctx, tenantID, feature)
	if err != nil {
		return Decision{}, err
	}

	limit := int64(-1)
	if pl != nil {
		if !pl.Enabled {
			metrics.QuotaDenialsTotal.WithLabelValues(ch.String(), ReasonFeatureDisabled).Inc()
			return Decision{Allowed: false, Reason: ReasonFeatureDisabled, Limit: 0, Period: period}, nil
		}
		if pl.Limit != nil {
			limit = *pl.Limit
		}
	}

	res, err := reserveScript.Run(ctx, g.rdb, []string{g.key(tenantID, feature, period)},
		count, limit, periodTTL(now).Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("quota reserve: %w", err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("quota reserve: unexpected reply %v", res)
	}

	d := Decision{Allowed: res[0] == 1, CurrentUsage: res[1], Limit: limit, Period: period}
	if !d.Allowed {
		d.Reason = ReasonLimitReached
		metrics.QuotaDenialsTotal.WithLabelValues(ch.String(), ReasonLimitReached).Inc()
	}
	return d, nil
}

// Release refunds count messages reserved in period.
func (g *Gate) Release(ctx context.Context, tenantID int64, ch model.Channel, period string, count int64) error {
	if count <= 0 {
		return nil
	}
	if err := releaseScript.Run(ctx, g.rdb, []string{g.key(tenantID, Feature(ch), period)}, count).Err(); err != nil {
		return fmt.Errorf("quota release: %w", err)
	}
	return nil
}

// Usage reports the current period's usage and limit on ch.
func (g *Gate) Usage(ctx context.Context, tenantID int64, ch model.Channel) (Decision, error) {
	feature := Feature(ch)
	period := Period(g.now())

	pl, err := g.planLimit(ctx, tenantID, feature)
	if err != nil {
		return Decision{}, err
	}

	used, err := g.rdb.Get(ctx, g.key(tenantID, feature, period)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Decision{}, fmt.Errorf("quota usage: %w", err)
	}

	d := Decision{Allowed: true, CurrentUsage: used, Limit: -1, Period: period}
	if pl != nil {
		if !pl.Enabled {
			d.Allowed, d.Reason, d.Limit = false, ReasonFeatureDisabled, 0
			return d, nil
		}
		if pl.Limit != nil {
			d.Limit = *pl.Limit
			if used >= d.Limit {
				d.Allowed, d.Reason = false, ReasonLimitReached
			}
		}
	}
	return d, nil
}

// DenialError converts a denied Decision into a *apperr.QuotaExceededError.
func DenialError(tenantID int64, ch model.Channel, d Decision) error {
	return &apperr.QuotaExceededError{
		TenantID:     tenantID,
		Feature:      Feature(ch),
		Reason:       d.Reason,
		CurrentUsage: d.CurrentUsage,
		Limit:        d.Limit,
	}
}
