package quota

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jmehdipour/msg-engine/internal/apperr"
	"github.com/jmehdipour/msg-engine/internal/model"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePlans struct {
	limits map[string]*model.PlanLimit
	calls  atomic.Int32
}

func (f *fakePlans) GetPlanLimit(_ context.Context, _ int64, feature string) (*model.PlanLimit, error) {
	f.calls.Add(1)
	return f.limits[feature], nil
}

func limit(n int64) *int64 { return &n }

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

func newTestGate(t *testing.T, plans *fakePlans) (*Gate, *miniredis.Miniredis) {
	mr, rdb := setupTestRedis(t)
	g := NewGate(rdb, plans, "quota:")
	g.now = func() time.Time { return time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC) }
	return g, mr
}

func TestReserveUntilLimit(t *testing.T) {
	plans := &fakePlans{limits: map[string]*model.PlanLimit{
		"messages_sms": {Plan: "basic", Feature: "messages_sms", Limit: limit(2), Enabled: true},
	}}
	g, mr := newTestGate(t, plans)
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		d, err := g.CheckAndReserve(ctx, 7, model.ChannelSMS, 1)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, int64(i), d.CurrentUsage)
		assert.Equal(t, "2026-03", d.Period)
	}

	d, err := g.CheckAndReserve(ctx, 7, model.ChannelSMS, 1)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonLimitReached, d.Reason)
	assert.Equal(t, int64(2), d.CurrentUsage)
	assert.Equal(t, int64(2), d.Limit)

	val, err := mr.Get("quota:7:messages_sms:2026-03")
	require.NoError(t, err)
	assert.Equal(t, "2", val)
	assert.True(t, mr.TTL("quota:7:messages_sms:2026-03") > 0)
}

func TestConcurrentReservationsNeverOvercommit(t *testing.T) {
	plans := &fakePlans{limits: map[string]*model.PlanLimit{
		"messages_email": {Feature: "messages_email", Limit: limit(20), Enabled: true},
	}}
	g, _ := newTestGate(t, plans)

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 60; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := g.CheckAndReserve(context.Background(), 7, model.ChannelEmail, 1)
			if err == nil && d.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(20), allowed.Load())
}

func TestUnlimitedAndMissingPlanRow(t *testing.T) {
	plans := &fakePlans{limits: map[string]*model.PlanLimit{
		"messages_sms": {Feature: "messages_sms", Limit: nil, Enabled: true},
	}}
	g, _ := newTestGate(t, plans)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		d, err := g.CheckAndReserve(ctx, 7, model.ChannelSMS, 1)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}

	d, err := g.CheckAndReserve(ctx, 7, model.ChannelChatA, 5)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "no plan row means no cap")
	assert.Equal(t, int64(-1), d.Limit)
}

func TestFeatureDisabled(t *testing.T) {
	plans := &fakePlans{limits: map[string]*model.PlanLimit{
		"messages_chat_b": {Feature: "messages_chat_b", Limit: limit(1000), Enabled: false},
	}}
	g, mr := newTestGate(t, plans)

	d, err := g.CheckAndReserve(context.Background(), 7, model.ChannelChatB, 1)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonFeatureDisabled, d.Reason)
	assert.False(t, mr.Exists("quota:7:messages_chat_b:2026-03"))

	var qe *apperr.QuotaExceededError
	require.True(t, errors.As(DenialError(7, model.ChannelChatB, d), &qe))
	assert.Equal(t, "messages_chat_b", qe.Feature)
}

func TestReleaseRefunds(t *testing.T) {
	plans := &fakePlans{limits: map[string]*model.PlanLimit{
		"messages_sms": {Feature: "messages_sms", Limit: limit(1), Enabled: true},
	}}
	g, _ := newTestGate(t, plans)
	ctx := context.Background()

	d, err := g.CheckAndReserve(ctx, 7, model.ChannelSMS, 1)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	require.NoError(t, g.Release(ctx, 7, model.ChannelSMS, d.Period, 1))
	require.NoError(t, g.Release(ctx, 7, model.ChannelSMS, d.Period, 5), "never below zero")

	u, err := g.Usage(ctx, 7, model.ChannelSMS)
	require.NoError(t, err)
	assert.Equal(t, int64(0), u.CurrentUsage)
	assert.True(t, u.Allowed)

	d, err = g.CheckAndReserve(ctx, 7, model.ChannelSMS, 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	u, err = g.Usage(ctx, 7, model.ChannelSMS)
	require.NoError(t, err)
	assert.Equal(t, int64(1), u.CurrentUsage)
	assert.False(t, u.Allowed)
}

func TestPlanLimitsAreCached(t *testing.T) {
	plans := &fakePlans{limits: map[string]*model.PlanLimit{}}
	g, _ := newTestGate(t, plans)

	for i := 0; i < 5; i++ {
		_, err := g.CheckAndReserve(context.Background(), 7, model.ChannelSMS, 1)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), plans.calls.Load())
}

func TestPeriodTTLCoversMonth(t *testing.T) {
	now := time.Date(2026, 12, 31, 23, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Hour+7*24*time.Hour, periodTTL(now))
	assert.Equal(t, "2026-12", Period(now))
}
