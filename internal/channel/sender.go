package channel

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/jmehdipour/msg-engine/internal/apperr"
	"github.com/jmehdipour/msg-engine/internal/logger"
	"github.com/jmehdipour/msg-engine/internal/metrics"
	"github.com/jmehdipour/msg-engine/internal/model"
	"go.uber.org/zap"
)

// RetryPolicy bounds provider retries. Delays follow exponential backoff with
// full jitter: random(0, min(MaxDelay, BaseDelay*2^(attempt-1))).
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Timeout applies to each provider call; expiry is a retryable failure.
	Timeout time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 500 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 10 * time.Second
	}
	if p.Timeout <= 0 {
		p.Timeout = 10 * time.Second
	}
	return p
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	exp := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if exp > float64(p.MaxDelay) {
		exp = float64(p.MaxDelay)
	}
	d := time.Duration(rand.Float64() * exp)
	if floor := p.BaseDelay / 10; d < floor {
		d = floor
	}
	return d
}

// Sender sends through the registry's adapters, retrying retryable
// ProviderErrors and failing fast on terminal ones.
type Sender struct {
	registry *Registry
	policy   RetryPolicy
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewSender(registry *Registry, policy RetryPolicy) *Sender {
	return &Sender{registry: registry, policy: policy.withDefaults(), sleep: sleepCtx}
}

// Registry exposes the adapters the sender dispatches to.
func (s *Sender) Registry() *Registry { return s.registry }

// Send returns the provider result and the number of attempts made.
func (s *Sender) Send(ctx context.Context, cfg model.ChannelConfig, to, content string, typ model.MessageType) (SendResult, int, error) {
	a, err := s.registry.Get(cfg.Channel)
	if err != nil {
		return SendResult{}, 0, err
	}

	var last error
	for attempt := 1; attempt <= s.policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			d := s.policy.delay(attempt - 1)
			logger.Log.Debug("provider retry",
				zap.String("channel", cfg.Channel.String()),
				zap.Int("attempt", attempt),
				zap.Duration("wait", d),
				zap.Error(last))
			if err := s.sleep(ctx, d); err != nil {
				return SendResult{}, attempt - 1, last
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, s.policy.Timeout)
		start := time.Now()
		res, err := a.Send(callCtx, cfg, to, content, typ)
		metrics.ProviderCallSeconds.WithLabelValues(cfg.Channel.String()).Observe(time.Since(start).Seconds())
		cancel()

		if err == nil {
			metrics.ProviderCallsTotal.WithLabelValues(cfg.Channel.String(), "ok").Inc()
			return res, attempt, nil
		}

		last = err
		if !apperr.IsRetryable(err) {
			metrics.ProviderCallsTotal.WithLabelValues(cfg.Channel.String(), "terminal").Inc()
			return SendResult{}, attempt, err
		}
		metrics.ProviderCallsTotal.WithLabelValues(cfg.Channel.String(), "retryable").Inc()
		if ctx.Err() != nil {
			return SendResult{}, attempt, err
		}
	}

	return SendResult{}, s.policy.MaxAttempts, last
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
