package channel

import (
	"sync"
	"time"

	"github.com/jmehdipour/msg-engine/internal/metrics"
)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// MicroBreaker guards one provider. After failThreshold consecutive failed
// calls it rejects sends for openFor, then lets a single probe through; the
// probe's outcome closes or re-opens it. Its state is exported as
// msgeng_provider_breaker_state{provider}.
type MicroBreaker struct {
	provider  string
	threshold int
	openFor   time.Duration
	now       func() time.Time

	mu       sync.Mutex
	st       breakerState
	fails    int
	reopenAt time.Time
	probing  bool
}

func NewMicroBreaker(provider string, threshold int, openFor time.Duration) *MicroBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openFor <= 0 {
		openFor = 15 * time.Second
	}
	b := &MicroBreaker{provider: provider, threshold: threshold, openFor: openFor, now: time.Now}
	b.publish()
	return b
}

// Ready reports whether a call would be admitted, without claiming the probe.
func (b *MicroBreaker) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.st {
	case breakerOpen:
		return !b.probing && b.now().After(b.reopenAt)
	case breakerHalfOpen:
		return !b.probing
	}
	return true
}

// TryAcquire admits a call. While open it admits nothing until openFor has
// passed, and then exactly one probe.
func (b *MicroBreaker) TryAcquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.st {
	case breakerClosed:
		return true
	case breakerOpen:
		if b.probing || !b.now().After(b.reopenAt) {
			return false
		}
		b.set(breakerHalfOpen)
	}
	if b.probing {
		return false
	}
	b.probing = true
	return true
}

func (b *MicroBreaker) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fails = 0
	b.probing = false
	b.set(breakerClosed)
}

func (b *MicroBreaker) OnFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.st == breakerHalfOpen {
		b.trip()
		return
	}
	b.fails++
	if b.fails >= b.threshold {
		b.trip()
	}
}

func (b *MicroBreaker) trip() {
	b.probing = false
	b.reopenAt = b.now().Add(b.openFor)
	b.set(breakerOpen)
}

func (b *MicroBreaker) set(st breakerState) {
	if b.st == st {
		return
	}
	b.st = st
	b.publish()
}

func (b *MicroBreaker) publish() {
	metrics.ProviderBreakerState.WithLabelValues(b.provider).Set(float64(b.st))
}
