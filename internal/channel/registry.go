package channel

import (
	"time"

	"github.com/jmehdipour/msg-engine/internal/config"
)

// NewDefaultRegistry builds the four production adapters from config.
func NewDefaultRegistry(cfg config.ChannelsConfig) *Registry {
	breaker := func(b config.BreakerConfig) (int, time.Duration) {
		return b.FailThreshold, time.Duration(b.OpenForMs) * time.Millisecond
	}

	smsThreshold, smsOpen := breaker(cfg.SMS.Breaker)
	emailThreshold, emailOpen := breaker(cfg.Email.Breaker)
	aThreshold, aOpen := breaker(cfg.ChatA.Breaker)
	bThreshold, bOpen := breaker(cfg.ChatB.Breaker)

	return NewRegistry(
		NewSMSAdapter(Options{
			BaseURL:       cfg.SMS.BaseURL,
			Timeout:       time.Duration(cfg.SMS.TimeoutMs) * time.Millisecond,
			FailThreshold: smsThreshold,
			OpenFor:       smsOpen,
			Mock:          cfg.SMS.Mock,
		}, cfg.SMS.DefaultCountryCode),
		NewEmailAdapter(Options{
			FailThreshold: emailThreshold,
			OpenFor:       emailOpen,
			Mock:          cfg.Email.Mock,
		}, cfg.Email.DefaultRegion, nil),
		NewChatAAdapter(Options{
			BaseURL:       cfg.ChatA.BaseURL,
			Timeout:       time.Duration(cfg.ChatA.TimeoutMs) * time.Millisecond,
			FailThreshold: aThreshold,
			OpenFor:       aOpen,
			Mock:          cfg.ChatA.Mock,
		}),
		NewChatBAdapter(Options{
			BaseURL:       cfg.ChatB.BaseURL,
			Timeout:       time.Duration(cfg.ChatB.TimeoutMs) * time.Millisecond,
			FailThreshold: bThreshold,
			OpenFor:       bOpen,
			Mock:          cfg.ChatB.Mock,
		}),
	)
}
