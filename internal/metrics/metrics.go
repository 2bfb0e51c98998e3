package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgeng_messages_total",
			Help: "Messages lifecycle counter by stage and channel",
		},
		[]string{"stage", "channel"}, // sent|failed|received|status , sms|email|chat_a|chat_b
	)

	ProviderCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgeng_provider_calls_total",
			Help: "Provider send attempts by channel and outcome",
		},
		[]string{"channel", "outcome"}, // ok|retryable|terminal
	)

	ProviderCallSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "msgeng_provider_call_seconds",
			Help:    "Provider send latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"channel"},
	)

	BulkJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgeng_bulk_jobs_total",
			Help: "Bulk jobs reaching a lifecycle state",
		},
		[]string{"status"}, // processing|completed|failed|cancelled
	)

	QuotaDenialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgeng_quota_denials_total",
			Help: "Quota reservations denied by reason",
		},
		[]string{"channel", "reason"},
	)

	ProviderBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "msgeng_provider_breaker_state",
			Help: "Provider circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"provider"},
	)

	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgeng_webhook_events_total",
			Help: "Inbound webhook events by channel and result",
		},
		[]string{"channel", "result"}, // processed|skipped|failed|rejected
	)
)

var registerOnce sync.Once

// MustRegister registers all collectors once; later calls are no-ops so the
// server and workers can share a process in tests.
func MustRegister(r prometheus.Registerer) {
	registerOnce.Do(func() {
		r.MustRegister(
			MessagesTotal,
			ProviderCallsTotal,
			ProviderCallSeconds,
			BulkJobsTotal,
			QuotaDenialsTotal,
			ProviderBreakerState,
			WebhookEventsTotal,
		)
	})
}
