// Package channel translates normalized messages to and from each messaging
// provider. Every channel is one Adapter implementation; the Registry maps a
// model.Channel to its adapter so callers never switch on the channel.
package channel

import (
	"context"
	"net/http"
	"sort"

	"github.com/jmehdipour/msg-engine/internal/apperr"
	"github.com/jmehdipour/msg-engine/internal/model"
)

// Adapter is the per-channel provider contract.
type Adapter interface {
	Channel() model.Channel
	Provider() string

	// RequiredFields lists the credential keys ValidateConfig insists on.
	RequiredFields() []string
	ValidateConfig(cfg model.ChannelConfig) error

	// TestConnection performs a lightweight provider round-trip, or a
	// deterministic required-field check when the adapter runs in mock mode.
	TestConnection(ctx context.Context, cfg model.ChannelConfig) TestResult

	// Send delivers one message. Failures are *apperr.ProviderError.
	Send(ctx context.Context, cfg model.ChannelConfig, to, content string, typ model.MessageType) (SendResult, error)

	// SplitEvents breaks one webhook body into its discrete events.
	SplitEvents(raw []byte) ([][]byte, error)
	// NormalizeInbound is pure; unknown shapes return *apperr.UnrecognizedPayloadError.
	NormalizeInbound(event []byte) (model.InboundEvent, error)
	// VerifySignature checks the channel-specific webhook signature header.
	VerifySignature(raw []byte, headers http.Header, secret string) bool
	// SecretField names the credential used as webhook secret when the
	// config has no explicit webhookSecret; "" for unsigned channels.
	SecretField() string
}

type SendResult struct {
	ExternalID string
}

type TestResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

func testOK(msg string) TestResult    { return TestResult{Success: true, Message: msg} }
func testFailed(err error) TestResult { return TestResult{Success: false, Error: err.Error()} }

// validateRequired returns a ConfigurationError listing every empty required key.
func validateRequired(ch model.Channel, required []string, cfg model.ChannelConfig) error {
	var missing []string
	for _, k := range required {
		if cfg.Get(k) == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return apperr.NewMissingFields(ch.String(), missing)
	}
	return nil
}

// Registry resolves the adapter of a channel.
type Registry struct {
	adapters map[model.Channel]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[model.Channel]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Channel()] = a
	}
	return r
}

func (r *Registry) Get(ch model.Channel) (Adapter, error) {
	a, ok := r.adapters[ch]
	if !ok {
		return nil, apperr.NewConfiguration(ch.String(), "unsupported channel")
	}
	return a, nil
}

// Channels returns the registered channels in canonical order.
func (r *Registry) Channels() []model.Channel {
	out := make([]model.Channel, 0, len(r.adapters))
	for ch := range r.adapters {
		out = append(out, ch)
	}
	order := make(map[model.Channel]int, len(model.Channels))
	for i, ch := range model.Channels {
		order[ch] = i
	}
	sort.Slice(out, func(i, j int) bool { return order[out[i]] < order[out[j]] })
	return out
}
