package channel

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/jmehdipour/msg-engine/internal/apperr"
	"github.com/jmehdipour/msg-engine/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedAdapter returns errs in order, then succeeds.
type scriptedAdapter struct {
	errs  []error
	calls int
}

func (s *scriptedAdapter) Channel() model.Channel                           { return model.ChannelChatA }
func (s *scriptedAdapter) Provider() string                                 { return "scripted" }
func (s *scriptedAdapter) RequiredFields() []string                         { return nil }
func (s *scriptedAdapter) ValidateConfig(model.ChannelConfig) error         { return nil }
func (s *scriptedAdapter) SplitEvents(raw []byte) ([][]byte, error)         { return [][]byte{raw}, nil }
func (s *scriptedAdapter) VerifySignature([]byte, http.Header, string) bool { return true }
func (s *scriptedAdapter) SecretField() string                              { return "" }

func (s *scriptedAdapter) TestConnection(context.Context, model.ChannelConfig) TestResult {
	return testOK("ok")
}

func (s *scriptedAdapter) NormalizeInbound([]byte) (model.InboundEvent, error) {
	return model.InboundEvent{Kind: model.InboundIgnored}, nil
}

func (s *scriptedAdapter) Send(context.Context, model.ChannelConfig, string, string, model.MessageType) (SendResult, error) {
	s.calls++
	if s.calls <= len(s.errs) {
		return SendResult{}, s.errs[s.calls-1]
	}
	return SendResult{ExternalID: "ext-1"}, nil
}

func newTestSender(a Adapter, attempts int) (*Sender, *[]time.Duration) {
	var waits []time.Duration
	s := NewSender(NewRegistry(a), RetryPolicy{MaxAttempts: attempts, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second})
	s.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return ctx.Err()
	}
	return s, &waits
}

var chatACfg = model.ChannelConfig{Channel: model.ChannelChatA}

func TestSenderRetriesRetryable(t *testing.T) {
	a := &scriptedAdapter{errs: []error{
		apperr.NewRetryable("scripted", 503, errors.New("unavailable")),
		apperr.NewRetryable("scripted", 429, errors.New("slow down")),
	}}
	s, waits := newTestSender(a, 3)

	res, attempts, err := s.Send(context.Background(), chatACfg, "U1", "hi", model.MessageTypeText)
	require.NoError(t, err)
	assert.Equal(t, "ext-1", res.ExternalID)
	assert.Equal(t, 3, attempts)
	assert.Len(t, *waits, 2)
	for _, w := range *waits {
		assert.GreaterOrEqual(t, w, 10*time.Millisecond)
		assert.LessOrEqual(t, w, time.Second)
	}
}

func TestSenderStopsOnTerminal(t *testing.T) {
	a := &scriptedAdapter{errs: []error{apperr.NewTerminal("scripted", 400, errors.New("bad recipient"))}}
	s, waits := newTestSender(a, 5)

	_, attempts, err := s.Send(context.Background(), chatACfg, "U1", "hi", model.MessageTypeText)
	require.Error(t, err)
	assert.False(t, apperr.IsRetryable(err))
	assert.Equal(t, 1, attempts)
	assert.Empty(t, *waits)
}

func TestSenderExhaustsAttempts(t *testing.T) {
	retry := apperr.NewRetryable("scripted", 500, errors.New("boom"))
	a := &scriptedAdapter{errs: []error{retry, retry, retry, retry}}
	s, _ := newTestSender(a, 3)

	_, attempts, err := s.Send(context.Background(), chatACfg, "U1", "hi", model.MessageTypeText)
	require.Error(t, err)
	assert.True(t, apperr.IsRetryable(err))
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, a.calls)
}

func TestSenderCancelledWhileWaiting(t *testing.T) {
	retry := apperr.NewRetryable("scripted", 500, errors.New("boom"))
	a := &scriptedAdapter{errs: []error{retry, retry}}
	s, _ := newTestSender(a, 3)
	ctx, cancel := context.WithCancel(context.Background())
	s.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	_, attempts, err := s.Send(ctx, chatACfg, "U1", "hi", model.MessageTypeText)
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, a.calls)
}

func TestSenderUnknownChannel(t *testing.T) {
	s, _ := newTestSender(&scriptedAdapter{}, 3)

	_, _, err := s.Send(context.Background(), model.ChannelConfig{Channel: model.ChannelSMS}, "+1", "hi", model.MessageTypeText)
	var ce *apperr.ConfigurationError
	assert.True(t, errors.As(err, &ce))
}

func TestRegistryChannelsCanonicalOrder(t *testing.T) {
	r := NewRegistry(NewChatBAdapter(Options{Mock: true}), NewSMSAdapter(Options{Mock: true}, ""))
	assert.Equal(t, []model.Channel{model.ChannelSMS, model.ChannelChatB}, r.Channels())
}
