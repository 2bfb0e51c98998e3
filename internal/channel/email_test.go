package channel

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/smithy-go"
	"github.com/jmehdipour/msg-engine/internal/apperr"
	"github.com/jmehdipour/msg-engine/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSES struct {
	sent    []*sesv2.SendEmailInput
	sendErr error
	enabled bool
}

func (f *fakeSES) SendEmail(_ context.Context, in *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, in)
	return &sesv2.SendEmailOutput{MessageId: aws.String("0100-ses-id")}, nil
}

func (f *fakeSES) GetAccount(_ context.Context, _ *sesv2.GetAccountInput, _ ...func(*sesv2.Options)) (*sesv2.GetAccountOutput, error) {
	return &sesv2.GetAccountOutput{SendingEnabled: f.enabled}, nil
}

func emailConfig() model.ChannelConfig {
	return model.ChannelConfig{
		Channel: model.ChannelEmail,
		Credentials: map[string]string{
			EmailAccessKeyID:     "AKIA",
			EmailSecretAccessKey: "secret",
			EmailRegion:          "eu-west-1",
			EmailFromEmail:       "shop@example.com",
			EmailFromName:        "Shop",
		},
	}
}

func newTestEmailAdapter(f *fakeSES) (*EmailAdapter, *int) {
	builds := 0
	a := NewEmailAdapter(Options{}, "", func(_ context.Context, _, _, _ string) (SESAPI, error) {
		builds++
		return f, nil
	})
	return a, &builds
}

func TestEmailSend(t *testing.T) {
	f := &fakeSES{}
	a, builds := newTestEmailAdapter(f)

	res, err := a.Send(context.Background(), emailConfig(), "jane@example.com", "<p>Hi Jane</p>", model.MessageTypeText)
	require.NoError(t, err)
	assert.Equal(t, "0100-ses-id", res.ExternalID)

	_, err = a.Send(context.Background(), emailConfig(), "bob@example.com", "plain", model.MessageTypeText)
	require.NoError(t, err)

	require.Len(t, f.sent, 2)
	assert.Equal(t, 1, *builds, "client is cached per credentials")
	assert.Equal(t, "Shop <shop@example.com>", aws.ToString(f.sent[0].FromEmailAddress))
	assert.NotNil(t, f.sent[0].Content.Simple.Body.Html)
	assert.NotNil(t, f.sent[1].Content.Simple.Body.Text)
}

func TestEmailClientRebuiltAfterSecretChange(t *testing.T) {
	f := &fakeSES{enabled: true}
	a, builds := newTestEmailAdapter(f)
	ctx := context.Background()

	cfg := emailConfig()
	cfg.Credentials[EmailSecretAccessKey] = "mistyped"
	a.TestConnection(ctx, cfg)
	require.Equal(t, 1, *builds)

	fixed := emailConfig()
	assert.True(t, a.TestConnection(ctx, fixed).Success)
	assert.Equal(t, 2, *builds, "new secret builds a new client")

	_, err := a.Send(ctx, fixed, "jane@example.com", "hi", model.MessageTypeText)
	require.NoError(t, err)
	assert.Equal(t, 2, *builds)
	assert.Len(t, a.clients, 1, "stale client is replaced, not kept")
}

func TestEmailSendInvalidRecipient(t *testing.T) {
	a, _ := newTestEmailAdapter(&fakeSES{})

	_, err := a.Send(context.Background(), emailConfig(), "not-an-address", "x", model.MessageTypeText)
	var pe *apperr.ProviderError
	require.True(t, errors.As(err, &pe))
	assert.False(t, pe.Retryable)
}

func TestClassifySES(t *testing.T) {
	throttled := &smithy.GenericAPIError{Code: "TooManyRequestsException", Fault: smithy.FaultClient}
	rejected := &smithy.GenericAPIError{Code: "MessageRejected", Fault: smithy.FaultClient}
	server := &smithy.GenericAPIError{Code: "InternalFailure", Fault: smithy.FaultServer}

	assert.True(t, apperr.IsRetryable(classifySES(throttled)))
	assert.False(t, apperr.IsRetryable(classifySES(rejected)))
	assert.True(t, apperr.IsRetryable(classifySES(server)))
	assert.False(t, apperr.IsRetryable(classifySES(context.Canceled)))
	assert.True(t, apperr.IsRetryable(classifySES(errors.New("dial tcp: i/o timeout"))))
}

func TestEmailTestConnection(t *testing.T) {
	a, _ := newTestEmailAdapter(&fakeSES{enabled: true})
	assert.True(t, a.TestConnection(context.Background(), emailConfig()).Success)

	b, _ := newTestEmailAdapter(&fakeSES{enabled: false})
	res := b.TestConnection(context.Background(), emailConfig())
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "disabled")

	cfg := emailConfig()
	cfg.Credentials[EmailFromEmail] = "nope"
	assert.False(t, a.TestConnection(context.Background(), cfg).Success)
}

func TestEmailInbound(t *testing.T) {
	a := NewEmailAdapter(Options{Mock: true}, "", nil)

	events, err := a.SplitEvents([]byte(`[
		{"from":"Jane Doe <Jane@Example.com>","text":"Thanks!","message_id":"in-1"},
		{"type":"status","message_id":"out-1","status":"delivered"}
	]`))
	require.NoError(t, err)
	require.Len(t, events, 2)

	ev, err := a.NormalizeInbound(events[0])
	require.NoError(t, err)
	assert.Equal(t, model.InboundMessage, ev.Kind)
	assert.Equal(t, "jane@example.com", ev.ChannelUserID)
	assert.Equal(t, "Thanks!", ev.Content)

	ev, err = a.NormalizeInbound(events[1])
	require.NoError(t, err)
	assert.Equal(t, model.InboundStatus, ev.Kind)
	assert.Equal(t, model.StatusDelivered, ev.Status)
	assert.Equal(t, "out-1", ev.ExternalID)
}

func TestEmailInboundSNS(t *testing.T) {
	a := NewEmailAdapter(Options{Mock: true}, "", nil)

	body := `{"Type":"Notification","Message":"{\"eventType\":\"Bounce\",\"mail\":{\"messageId\":\"0100-x\"}}"}`
	events, err := a.SplitEvents([]byte(body))
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev, err := a.NormalizeInbound(events[0])
	require.NoError(t, err)
	assert.Equal(t, model.InboundStatus, ev.Kind)
	assert.Equal(t, model.StatusFailed, ev.Status)
	assert.Equal(t, "0100-x", ev.ExternalID)

	_, err = a.NormalizeInbound([]byte(`{"hello":"world"}`))
	var upe *apperr.UnrecognizedPayloadError
	assert.True(t, errors.As(err, &upe))
}
