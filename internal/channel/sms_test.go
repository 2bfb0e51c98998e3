package channel

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jmehdipour/msg-engine/internal/apperr"
	"github.com/jmehdipour/msg-engine/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func smsConfig() model.ChannelConfig {
	return model.ChannelConfig{
		Channel: model.ChannelSMS,
		Credentials: map[string]string{
			SMSAccountID:  "AC123",
			SMSAuthToken:  "tok",
			SMSFromNumber: "+15550001111",
		},
	}
}

func TestSMSValidateConfig(t *testing.T) {
	a := NewSMSAdapter(Options{Mock: true}, "1")

	require.NoError(t, a.ValidateConfig(smsConfig()))

	err := a.ValidateConfig(model.ChannelConfig{Channel: model.ChannelSMS, Credentials: map[string]string{SMSAccountID: "AC1"}})
	var ce *apperr.ConfigurationError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, []string{SMSAuthToken, SMSFromNumber}, ce.Missing)
}

func TestSMSTestConnectionMock(t *testing.T) {
	a := NewSMSAdapter(Options{Mock: true}, "1")

	res := a.TestConnection(context.Background(), smsConfig())
	assert.True(t, res.Success)

	res = a.TestConnection(context.Background(), model.ChannelConfig{Channel: model.ChannelSMS})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "missing config fields")
}

func TestSMSSend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/Accounts/AC123/Messages.json", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "AC123", user)
		assert.Equal(t, "tok", pass)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "+14155550100", r.PostForm.Get("To"))
		assert.Equal(t, "+15550001111", r.PostForm.Get("From"))
		assert.Equal(t, "hello", r.PostForm.Get("Body"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"sid":"SM42","status":"queued"}`))
	}))
	defer srv.Close()

	a := NewSMSAdapter(Options{BaseURL: srv.URL}, "1")
	res, err := a.Send(context.Background(), smsConfig(), "+1 (415) 555-0100", "hello", model.MessageTypeText)
	require.NoError(t, err)
	assert.Equal(t, "SM42", res.ExternalID)
}

func TestSMSSendClassifiesErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retryable bool
	}{
		{"server error", http.StatusServiceUnavailable, true},
		{"rate limited", http.StatusTooManyRequests, true},
		{"bad request", http.StatusBadRequest, false},
		{"unauthorized", http.StatusUnauthorized, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			a := NewSMSAdapter(Options{BaseURL: srv.URL}, "1")
			_, err := a.Send(context.Background(), smsConfig(), "+14155550100", "hi", model.MessageTypeText)

			var pe *apperr.ProviderError
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, tt.retryable, pe.Retryable)
			assert.Equal(t, tt.status, pe.StatusCode)
		})
	}
}

func TestSMSNormalizeInbound(t *testing.T) {
	a := NewSMSAdapter(Options{Mock: true}, "1")

	ev, err := a.NormalizeInbound([]byte("MessageSid=SM1&From=%2B14155550100&Body=Hi+there"))
	require.NoError(t, err)
	assert.Equal(t, model.InboundMessage, ev.Kind)
	assert.Equal(t, "+14155550100", ev.ChannelUserID)
	assert.Equal(t, "Hi there", ev.Content)
	assert.Equal(t, model.MessageTypeText, ev.Type)
	assert.Equal(t, "SM1", ev.ExternalID)

	ev, err = a.NormalizeInbound([]byte("MessageSid=SM2&From=%2B14155550100&NumMedia=1&MediaContentType0=image%2Fjpeg&MediaUrl0=https%3A%2F%2Fx%2Fa.jpg"))
	require.NoError(t, err)
	assert.Equal(t, model.MessageTypeImage, ev.Type)
	assert.Equal(t, "https://x/a.jpg", ev.Content)

	ev, err = a.NormalizeInbound([]byte("MessageSid=SM3&MessageStatus=delivered"))
	require.NoError(t, err)
	assert.Equal(t, model.InboundStatus, ev.Kind)
	assert.Equal(t, model.StatusDelivered, ev.Status)

	_, err = a.NormalizeInbound([]byte("Foo=bar"))
	var upe *apperr.UnrecognizedPayloadError
	assert.True(t, errors.As(err, &upe))
}

func TestSMSVerifySignatureAlwaysTrue(t *testing.T) {
	a := NewSMSAdapter(Options{Mock: true}, "1")
	assert.True(t, a.VerifySignature([]byte("x"), http.Header{}, ""))
	assert.Empty(t, a.SecretField())
}
