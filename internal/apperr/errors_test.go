package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"retryable", NewRetryable("twilio", 503, errors.New("unavailable")), true},
		{"terminal", NewTerminal("twilio", 400, errors.New("bad number")), false},
		{"wrapped retryable", fmt.Errorf("send: %w", NewRetryable("ses", 0, errors.New("timeout"))), true},
		{"plain error", errors.New("boom"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestConfigurationErrorMessage(t *testing.T) {
	err := NewMissingFields("sms", []string{"accountId", "authToken"})
	assert.Equal(t, "channel sms: missing config fields: accountId, authToken", err.Error())

	var ce *ConfigurationError
	assert.True(t, errors.As(fmt.Errorf("wrap: %w", err), &ce))
	assert.Equal(t, []string{"accountId", "authToken"}, ce.Missing)
}

func TestProviderErrorUnwrap(t *testing.T) {
	root := errors.New("connection reset")
	err := NewRetryable("line", 0, root)
	assert.ErrorIs(t, err, root)
	assert.Contains(t, err.Error(), "retryable")
}
