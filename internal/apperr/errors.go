// Package apperr holds the engine's error taxonomy. Callers inspect errors
// with errors.As / errors.Is; every type here is safe to wrap.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

// ConfigurationError reports missing or invalid channel credentials, or a
// recipient that cannot be addressed on the requested channel.
type ConfigurationError struct {
	Channel string
	Missing []string
	Reason  string
}

func (e *ConfigurationError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("channel %s: missing config fields: %s", e.Channel, strings.Join(e.Missing, ", "))
	}
	return fmt.Sprintf("channel %s: %s", e.Channel, e.Reason)
}

func NewMissingFields(channel string, missing []string) error {
	return &ConfigurationError{Channel: channel, Missing: missing}
}

func NewConfiguration(channel, reason string) error {
	return &ConfigurationError{Channel: channel, Reason: reason}
}

// ProviderError is a failed provider call. Retryable errors (timeouts, 5xx,
// rate limiting) may be attempted again; terminal ones must not.
type ProviderError struct {
	Provider   string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *ProviderError) Error() string {
	kind := "terminal"
	if e.Retryable {
		kind = "retryable"
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider %s: %s error (status=%d): %v", e.Provider, kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider %s: %s error: %v", e.Provider, kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

func NewRetryable(provider string, status int, err error) error {
	return &ProviderError{Provider: provider, StatusCode: status, Retryable: true, Err: err}
}

func NewTerminal(provider string, status int, err error) error {
	return &ProviderError{Provider: provider, StatusCode: status, Retryable: false, Err: err}
}

// IsRetryable reports whether err is a retryable ProviderError.
func IsRetryable(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Retryable
}

// QuotaExceededError is a plan limit denial. It is per-recipient and never fatal to a job.
type QuotaExceededError struct {
	TenantID     int64
	Feature      string
	Reason       string
	CurrentUsage int64
	Limit        int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for tenant %d feature %s: %s (usage=%d limit=%d)",
		e.TenantID, e.Feature, e.Reason, e.CurrentUsage, e.Limit)
}

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrAlreadyRunning   = errors.New("bulk job already running")
	ErrNoRecipients     = errors.New("no recipients")
)

// UnrecognizedPayloadError is returned for webhook payloads of an unknown shape.
type UnrecognizedPayloadError struct {
	Channel string
	Detail  string
}

func (e *UnrecognizedPayloadError) Error() string {
	return fmt.Sprintf("unrecognized %s payload: %s", e.Channel, e.Detail)
}

func NewUnrecognizedPayload(channel, detail string) error {
	return &UnrecognizedPayloadError{Channel: channel, Detail: detail}
}

// NotFoundError reports a missing entity.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func NewNotFound(entity, id string) error {
	return &NotFoundError{Entity: entity, ID: id}
}

// InvalidStateError reports an operation not allowed in the entity's current state.
type InvalidStateError struct {
	Entity string
	State  string
	Op     string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s %s in state %s", e.Op, e.Entity, e.State)
}

func NewInvalidState(entity, state, op string) error {
	return &InvalidStateError{Entity: entity, State: state, Op: op}
}

// ValidationError reports bad caller input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func NewValidation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
