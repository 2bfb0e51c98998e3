package model

import "time"

type ConnectionStatus string

const (
	ConnectionDisconnected ConnectionStatus = "disconnected"
	ConnectionConnected    ConnectionStatus = "connected"
	ConnectionError        ConnectionStatus = "error"
)

// ChannelConfig holds one tenant's provider settings for one channel.
type ChannelConfig struct {
	ID               int64             `db:"id" json:"id"`
	TenantID         int64             `db:"tenant_id" json:"tenant_id"`
	Channel          Channel           `db:"channel" json:"channel"`
	Provider         string            `db:"provider" json:"provider"`
	Credentials      map[string]string `db:"-" json:"-"`
	CredentialsJSON  []byte            `db:"credentials" json:"-"`
	ConnectionStatus ConnectionStatus  `db:"connection_status" json:"connection_status"`
	WebhookSecret    *string           `db:"webhook_secret" json:"-"`
	LastTestAt       *time.Time        `db:"last_test_at" json:"last_test_at,omitempty"`
	CreatedAt        time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time         `db:"updated_at" json:"updated_at"`
}

// Get returns the credential value for key, or "" when absent.
func (c ChannelConfig) Get(key string) string {
	if c.Credentials == nil {
		return ""
	}
	return c.Credentials[key]
}

// Secret returns the webhook secret, falling back to the given credential key.
func (c ChannelConfig) Secret(fallbackKey string) string {
	if c.WebhookSecret != nil && *c.WebhookSecret != "" {
		return *c.WebhookSecret
	}
	return c.Get(fallbackKey)
}

// DefaultProviders names the provider each channel is provisioned with.
var DefaultProviders = map[Channel]string{
	ChannelSMS:   "twilio",
	ChannelEmail: "ses",
	ChannelChatA: "line",
	ChannelChatB: "messenger",
}

// DefaultChannelConfig is the safe default row created on tenant provisioning.
func DefaultChannelConfig(tenantID int64, ch Channel) ChannelConfig {
	return ChannelConfig{
		TenantID:         tenantID,
		Channel:          ch,
		Provider:         DefaultProviders[ch],
		Credentials:      map[string]string{},
		ConnectionStatus: ConnectionDisconnected,
	}
}
