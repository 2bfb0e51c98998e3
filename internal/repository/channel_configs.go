package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmehdipour/msg-engine/internal/model"
	"github.com/jmoiron/sqlx"
)

// ChannelConfigsRepository persists one row per (tenant, channel). Rows are
// never deleted.
type ChannelConfigsRepository interface {
	Get(ctx context.Context, tenantID int64, ch model.Channel) (*model.ChannelConfig, error)
	List(ctx context.Context, tenantID int64) ([]model.ChannelConfig, error)
	// InsertIfMissing creates cfg unless a row for its (tenant, channel) exists.
	InsertIfMissing(ctx context.Context, cfg model.ChannelConfig) error
	// Save overwrites provider, credentials, webhook secret and status.
	Save(ctx context.Context, cfg model.ChannelConfig) error
	SetTestResult(ctx context.Context, tenantID int64, ch model.Channel, status model.ConnectionStatus, at time.Time) error
}

type ChannelConfigsRepositoryImpl struct {
	db *sqlx.DB
}

func NewChannelConfigsRepository(db *sqlx.DB) *ChannelConfigsRepositoryImpl {
	return &ChannelConfigsRepositoryImpl{db: db}
}

var _ ChannelConfigsRepository = (*ChannelConfigsRepositoryImpl)(nil)

const channelConfigColumns = `id, tenant_id, channel, provider, credentials, connection_status, webhook_secret, last_test_at, created_at, updated_at`

func decodeCredentials(c *model.ChannelConfig) error {
	c.Credentials = map[string]string{}
	if len(c.CredentialsJSON) == 0 {
		return nil
	}
	if err := json.Unmarshal(c.CredentialsJSON, &c.Credentials); err != nil {
		return fmt.Errorf("channel config %s credentials: %w", c.Channel, err)
	}
	return nil
}

func encodeCredentials(c model.ChannelConfig) ([]byte, error) {
	if c.Credentials == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(c.Credentials)
}

func (r *ChannelConfigsRepositoryImpl) Get(ctx context.Context, tenantID int64, ch model.Channel) (*model.ChannelConfig, error) {
	var c model.ChannelConfig
	err := r.db.GetContext(ctx, &c, `SELECT `+channelConfigColumns+` FROM channel_configs WHERE tenant_id = ? AND channel = ? LIMIT 1`, tenantID, ch)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := decodeCredentials(&c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *ChannelConfigsRepositoryImpl) List(ctx context.Context, tenantID int64) ([]model.ChannelConfig, error) {
	var rows []model.ChannelConfig
	if err := r.db.SelectContext(ctx, &rows, `SELECT `+channelConfigColumns+` FROM channel_configs WHERE tenant_id = ? ORDER BY id`, tenantID); err != nil {
		return nil, err
	}
	for i := range rows {
		if err := decodeCredentials(&rows[i]); err != nil {
			return nil, err
		}
	}
	return rows, nil
}

func (r *ChannelConfigsRepositoryImpl) InsertIfMissing(ctx context.Context, cfg model.ChannelConfig) error {
	creds, err := encodeCredentials(cfg)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT IGNORE INTO channel_configs
		    (tenant_id, channel, provider, credentials, connection_status, webhook_secret, created_at, updated_at)
		VALUES
		    (?, ?, ?, ?, ?, ?, NOW(), NOW())
	`, cfg.TenantID, cfg.Channel, cfg.Provider, creds, cfg.ConnectionStatus, cfg.WebhookSecret)
	return err
}

func (r *ChannelConfigsRepositoryImpl) Save(ctx context.Context, cfg model.ChannelConfig) error {
	creds, err := encodeCredentials(cfg)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO channel_configs
		    (tenant_id, channel, provider, credentials, connection_status, webhook_secret, last_test_at, created_at, updated_at)
		VALUES
		    (?, ?, ?, ?, ?, ?, ?, NOW(), NOW())
		ON DUPLICATE KEY UPDATE
		    provider          = VALUES(provider),
		    credentials       = VALUES(credentials),
		    connection_status = VALUES(connection_status),
		    webhook_secret    = VALUES(webhook_secret),
		    last_test_at      = VALUES(last_test_at),
		    updated_at        = NOW()
	`, cfg.TenantID, cfg.Channel, cfg.Provider, creds, cfg.ConnectionStatus, cfg.WebhookSecret, cfg.LastTestAt)
	return err
}

func (r *ChannelConfigsRepositoryImpl) SetTestResult(ctx context.Context, tenantID int64, ch model.Channel, status model.ConnectionStatus, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE channel_configs
		   SET connection_status = ?, last_test_at = ?, updated_at = NOW()
		 WHERE tenant_id = ? AND channel = ?
	`, status, at, tenantID, ch)
	return err
}
