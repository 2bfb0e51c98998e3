package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmehdipour/msg-engine/internal/model"
	"github.com/jmoiron/sqlx"
)

// MessagesRepository defines persistence for the messages table.
type MessagesRepository interface {
	Insert(ctx context.Context, tx *sqlx.Tx, m model.Message) error
	GetByExternalID(ctx context.Context, tenantID int64, ch model.Channel, externalID string) (*model.Message, error)
	// UpdateStatus moves a message from one status to another; false when the
	// row was not in from.
	UpdateStatus(ctx context.Context, id string, from, to model.MessageStatus) (bool, error)
	// ListByConversation returns newest first, older than beforeID when set.
	ListByConversation(ctx context.Context, conversationID, beforeID string, limit int) ([]model.Message, error)
}

type MessagesRepositoryImpl struct {
	db *sqlx.DB
}

func NewMessagesRepository(db *sqlx.DB) *MessagesRepositoryImpl {
	return &MessagesRepositoryImpl{db: db}
}

var _ MessagesRepository = (*MessagesRepositoryImpl)(nil)

const messageColumns = `id, conversation_id, tenant_id, channel, direction, content, message_type, status,
	external_id, bulk_job_id, error, read_at, created_at, updated_at`

func (r *MessagesRepositoryImpl) Insert(ctx context.Context, tx *sqlx.Tx, m model.Message) error {
	const q = `
		INSERT INTO messages
		    (id, conversation_id, tenant_id, channel, direction, content, message_type, status,
		     external_id, bulk_job_id, error, read_at, created_at, updated_at)
		VALUES
		    (:id, :conversation_id, :tenant_id, :channel, :direction, :content, :message_type, :status,
		     :external_id, :bulk_job_id, :error, :read_at, :created_at, :updated_at)
	`
	return withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		_, err := tx.NamedExecContext(ctx, q, m)
		return err
	})
}

func (r *MessagesRepositoryImpl) GetByExternalID(ctx context.Context, tenantID int64, ch model.Channel, externalID string) (*model.Message, error) {
	var m model.Message
	err := r.db.GetContext(ctx, &m, `
		SELECT `+messageColumns+`
		  FROM messages
		 WHERE external_id = ? AND tenant_id = ? AND channel = ?
		 ORDER BY id DESC LIMIT 1
	`, externalID, tenantID, ch)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *MessagesRepositoryImpl) UpdateStatus(ctx context.Context, id string, from, to model.MessageStatus) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE messages SET status = ?, updated_at = NOW()
		 WHERE id = ? AND status = ?
	`, to, id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *MessagesRepositoryImpl) ListByConversation(ctx context.Context, conversationID, beforeID string, limit int) ([]model.Message, error) {
	limit, _ = clampPage(limit, 0, 50, 200)

	q := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = ?`
	args := []any{conversationID}
	if beforeID != "" {
		q += ` AND id < ?`
		args = append(args, beforeID)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	var rows []model.Message
	if err := r.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	return rows, nil
}
