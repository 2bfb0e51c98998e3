package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmehdipour/msg-engine/internal/model"
	"github.com/jmoiron/sqlx"
)

// ConversationFilter narrows List. Zero values mean "any".
type ConversationFilter struct {
	Channel    model.Channel
	Archived   *bool
	UnreadOnly bool
	CustomerID int64
	Limit      int
	Offset     int
}

type ConversationsRepository interface {
	// GetOrCreate returns the conversation of (tenant, customer, channel),
	// inserting it with id when absent. Safe under concurrent callers.
	GetOrCreate(ctx context.Context, tx *sqlx.Tx, id string, tenantID, customerID int64, ch model.Channel) (*model.Conversation, error)
	GetByID(ctx context.Context, tenantID int64, id string) (*model.Conversation, error)
	// Touch records a new message: bumps last_message_at, un-archives and,
	// for inbound messages, increments unread_count.
	Touch(ctx context.Context, tx *sqlx.Tx, id string, at time.Time, inbound bool) error
	List(ctx context.Context, tenantID int64, f ConversationFilter) ([]model.Conversation, int, error)
	// MarkRead zeroes unread_count and stamps read_at on unread inbound messages.
	MarkRead(ctx context.Context, tenantID int64, id string, at time.Time) (bool, error)
	SetArchived(ctx context.Context, tenantID int64, id string, archived bool) (bool, error)
}

type ConversationsRepositoryImpl struct {
	db *sqlx.DB
}

func NewConversationsRepository(db *sqlx.DB) *ConversationsRepositoryImpl {
	return &ConversationsRepositoryImpl{db: db}
}

var _ ConversationsRepository = (*ConversationsRepositoryImpl)(nil)

const conversationColumns = `id, tenant_id, customer_id, channel, archived, unread_count, last_message_at, created_at, updated_at`

func (r *ConversationsRepositoryImpl) GetOrCreate(ctx context.Context, tx *sqlx.Tx, id string, tenantID, customerID int64, ch model.Channel) (*model.Conversation, error) {
	var c model.Conversation
	err := withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT IGNORE INTO conversations
			    (id, tenant_id, customer_id, channel, archived, unread_count, created_at, updated_at)
			VALUES
			    (?, ?, ?, ?, 0, 0, NOW(), NOW())
		`, id, tenantID, customerID, ch); err != nil {
			return err
		}
		return tx.GetContext(ctx, &c, `
			SELECT `+conversationColumns+`
			  FROM conversations
			 WHERE tenant_id = ? AND customer_id = ? AND channel = ?
		`, tenantID, customerID, ch)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *ConversationsRepositoryImpl) GetByID(ctx context.Context, tenantID int64, id string) (*model.Conversation, error) {
	var c model.Conversation
	err := r.db.GetContext(ctx, &c, `SELECT `+conversationColumns+` FROM conversations WHERE tenant_id = ? AND id = ?`, tenantID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *ConversationsRepositoryImpl) Touch(ctx context.Context, tx *sqlx.Tx, id string, at time.Time, inbound bool) error {
	unread := 0
	if inbound {
		unread = 1
	}
	return withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE conversations
			   SET last_message_at = ?, archived = 0, unread_count = unread_count + ?, updated_at = NOW()
			 WHERE id = ?
		`, at, unread, id)
		return err
	})
}

func (r *ConversationsRepositoryImpl) List(ctx context.Context, tenantID int64, f ConversationFilter) ([]model.Conversation, int, error) {
	limit, offset := clampPage(f.Limit, f.Offset, 20, 100)

	where := ` WHERE tenant_id = ?`
	args := []any{tenantID}
	if f.Channel != "" {
		where += ` AND channel = ?`
		args = append(args, f.Channel)
	}
	if f.Archived != nil {
		where += ` AND archived = ?`
		args = append(args, *f.Archived)
	}
	if f.UnreadOnly {
		where += ` AND unread_count > 0`
	}
	if f.CustomerID > 0 {
		where += ` AND customer_id = ?`
		args = append(args, f.CustomerID)
	}

	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM conversations`+where, args...); err != nil {
		return nil, 0, err
	}

	var rows []model.Conversation
	q := `SELECT ` + conversationColumns + ` FROM conversations` + where +
		` ORDER BY last_message_at IS NULL, last_message_at DESC, id DESC LIMIT ? OFFSET ?`
	if err := r.db.SelectContext(ctx, &rows, q, append(args, limit, offset)...); err != nil {
		return nil, 0, err
	}
	return rows, total, nil
}

func (r *ConversationsRepositoryImpl) MarkRead(ctx context.Context, tenantID int64, id string, at time.Time) (bool, error) {
	found := false
	err := withTx(ctx, r.db, nil, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE conversations SET unread_count = 0, updated_at = NOW()
			 WHERE tenant_id = ? AND id = ?
		`, tenantID, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			// MySQL reports 0 for a row that already had unread_count = 0
			var exists int
			if err := tx.GetContext(ctx, &exists, `SELECT COUNT(*) FROM conversations WHERE tenant_id = ? AND id = ?`, tenantID, id); err != nil {
				return err
			}
			if exists == 0 {
				return nil
			}
		}
		found = true
		_, err = tx.ExecContext(ctx, `
			UPDATE messages SET read_at = ?, updated_at = NOW()
			 WHERE conversation_id = ? AND direction = 'inbound' AND read_at IS NULL
		`, at, id)
		return err
	})
	return found, err
}

func (r *ConversationsRepositoryImpl) SetArchived(ctx context.Context, tenantID int64, id string, archived bool) (bool, error) {
	var exists int
	if err := r.db.GetContext(ctx, &exists, `SELECT COUNT(*) FROM conversations WHERE tenant_id = ? AND id = ?`, tenantID, id); err != nil {
		return false, err
	}
	if exists == 0 {
		return false, nil
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE conversations SET archived = ?, updated_at = NOW()
		 WHERE tenant_id = ? AND id = ?
	`, archived, tenantID, id)
	return err == nil, err
}
