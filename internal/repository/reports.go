package repository

import (
	"context"
	"time"

	"github.com/jmehdipour/msg-engine/internal/model"
	"github.com/jmoiron/sqlx"
)

// ReportFilter narrows the message report. Zero values mean "any".
type ReportFilter struct {
	Channel   model.Channel
	Status    model.MessageStatus
	Direction model.Direction
	BulkJobID string
	From      *time.Time
	To        *time.Time
	Limit     int
	Offset    int
}

// MessageReportRow is one message as replicated into ClickHouse (no content).
type MessageReportRow struct {
	ID             string    `db:"id" json:"id"`
	ConversationID string    `db:"conversation_id" json:"conversation_id"`
	Channel        string    `db:"channel" json:"channel"`
	Direction      string    `db:"direction" json:"direction"`
	MessageType    string    `db:"message_type" json:"message_type"`
	Status         string    `db:"status" json:"status"`
	BulkJobID      string    `db:"bulk_job_id" json:"bulk_job_id,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// StatusCount is one (channel, status) bucket of a summary.
type StatusCount struct {
	Channel string `db:"channel" json:"channel"`
	Status  string `db:"status" json:"status"`
	Count   uint64 `db:"cnt" json:"count"`
}

// ReportsRepository reads message history from ClickHouse (final view).
type ReportsRepository interface {
	ListMessages(ctx context.Context, tenantID int64, f ReportFilter) ([]MessageReportRow, error)
	Summary(ctx context.Context, tenantID int64, f ReportFilter) ([]StatusCount, error)
}

type reportsRepository struct {
	ch *sqlx.DB // ClickHouse connection
}

func NewReportsRepository(ch *sqlx.DB) ReportsRepository {
	return &reportsRepository{ch: ch}
}

func reportWhere(tenantID int64, f ReportFilter) (string, []any) {
	q := ` WHERE tenant_id = ?`
	args := []any{tenantID}

	if f.Channel != "" {
		q += " AND channel = ?"
		args = append(args, f.Channel.String())
	}
	if f.Status != "" {
		q += " AND status = ?"
		args = append(args, f.Status.String())
	}
	if f.Direction != "" {
		q += " AND direction = ?"
		args = append(args, string(f.Direction))
	}
	if f.BulkJobID != "" {
		q += " AND bulk_job_id = ?"
		args = append(args, f.BulkJobID)
	}
	if f.From != nil {
		q += " AND created_at >= ?"
		args = append(args, *f.From)
	}
	if f.To != nil {
		q += " AND created_at < ?"
		args = append(args, *f.To)
	}
	return q, args
}

func (r *reportsRepository) ListMessages(ctx context.Context, tenantID int64, f ReportFilter) ([]MessageReportRow, error) {
	limit, offset := clampPage(f.Limit, f.Offset, 50, 1000)
	where, args := reportWhere(tenantID, f)

	q := `
		SELECT id, conversation_id, channel, direction, message_type, status,
		       ifNull(bulk_job_id, '') AS bulk_job_id, created_at, updated_at
		FROM msgeng.messages_latest` + where + `
		ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	var rows []MessageReportRow
	if err := r.ch.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *reportsRepository) Summary(ctx context.Context, tenantID int64, f ReportFilter) ([]StatusCount, error) {
	where, args := reportWhere(tenantID, f)

	q := `
		SELECT channel, status, count() AS cnt
		FROM msgeng.messages_latest` + where + `
		GROUP BY channel, status
		ORDER BY channel, status`

	var rows []StatusCount
	if err := r.ch.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	return rows, nil
}
