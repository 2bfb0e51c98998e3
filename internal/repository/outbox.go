package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmehdipour/msg-engine/internal/model"
	"github.com/jmoiron/sqlx"
)

// AggregateBulkJob is the outbox aggregate name of bulk job envelopes.
const AggregateBulkJob = "bulk_job"

// OutboxRepository writes events that the Debezium outbox SMT publishes to
// Kafka, routed by the `topic` column.
type OutboxRepository interface {
	// InsertJobEnvelope writes env for topic. If tx is nil, it opens and
	// commits an internal transaction; otherwise it uses the given tx.
	InsertJobEnvelope(ctx context.Context, tx *sqlx.Tx, topic string, env model.JobEnvelope) error
	// Prune deletes rows older than before; Debezium has read them by then.
	Prune(ctx context.Context, before time.Time) (int64, error)
}

type OutboxRepositoryImpl struct {
	db *sqlx.DB
}

func NewOutboxRepository(db *sqlx.DB) *OutboxRepositoryImpl {
	return &OutboxRepositoryImpl{db: db}
}

var _ OutboxRepository = (*OutboxRepositoryImpl)(nil)

func (r *OutboxRepositoryImpl) InsertJobEnvelope(ctx context.Context, tx *sqlx.Tx, topic string, env model.JobEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	ev := model.OutboxEvent{
		Aggregate:   AggregateBulkJob,
		AggregateID: env.JobID,
		Topic:       topic,
		Payload:     payload,
	}
	return withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		_, err := tx.NamedExecContext(ctx, `
			INSERT INTO outbox (aggregate, aggregate_id, topic, payload, created_at)
			VALUES (:aggregate, :aggregate_id, :topic, :payload, NOW())
		`, ev)
		return err
	})
}

func (r *OutboxRepositoryImpl) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM outbox WHERE created_at < ? LIMIT 10000`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
