package model

import "time"

// OutboxEvent is one row of the transactional outbox. Debezium's outbox
// router publishes Payload to Topic, keyed by AggregateID.
type OutboxEvent struct {
	ID          int64     `db:"id"`
	Aggregate   string    `db:"aggregate"`
	AggregateID string    `db:"aggregate_id"`
	Topic       string    `db:"topic"`
	Payload     []byte    `db:"payload"`
	CreatedAt   time.Time `db:"created_at"`
}
