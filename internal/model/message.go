package model

import "time"

type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
)

type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusFailed    MessageStatus = "failed"
	StatusRead      MessageStatus = "read"
)

func (s MessageStatus) String() string {
	return string(s)
}

func (s MessageStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSent, StatusDelivered, StatusFailed, StatusRead:
		return true
	default:
		return false
	}
}

// rank orders statuses so receipts never move a message backwards.
func (s MessageStatus) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	case StatusFailed:
		return 4
	default:
		return -1
	}
}

// CanTransitionTo reports whether a status receipt may replace s with next.
func (s MessageStatus) CanTransitionTo(next MessageStatus) bool {
	if s == StatusFailed || s == StatusRead {
		return false
	}
	return next.rank() > s.rank()
}

// Message is the DB entity persisted in the messages table. It is immutable
// except for Status, ReadAt and UpdatedAt.
type Message struct {
	ID             string        `db:"id" json:"id"`
	ConversationID string        `db:"conversation_id" json:"conversation_id"`
	TenantID       int64         `db:"tenant_id" json:"tenant_id"`
	Channel        Channel       `db:"channel" json:"channel"`
	Direction      Direction     `db:"direction" json:"direction"`
	Content        string        `db:"content" json:"content"`
	Type           MessageType   `db:"message_type" json:"message_type"`
	Status         MessageStatus `db:"status" json:"status"`
	ExternalID     *string       `db:"external_id" json:"external_id,omitempty"`
	BulkJobID      *string       `db:"bulk_job_id" json:"bulk_job_id,omitempty"`
	Error          *string       `db:"error" json:"error,omitempty"`
	ReadAt         *time.Time    `db:"read_at" json:"read_at,omitempty"`
	CreatedAt      time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time     `db:"updated_at" json:"updated_at"`
}

type InboundKind string

const (
	InboundMessage InboundKind = "message"
	InboundStatus  InboundKind = "status"
	// InboundIgnored marks well-formed provider events that carry nothing to
	// record (follows, echoes of our own sends, read watermarks).
	InboundIgnored InboundKind = "ignored"
)

// InboundEvent is one normalized webhook event.
type InboundEvent struct {
	Kind          InboundKind
	ChannelUserID string
	Content       string
	Type          MessageType
	ExternalID    string
	Status        MessageStatus // Kind == InboundStatus only
}
