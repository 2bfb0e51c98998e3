package model

import "time"

// Conversation is identified by (TenantID, CustomerID, Channel).
type Conversation struct {
	ID            string     `db:"id" json:"id"`
	TenantID      int64      `db:"tenant_id" json:"tenant_id"`
	CustomerID    int64      `db:"customer_id" json:"customer_id"`
	Channel       Channel    `db:"channel" json:"channel"`
	Archived      bool       `db:"archived" json:"archived"`
	UnreadCount   int        `db:"unread_count" json:"unread_count"`
	LastMessageAt *time.Time `db:"last_message_at" json:"last_message_at,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updated_at"`
}
