// Package conversation owns Conversation and Message records: lazy creation
// of the one conversation per (tenant, customer, channel), appending
// messages in both directions, read state and delivery receipts.
package conversation

import (
	"context"
	"fmt"
	"time"

	"github.com/jmehdipour/msg-engine/internal/apperr"
	"github.com/jmehdipour/msg-engine/internal/model"
	"github.com/jmehdipour/msg-engine/internal/repository"
	"github.com/jmehdipour/msg-engine/internal/util"
)

// Outbound describes a message the engine sent (or failed to send).
type Outbound struct {
	Content    string
	Type       model.MessageType
	Status     model.MessageStatus
	ExternalID string
	BulkJobID  string
	Error      string
}

// Paging is keyset pagination over a conversation's messages, newest first.
type Paging struct {
	Limit    int
	BeforeID string
}

type Service struct {
	convs repository.ConversationsRepository
	msgs  repository.MessagesRepository
	now   func() time.Time
}

func New(convs repository.ConversationsRepository, msgs repository.MessagesRepository) *Service {
	return &Service{convs: convs, msgs: msgs, now: time.Now}
}

// Resolve returns the conversation of (tenant, customer, channel), creating it on first use.
func (s *Service) Resolve(ctx context.Context, tenantID, customerID int64, ch model.Channel) (*model.Conversation, error) {
	c, err := s.convs.GetOrCreate(ctx, nil, util.NewID(), tenantID, customerID, ch)
	if err != nil {
		return nil, fmt.Errorf("resolve conversation: %w", err)
	}
	return c, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (s *Service) append(ctx context.Context, conv *model.Conversation, m model.Message) (*model.Message, error) {
	if err := s.msgs.Insert(ctx, nil, m); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	if err := s.convs.Touch(ctx, nil, conv.ID, m.CreatedAt, m.Direction == model.DirectionInbound); err != nil {
		return nil, fmt.Errorf("touch conversation: %w", err)
	}
	return &m, nil
}

// AppendOutbound records an outbound message. New messages un-archive the conversation.
func (s *Service) AppendOutbound(ctx context.Context, conv *model.Conversation, out Outbound) (*model.Message, error) {
	now := s.now().UTC()
	status := out.Status
	if status == "" {
		status = model.StatusPending
	}
	typ := out.Type
	if typ == "" {
		typ = model.MessageTypeText
	}
	return s.append(ctx, conv, model.Message{
		ID:             util.NewID(),
		ConversationID: conv.ID,
		TenantID:       conv.TenantID,
		Channel:        conv.Channel,
		Direction:      model.DirectionOutbound,
		Content:        out.Content,
		Type:           typ,
		Status:         status,
		ExternalID:     optional(out.ExternalID),
		BulkJobID:      optional(out.BulkJobID),
		Error:          optional(out.Error),
		CreatedAt:      now,
		UpdatedAt:      now,
	})
}

// AppendInbound records a received message and bumps the unread counter.
func (s *Service) AppendInbound(ctx context.Context, conv *model.Conversation, ev model.InboundEvent) (*model.Message, error) {
	now := s.now().UTC()
	typ := ev.Type
	if typ == "" {
		typ = model.MessageTypeText
	}
	return s.append(ctx, conv, model.Message{
		ID:             util.NewID(),
		ConversationID: conv.ID,
		TenantID:       conv.TenantID,
		Channel:        conv.Channel,
		Direction:      model.DirectionInbound,
		Content:        ev.Content,
		Type:           typ,
		Status:         model.StatusDelivered,
		ExternalID:     optional(ev.ExternalID),
		CreatedAt:      now,
		UpdatedAt:      now,
	})
}

// ApplyReceipt moves the message with externalID to status when that is a
// forward transition. It returns the message as it was before the update
// and whether the update happened; (nil, false, nil) when no message matches.
func (s *Service) ApplyReceipt(ctx context.Context, tenantID int64, ch model.Channel, externalID string, status model.MessageStatus) (*model.Message, bool, error) {
	m, err := s.msgs.GetByExternalID(ctx, tenantID, ch, externalID)
	if err != nil {
		return nil, false, fmt.Errorf("find message %s: %w", externalID, err)
	}
	if m == nil {
		return nil, false, nil
	}
	if !m.Status.CanTransitionTo(status) {
		return m, false, nil
	}
	ok, err := s.msgs.UpdateStatus(ctx, m.ID, m.Status, status)
	if err != nil {
		return m, false, fmt.Errorf("update message %s: %w", m.ID, err)
	}
	return m, ok, nil
}

func (s *Service) List(ctx context.Context, tenantID int64, f repository.ConversationFilter) ([]model.Conversation, int, error) {
	return s.convs.List(ctx, tenantID, f)
}

func (s *Service) get(ctx context.Context, tenantID int64, id string) (*model.Conversation, error) {
	c, err := s.convs.GetByID(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, apperr.NewNotFound("conversation", id)
	}
	return c, nil
}

// ListMessages pages a tenant's conversation, newest first.
func (s *Service) ListMessages(ctx context.Context, tenantID int64, conversationID string, p Paging) ([]model.Message, error) {
	if _, err := s.get(ctx, tenantID, conversationID); err != nil {
		return nil, err
	}
	return s.msgs.ListByConversation(ctx, conversationID, p.BeforeID, p.Limit)
}

// MarkRead zeroes the unread counter and stamps inbound messages read.
func (s *Service) MarkRead(ctx context.Context, tenantID int64, conversationID string) error {
	ok, err := s.convs.MarkRead(ctx, tenantID, conversationID, s.now().UTC())
	if err != nil {
		return err
	}
	if !ok {
		return apperr.NewNotFound("conversation", conversationID)
	}
	return nil
}

// Archive hides a conversation until its next message.
func (s *Service) Archive(ctx context.Context, tenantID int64, conversationID string) error {
	ok, err := s.convs.SetArchived(ctx, tenantID, conversationID, true)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.NewNotFound("conversation", conversationID)
	}
	return nil
}
