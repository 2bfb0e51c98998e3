// Package messaging sends one-off messages to a single customer, either on a
// chosen channel or fanned out to every channel the customer can be reached on.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jmehdipour/msg-engine/internal/apperr"
	"github.com/jmehdipour/msg-engine/internal/channel"
	"github.com/jmehdipour/msg-engine/internal/logger"
	"github.com/jmehdipour/msg-engine/internal/metrics"
	"github.com/jmehdipour/msg-engine/internal/model"
	"github.com/jmehdipour/msg-engine/internal/quota"
	"github.com/jmehdipour/msg-engine/internal/service/conversation"
	"go.uber.org/zap"
)

type ConfigStore interface {
	Get(ctx context.Context, tenantID int64, ch model.Channel) (*model.ChannelConfig, error)
}

type Directory interface {
	GetByID(ctx context.Context, tenantID, id int64) (*model.Customer, error)
}

type QuotaGate interface {
	CheckAndReserve(ctx context.Context, tenantID int64, ch model.Channel, count int64) (quota.Decision, error)
	Release(ctx context.Context, tenantID int64, ch model.Channel, period string, count int64) error
}

type Sender interface {
	Send(ctx context.Context, cfg model.ChannelConfig, to, content string, typ model.MessageType) (channel.SendResult, int, error)
}

type Conversations interface {
	Resolve(ctx context.Context, tenantID, customerID int64, ch model.Channel) (*model.Conversation, error)
	AppendOutbound(ctx context.Context, conv *model.Conversation, out conversation.Outbound) (*model.Message, error)
}

type Renderer interface {
	Render(src string, attrs map[string]string) (string, error)
}

// Request is one outbound message. Content may reference customer
// attributes with {{ variable }} placeholders.
type Request struct {
	TenantID   int64
	CustomerID int64
	Channel    model.Channel
	Content    string
	Type       model.MessageType
}

const (
	ResultSent    = "sent"
	ResultFailed  = "failed"
	ResultSkipped = "skipped"
)

// ChannelResult is the outcome of one channel of SendToAllChannels.
type ChannelResult struct {
	Channel model.Channel  `json:"channel"`
	Status  string         `json:"status"`
	Message *model.Message `json:"message,omitempty"`
	Error   string         `json:"error,omitempty"`
}

type Service struct {
	registry *channel.Registry
	configs  ConfigStore
	dir      Directory
	quota    QuotaGate
	sender   Sender
	convs    Conversations
	tpl      Renderer
}

func New(
	registry *channel.Registry,
	configs ConfigStore,
	dir Directory,
	gate QuotaGate,
	sender Sender,
	convs Conversations,
	tpl Renderer,
) *Service {
	return &Service{
		registry: registry,
		configs:  configs,
		dir:      dir,
		quota:    gate,
		sender:   sender,
		convs:    convs,
		tpl:      tpl,
	}
}

// loadConfig returns the tenant's validated config for ch.
func (s *Service) loadConfig(ctx context.Context, tenantID int64, ch model.Channel) (model.ChannelConfig, error) {
	adapter, err := s.registry.Get(ch)
	if err != nil {
		return model.ChannelConfig{}, err
	}
	cfg, err := s.configs.Get(ctx, tenantID, ch)
	if err != nil {
		return model.ChannelConfig{}, fmt.Errorf("load %s config: %w", ch, err)
	}
	if cfg == nil {
		return model.ChannelConfig{}, apperr.NewConfiguration(ch.String(), "channel not configured")
	}
	if err := adapter.ValidateConfig(*cfg); err != nil {
		return model.ChannelConfig{}, err
	}
	return *cfg, nil
}

// SendMessage validates, reserves quota, sends with retries and records the
// outbound message. A failed provider send still records the message as
// failed and returns it together with the provider error.
func (s *Service) SendMessage(ctx context.Context, req Request) (*model.Message, error) {
	if !req.Channel.Valid() {
		return nil, apperr.NewValidation("channel", "unsupported channel")
	}
	if req.Type == "" {
		req.Type = model.MessageTypeText
	}
	if !req.Type.Valid() {
		return nil, apperr.NewValidation("type", "unsupported message type")
	}
	if req.Content == "" {
		return nil, apperr.NewValidation("content", "must not be empty")
	}

	cfg, err := s.loadConfig(ctx, req.TenantID, req.Channel)
	if err != nil {
		return nil, err
	}

	cust, err := s.dir.GetByID(ctx, req.TenantID, req.CustomerID)
	if err != nil {
		return nil, fmt.Errorf("load customer: %w", err)
	}
	if cust == nil {
		return nil, apperr.NewNotFound("customer", fmt.Sprint(req.CustomerID))
	}
	to := cust.Address(req.Channel)
	if to == "" {
		return nil, apperr.NewConfiguration(req.Channel.String(), "customer has no address on this channel")
	}

	body, err := s.tpl.Render(req.Content, cust.Attributes())
	if err != nil {
		return nil, apperr.NewValidation("content", err.Error())
	}

	d, err := s.quota.CheckAndReserve(ctx, req.TenantID, req.Channel, 1)
	if err != nil {
		return nil, err
	}
	if !d.Allowed {
		return nil, quota.DenialError(req.TenantID, req.Channel, d)
	}

	conv, err := s.convs.Resolve(ctx, req.TenantID, cust.ID, req.Channel)
	if err != nil {
		s.release(ctx, req, d.Period)
		return nil, err
	}

	res, attempts, sendErr := s.sender.Send(ctx, cfg, to, body, req.Type)
	if sendErr != nil {
		s.release(ctx, req, d.Period)
		metrics.MessagesTotal.WithLabelValues("failed", req.Channel.String()).Inc()
		logger.Log.Warn("send failed",
			zap.Int64("tenant_id", req.TenantID),
			zap.Int64("customer_id", cust.ID),
			zap.String("channel", req.Channel.String()),
			zap.Int("attempts", attempts),
			zap.Error(sendErr),
		)
		m, err := s.convs.AppendOutbound(ctx, conv, conversation.Outbound{
			Content: body,
			Type:    req.Type,
			Status:  model.StatusFailed,
			Error:   sendErr.Error(),
		})
		if err != nil {
			return nil, errors.Join(sendErr, err)
		}
		return m, sendErr
	}

	metrics.MessagesTotal.WithLabelValues("sent", req.Channel.String()).Inc()
	return s.convs.AppendOutbound(ctx, conv, conversation.Outbound{
		Content:    body,
		Type:       req.Type,
		Status:     model.StatusSent,
		ExternalID: res.ExternalID,
	})
}

func (s *Service) release(ctx context.Context, req Request, period string) {
	if err := s.quota.Release(ctx, req.TenantID, req.Channel, period, 1); err != nil {
		logger.Log.Error("quota release failed",
			zap.Int64("tenant_id", req.TenantID),
			zap.String("channel", req.Channel.String()),
			zap.Error(err),
		)
	}
}

// SendToAllChannels sends content on every registered channel concurrently.
// It never fails as a whole: channels the customer cannot be reached on, or
// that the tenant has not configured, are reported as skipped.
func (s *Service) SendToAllChannels(ctx context.Context, tenantID, customerID int64, content string, typ model.MessageType) []ChannelResult {
	chs := s.registry.Channels()
	out := make([]ChannelResult, len(chs))

	var wg sync.WaitGroup
	for i, ch := range chs {
		wg.Add(1)
		go func(i int, ch model.Channel) {
			defer wg.Done()
			m, err := s.SendMessage(ctx, Request{
				TenantID:   tenantID,
				CustomerID: customerID,
				Channel:    ch,
				Content:    content,
				Type:       typ,
			})
			out[i] = resultOf(ch, m, err)
		}(i, ch)
	}
	wg.Wait()
	return out
}

func resultOf(ch model.Channel, m *model.Message, err error) ChannelResult {
	r := ChannelResult{Channel: ch, Message: m, Status: ResultSent}
	if err == nil {
		return r
	}
	r.Error = err.Error()
	var cfgErr *apperr.ConfigurationError
	if errors.As(err, &cfgErr) {
		r.Status = ResultSkipped
	} else {
		r.Status = ResultFailed
	}
	return r
}
