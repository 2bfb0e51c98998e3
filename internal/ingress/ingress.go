// Package ingress accepts provider webhooks: it verifies the channel's
// signature, splits the body into events and records each one on its own,
// so one bad event never loses the others.
package ingress

import (
	"context"
	"fmt"
	"net/http"

	"github.com/jmehdipour/msg-engine/internal/apperr"
	"github.com/jmehdipour/msg-engine/internal/channel"
	"github.com/jmehdipour/msg-engine/internal/logger"
	"github.com/jmehdipour/msg-engine/internal/metrics"
	"github.com/jmehdipour/msg-engine/internal/model"
	"go.uber.org/zap"
)

type ConfigStore interface {
	Get(ctx context.Context, tenantID int64, ch model.Channel) (*model.ChannelConfig, error)
}

type Directory interface {
	FindByAddress(ctx context.Context, tenantID int64, ch model.Channel, address string) (*model.Customer, error)
}

type Conversations interface {
	Resolve(ctx context.Context, tenantID, customerID int64, ch model.Channel) (*model.Conversation, error)
	AppendInbound(ctx context.Context, conv *model.Conversation, ev model.InboundEvent) (*model.Message, error)
	ApplyReceipt(ctx context.Context, tenantID int64, ch model.Channel, externalID string, status model.MessageStatus) (*model.Message, bool, error)
}

// JobCounters bumps the delivered counter of the job a message belongs to.
type JobCounters interface {
	IncrementDelivered(ctx context.Context, jobID string) error
}

// Ack summarizes one webhook delivery.
type Ack struct {
	Received  int `json:"received"`
	Processed int `json:"processed"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

type Ingress struct {
	registry *channel.Registry
	configs  ConfigStore
	dir      Directory
	convs    Conversations
	jobs     JobCounters
}

func New(registry *channel.Registry, configs ConfigStore, dir Directory, convs Conversations, jobs JobCounters) *Ingress {
	return &Ingress{registry: registry, configs: configs, dir: dir, convs: convs, jobs: jobs}
}

type result int

const (
	processed result = iota
	skipped
)

// Receive verifies and records one webhook body. A signature mismatch or an
// unrecognized body is returned as an error with nothing persisted; failures
// of single events are only counted in the Ack.
func (in *Ingress) Receive(ctx context.Context, tenantID int64, ch model.Channel, raw []byte, headers http.Header) (Ack, error) {
	adapter, err := in.registry.Get(ch)
	if err != nil {
		return Ack{}, apperr.NewValidation("channel", "unsupported channel")
	}
	cfg, err := in.configs.Get(ctx, tenantID, ch)
	if err != nil {
		return Ack{}, fmt.Errorf("load %s config: %w", ch, err)
	}
	if cfg == nil {
		return Ack{}, apperr.NewNotFound("channel config", ch.String())
	}

	log := logger.Log.With(zap.Int64("tenant_id", tenantID), zap.String("channel", ch.String()))

	var secret string
	if field := adapter.SecretField(); field != "" {
		secret = cfg.Secret(field)
	} else if cfg.WebhookSecret != nil && *cfg.WebhookSecret != "" {
		log.Warn("webhook secret is set but the channel does not sign callbacks; it is not checked")
	}
	// unsigned channels accept every request and log that verification is unavailable
	if !adapter.VerifySignature(raw, headers, secret) {
		metrics.WebhookEventsTotal.WithLabelValues(ch.String(), "rejected").Inc()
		log.Warn("webhook signature rejected")
		return Ack{}, apperr.ErrInvalidSignature
	}

	events, err := adapter.SplitEvents(raw)
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues(ch.String(), "rejected").Inc()
		log.Warn("webhook payload rejected", zap.Error(err))
		return Ack{}, err
	}

	ack := Ack{Received: len(events)}
	for i, raw := range events {
		res, err := in.handle(ctx, tenantID, ch, adapter, raw)
		switch {
		case err != nil:
			ack.Failed++
			metrics.WebhookEventsTotal.WithLabelValues(ch.String(), "failed").Inc()
			log.Warn("webhook event failed", zap.Int("event", i), zap.Error(err))
		case res == skipped:
			ack.Skipped++
			metrics.WebhookEventsTotal.WithLabelValues(ch.String(), "skipped").Inc()
		default:
			ack.Processed++
			metrics.WebhookEventsTotal.WithLabelValues(ch.String(), "processed").Inc()
		}
	}
	return ack, nil
}

func (in *Ingress) handle(ctx context.Context, tenantID int64, ch model.Channel, adapter channel.Adapter, raw []byte) (result, error) {
	ev, err := adapter.NormalizeInbound(raw)
	if err != nil {
		return 0, err
	}
	switch ev.Kind {
	case model.InboundMessage:
		return in.message(ctx, tenantID, ch, ev)
	case model.InboundStatus:
		return in.receipt(ctx, tenantID, ch, ev)
	default:
		return skipped, nil
	}
}

func (in *Ingress) message(ctx context.Context, tenantID int64, ch model.Channel, ev model.InboundEvent) (result, error) {
	cust, err := in.dir.FindByAddress(ctx, tenantID, ch, ev.ChannelUserID)
	if err != nil {
		return 0, fmt.Errorf("find sender: %w", err)
	}
	if cust == nil {
		logger.Log.Info("inbound message from unknown sender",
			zap.Int64("tenant_id", tenantID),
			zap.String("channel", ch.String()),
		)
		return skipped, nil
	}
	conv, err := in.convs.Resolve(ctx, tenantID, cust.ID, ch)
	if err != nil {
		return 0, err
	}
	if _, err := in.convs.AppendInbound(ctx, conv, ev); err != nil {
		return 0, err
	}
	metrics.MessagesTotal.WithLabelValues("received", ch.String()).Inc()
	return processed, nil
}

func reached(s model.MessageStatus) bool {
	return s == model.StatusDelivered || s == model.StatusRead
}

func (in *Ingress) receipt(ctx context.Context, tenantID int64, ch model.Channel, ev model.InboundEvent) (result, error) {
	prev, moved, err := in.convs.ApplyReceipt(ctx, tenantID, ch, ev.ExternalID, ev.Status)
	if err != nil {
		return 0, err
	}
	if prev == nil || !moved {
		return skipped, nil
	}
	metrics.MessagesTotal.WithLabelValues("status", ch.String()).Inc()
	if prev.BulkJobID != nil && !reached(prev.Status) && reached(ev.Status) {
		if err := in.jobs.IncrementDelivered(ctx, *prev.BulkJobID); err != nil {
			return 0, fmt.Errorf("count delivery: %w", err)
		}
	}
	return processed, nil
}
