package bulk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmehdipour/msg-engine/internal/apperr"
	"github.com/jmehdipour/msg-engine/internal/channel"
	"github.com/jmehdipour/msg-engine/internal/lease"
	"github.com/jmehdipour/msg-engine/internal/logger"
	"github.com/jmehdipour/msg-engine/internal/metrics"
	"github.com/jmehdipour/msg-engine/internal/model"
	"github.com/jmehdipour/msg-engine/internal/quota"
	"github.com/jmehdipour/msg-engine/internal/repository"
	"github.com/jmehdipour/msg-engine/internal/service/conversation"
	"github.com/jmehdipour/msg-engine/internal/targeting"
	"go.uber.org/zap"
)

type Renderer interface {
	Validate(src string) error
	Render(src string, attrs map[string]string) (string, error)
}

type ConfigStore interface {
	Get(ctx context.Context, tenantID int64, ch model.Channel) (*model.ChannelConfig, error)
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

// ExecutorOptions tunes a run. Concurrency caps in-flight sends per channel.
type ExecutorOptions struct {
	BatchSize          int
	DefaultConcurrency int
	Concurrency        map[model.Channel]int
}

// Executor runs one processing job to a terminal status. Runs are
// resumable: units with a recorded outcome are never sent twice.
type Executor struct {
	jobs     repository.BulkJobsRepository
	configs  ConfigStore
	resolver *targeting.Resolver
	registry *channel.Registry
	quota    QuotaGate
	sender   Sender
	convs    Conversations
	tpl      Renderer
	opts     ExecutorOptions
}

func NewExecutor(
	jobs repository.BulkJobsRepository,
	configs ConfigStore,
	resolver *targeting.Resolver,
	registry *channel.Registry,
	gate QuotaGate,
	sender Sender,
	convs Conversations,
	tpl Renderer,
	opts ExecutorOptions,
) *Executor {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.DefaultConcurrency <= 0 {
		opts.DefaultConcurrency = 5
	}
	return &Executor{
		jobs:     jobs,
		configs:  configs,
		resolver: resolver,
		registry: registry,
		quota:    gate,
		sender:   sender,
		convs:    convs,
		tpl:      tpl,
		opts:     opts,
	}
}

type unit struct {
	recipient model.Recipient
	ch        model.Channel
}

type run struct {
	job     model.BulkMessageJob
	configs map[model.Channel]model.ChannelConfig
	sems    map[model.Channel]chan struct{}
}

func (e *Executor) concurrency(ch model.Channel) int {
	if n := e.opts.Concurrency[ch]; n > 0 {
		return n
	}
	return e.opts.DefaultConcurrency
}

// Execute runs jobID while holding l. It keeps the lease alive and releases
// it on return. Losing the lease aborts the run without touching the job.
func (e *Executor) Execute(ctx context.Context, jobID string, l *lease.Lease) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go l.KeepAlive(ctx, func() {
		logger.Log.Warn("bulk job lease lost, aborting run", zap.String("job_id", jobID))
		cancel()
	})
	defer func() {
		if err := l.Release(context.Background()); err != nil {
			logger.Log.Warn("lease release failed", zap.String("job_id", jobID), zap.Error(err))
		}
	}()

	job, err := e.jobs.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load bulk job %s: %w", jobID, err)
	}
	if job == nil || job.Status != model.JobProcessing {
		return nil
	}
	log := logger.Log.With(zap.String("job_id", job.ID), zap.Int64("tenant_id", job.TenantID))
	started := time.Now()

	r := &run{
		job:     *job,
		configs: make(map[model.Channel]model.ChannelConfig, len(job.Channels)),
		sems:    make(map[model.Channel]chan struct{}, len(job.Channels)),
	}
	for _, ch := range job.Channels {
		r.sems[ch] = make(chan struct{}, e.concurrency(ch))
		cfg, err := e.loadConfig(ctx, job.TenantID, ch)
		if err != nil {
			var cfgErr *apperr.ConfigurationError
			if !errors.As(err, &cfgErr) {
				return err
			}
			log.Warn("channel not configured for bulk job", zap.String("channel", ch.String()), zap.Error(err))
			continue
		}
		r.configs[ch] = cfg
	}
	if len(r.configs) == 0 {
		return e.finish(ctx, job.ID, model.JobFailed, model.ReasonChannelConfigInvalid)
	}

	recipients, err := e.resolver.Resolve(ctx, job.TenantID, job.Filter)
	if err != nil {
		return fmt.Errorf("resolve audience: %w", err)
	}
	if len(recipients) == 0 {
		return e.finish(ctx, job.ID, model.JobFailed, model.ReasonNoRecipients)
	}

	var units []unit
	skipped := 0
	for _, ch := range job.Channels {
		part := targeting.Partition(recipients, ch)
		skipped += len(recipients) - len(part)
		for _, rc := range part {
			units = append(units, unit{recipient: rc, ch: ch})
		}
	}
	if err := e.jobs.SetAudience(ctx, job.ID, len(units), skipped); err != nil {
		return fmt.Errorf("store audience: %w", err)
	}
	if len(units) == 0 {
		return e.finish(ctx, job.ID, model.JobFailed, model.ReasonNoRecipients)
	}

	done, err := e.jobs.DoneUnits(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("load recorded outcomes: %w", err)
	}
	var pending []unit
	for _, u := range units {
		if _, ok := done[repository.Unit{CustomerID: u.recipient.CustomerID, Channel: u.ch}]; !ok {
			pending = append(pending, u)
		}
	}
	log.Info("bulk job running",
		zap.Int("targeted", len(units)),
		zap.Int("skipped", skipped),
		zap.Int("already_done", len(units)-len(pending)),
	)

	for start := 0; start < len(pending); start += e.opts.BatchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		cancelled, err := e.jobs.CancelRequested(ctx, job.ID)
		if err != nil {
			return err
		}
		if cancelled {
			return e.cancelRest(ctx, job.ID, pending[start:])
		}

		end := start + e.opts.BatchSize
		if end > len(pending) {
			end = len(pending)
		}
		outcomes, delta := e.runBatch(ctx, r, pending[start:end])
		if err := ctx.Err(); err != nil {
			// Sends of an interrupted batch are not recorded; a resumed run repeats them.
			return err
		}
		if err := e.jobs.RecordBatch(ctx, job.ID, outcomes, delta); err != nil {
			return fmt.Errorf("record batch: %w", err)
		}
	}

	cancelled, err := e.jobs.CancelRequested(ctx, job.ID)
	if err != nil {
		return err
	}
	status := model.JobCompleted
	if cancelled {
		status = model.JobCancelled
	}
	ok, err := e.finished(ctx, job.ID, status, "")
	if err != nil {
		return err
	}
	if !ok && status == model.JobCompleted {
		// a cancel landed after the last check
		status = model.JobCancelled
		if err := e.finish(ctx, job.ID, status, ""); err != nil {
			return err
		}
	}
	log.Info("bulk job finished", zap.String("status", status.String()), zap.Duration("took", time.Since(started)))
	return nil
}

func (e *Executor) loadConfig(ctx context.Context, tenantID int64, ch model.Channel) (model.ChannelConfig, error) {
	a, err := e.registry.Get(ch)
	if err != nil {
		return model.ChannelConfig{}, err
	}
	cfg, err := e.configs.Get(ctx, tenantID, ch)
	if err != nil {
		return model.ChannelConfig{}, fmt.Errorf("load %s config: %w", ch, err)
	}
	if cfg == nil {
		return model.ChannelConfig{}, apperr.NewConfiguration(ch.String(), "channel not configured")
	}
	if err := a.ValidateConfig(*cfg); err != nil {
		return model.ChannelConfig{}, err
	}
	return *cfg, nil
}

func (e *Executor) finish(ctx context.Context, jobID string, status model.JobStatus, reason string) error {
	_, err := e.finished(ctx, jobID, status, reason)
	return err
}

// finished reports whether the job moved to status.
func (e *Executor) finished(ctx context.Context, jobID string, status model.JobStatus, reason string) (bool, error) {
	var r *string
	if reason != "" {
		r = &reason
	}
	ok, err := e.jobs.Finish(ctx, jobID, status, r)
	if err != nil {
		return false, fmt.Errorf("finish bulk job %s: %w", jobID, err)
	}
	if ok {
		metrics.BulkJobsTotal.WithLabelValues(status.String()).Inc()
		if reason != "" {
			logger.Log.Warn("bulk job failed", zap.String("job_id", jobID), zap.String("reason", reason))
		}
	}
	return ok, nil
}

func (e *Executor) cancelRest(ctx context.Context, jobID string, rest []unit) error {
	now := time.Now().UTC()
	outcomes := make([]model.RecipientOutcome, 0, len(rest))
	for _, u := range rest {
		outcomes = append(outcomes, model.RecipientOutcome{
			JobID:      jobID,
			CustomerID: u.recipient.CustomerID,
			Channel:    u.ch,
			Status:     model.OutcomeCancelled,
			CreatedAt:  now,
		})
	}
	if err := e.jobs.RecordBatch(ctx, jobID, outcomes, model.JobCounters{Cancelled: len(rest)}); err != nil {
		return fmt.Errorf("record cancelled units: %w", err)
	}
	logger.Log.Info("bulk job cancelled", zap.String("job_id", jobID), zap.Int("cancelled", len(rest)))
	return e.finish(ctx, jobID, model.JobCancelled, "")
}

// runBatch sends every unit of batch, at most Concurrency per channel at a time.
func (e *Executor) runBatch(ctx context.Context, r *run, batch []unit) ([]model.RecipientOutcome, model.JobCounters) {
	outcomes := make([]model.RecipientOutcome, len(batch))
	var wg sync.WaitGroup
	for i, u := range batch {
		sem := r.sems[u.ch]
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return nil, model.JobCounters{}
		}
		wg.Add(1)
		go func(i int, u unit) {
			defer wg.Done()
			defer func() { <-sem }()
			outcomes[i] = e.deliver(ctx, r, u)
		}(i, u)
	}
	wg.Wait()

	var delta model.JobCounters
	for _, o := range outcomes {
		switch o.Status {
		case model.OutcomeSent:
			delta.Sent++
		case model.OutcomeFailed:
			delta.Failed++
		case model.OutcomeCancelled:
			delta.Cancelled++
		}
	}
	return outcomes, delta
}

func (e *Executor) deliver(ctx context.Context, r *run, u unit) model.RecipientOutcome {
	job := r.job
	out := model.RecipientOutcome{
		JobID:      job.ID,
		CustomerID: u.recipient.CustomerID,
		Channel:    u.ch,
		Status:     model.OutcomeFailed,
	}
	fail := func(reason string) model.RecipientOutcome {
		out.Reason = &reason
		out.CreatedAt = time.Now().UTC()
		return out
	}

	cfg, ok := r.configs[u.ch]
	if !ok {
		return fail(model.ReasonChannelNotConfigured)
	}

	d, err := e.quota.CheckAndReserve(ctx, job.TenantID, u.ch, 1)
	if err != nil {
		logger.Log.Error("quota check failed", zap.String("job_id", job.ID), zap.Error(err))
		return fail(model.ReasonQuotaUnavailable)
	}
	if !d.Allowed {
		return fail(model.ReasonQuotaExceeded)
	}
	release := func() {
		if err := e.quota.Release(context.Background(), job.TenantID, u.ch, d.Period, 1); err != nil {
			logger.Log.Warn("quota release failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	}

	body, err := e.tpl.Render(job.Content.TemplateFor(u.ch), u.recipient.Attributes)
	if err != nil {
		release()
		return fail(model.ReasonRenderError)
	}

	conv, err := e.convs.Resolve(ctx, job.TenantID, u.recipient.CustomerID, u.ch)
	if err != nil {
		release()
		logger.Log.Error("resolve conversation failed", zap.String("job_id", job.ID), zap.Error(err))
		return fail(model.ReasonProviderError)
	}

	res, attempts, sendErr := e.sender.Send(ctx, cfg, u.recipient.Addresses[u.ch], body, job.Content.Type)
	msg := conversation.Outbound{
		Content:   body,
		Type:      job.Content.Type,
		Status:    model.StatusSent,
		BulkJobID: job.ID,
	}
	if sendErr != nil {
		release()
		metrics.MessagesTotal.WithLabelValues("failed", u.ch.String()).Inc()
		logger.Log.Debug("bulk send failed",
			zap.String("job_id", job.ID),
			zap.Int64("customer_id", u.recipient.CustomerID),
			zap.String("channel", u.ch.String()),
			zap.Int("attempts", attempts),
			zap.Error(sendErr),
		)
		msg.Status = model.StatusFailed
		msg.Error = sendErr.Error()
	} else {
		metrics.MessagesTotal.WithLabelValues("sent", u.ch.String()).Inc()
		msg.ExternalID = res.ExternalID
	}

	m, err := e.convs.AppendOutbound(ctx, conv, msg)
	if err != nil {
		logger.Log.Error("record bulk message failed", zap.String("job_id", job.ID), zap.Error(err))
	} else {
		out.MessageID = &m.ID
	}
	if sendErr != nil {
		return fail(model.ReasonProviderError)
	}
	out.Status = model.OutcomeSent
	out.CreatedAt = time.Now().UTC()
	return out
}
