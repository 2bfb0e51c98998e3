// Package bulk runs bulk message campaigns: job lifecycle (create, schedule,
// preview, start, cancel), the executor that fans a job out to its
// recipients, the dispatchers that hand started jobs to an executor, and the
// scheduler loop that starts due jobs and recovers orphaned ones.
package bulk

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmehdipour/msg-engine/internal/apperr"
	"github.com/jmehdipour/msg-engine/internal/lease"
	"github.com/jmehdipour/msg-engine/internal/logger"
	"github.com/jmehdipour/msg-engine/internal/metrics"
	"github.com/jmehdipour/msg-engine/internal/model"
	"github.com/jmehdipour/msg-engine/internal/repository"
	"github.com/jmehdipour/msg-engine/internal/targeting"
	"github.com/jmehdipour/msg-engine/internal/util"
	"go.uber.org/zap"
)

// JobSpec is the caller's campaign definition.
type JobSpec struct {
	Name        string                `json:"name"`
	Channels    []model.Channel       `json:"channels"`
	Filter      model.RecipientFilter `json:"recipient_filter"`
	Content     model.MessageContent  `json:"message_content"`
	ScheduledAt *time.Time            `json:"scheduled_at,omitempty"`
}

// HistoryFilter pages a tenant's jobs. Page is 1-based.
type HistoryFilter struct {
	Status   model.JobStatus
	Channel  model.Channel
	Page     int
	PageSize int
}

// Preview is the rendered message one recipient would get on one channel.
type Preview struct {
	CustomerID int64         `json:"customer_id"`
	Channel    model.Channel `json:"channel"`
	To         string        `json:"to,omitempty"`
	Content    string        `json:"content,omitempty"`
	Skipped    string        `json:"skipped,omitempty"`
}

// Dispatcher hands a job that just moved to processing to an executor. The
// lease is owned by the dispatcher from then on.
type Dispatcher interface {
	Dispatch(ctx context.Context, job model.BulkMessageJob, l *lease.Lease) error
}

type Service struct {
	jobs       repository.BulkJobsRepository
	resolver   *targeting.Resolver
	tpl        Renderer
	leases     *lease.Manager
	dispatcher Dispatcher
	previewMax int
	now        func() time.Time
}

func NewService(
	jobs repository.BulkJobsRepository,
	resolver *targeting.Resolver,
	tpl Renderer,
	leases *lease.Manager,
	dispatcher Dispatcher,
	previewMax int,
) *Service {
	if previewMax <= 0 {
		previewMax = 20
	}
	return &Service{
		jobs:       jobs,
		resolver:   resolver,
		tpl:        tpl,
		leases:     leases,
		dispatcher: dispatcher,
		previewMax: previewMax,
		now:        time.Now,
	}
}

func (s *Service) validate(spec *JobSpec, requireName bool) error {
	spec.Name = strings.TrimSpace(spec.Name)
	if requireName && spec.Name == "" {
		return apperr.NewValidation("name", "must not be empty")
	}
	if len(spec.Name) > 255 {
		return apperr.NewValidation("name", "too long")
	}
	if len(spec.Channels) == 0 {
		return apperr.NewValidation("channels", "at least one channel is required")
	}
	seen := make(map[model.Channel]bool, len(spec.Channels))
	chs := make([]model.Channel, 0, len(spec.Channels))
	for _, c := range spec.Channels {
		ch, ok := model.ParseChannel(c.String())
		if !ok {
			return apperr.NewValidation("channels", fmt.Sprintf("unsupported channel %q", c))
		}
		if !seen[ch] {
			seen[ch] = true
			chs = append(chs, ch)
		}
	}
	spec.Channels = chs

	if strings.TrimSpace(spec.Content.Template) == "" {
		return apperr.NewValidation("message_content.template", "must not be empty")
	}
	if spec.Content.Type == "" {
		spec.Content.Type = model.MessageTypeText
	}
	if !spec.Content.Type.Valid() {
		return apperr.NewValidation("message_content.message_type", "unsupported message type")
	}
	if err := s.tpl.Validate(spec.Content.Template); err != nil {
		return apperr.NewValidation("message_content.template", err.Error())
	}
	for ch, o := range spec.Content.Overrides {
		if !seen[ch] {
			return apperr.NewValidation("message_content.overrides", fmt.Sprintf("channel %q is not targeted", ch))
		}
		if err := s.tpl.Validate(o); err != nil {
			return apperr.NewValidation("message_content.overrides."+ch.String(), err.Error())
		}
	}
	return targeting.Validate(spec.Filter)
}

// CreateJob stores a new draft, or a scheduled job when ScheduledAt is set.
func (s *Service) CreateJob(ctx context.Context, tenantID int64, createdBy string, spec JobSpec) (*model.BulkMessageJob, error) {
	if err := s.validate(&spec, true); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	job := model.BulkMessageJob{
		ID:        util.NewID(),
		TenantID:  tenantID,
		Name:      spec.Name,
		Channels:  spec.Channels,
		Filter:    spec.Filter,
		Content:   spec.Content,
		Status:    model.JobDraft,
		CreatedBy: createdBy,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if spec.ScheduledAt != nil {
		at := spec.ScheduledAt.UTC()
		job.Status = model.JobScheduled
		job.ScheduledAt = &at
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create bulk job: %w", err)
	}
	logger.Log.Info("bulk job created",
		zap.String("job_id", job.ID),
		zap.Int64("tenant_id", tenantID),
		zap.String("status", job.Status.String()),
	)
	return &job, nil
}

func (s *Service) get(ctx context.Context, tenantID int64, jobID string) (*model.BulkMessageJob, error) {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil || job.TenantID != tenantID {
		return nil, apperr.NewNotFound("bulk job", jobID)
	}
	return job, nil
}

// ScheduleJob sets or moves the start time of a draft or scheduled job.
func (s *Service) ScheduleJob(ctx context.Context, tenantID int64, jobID string, at time.Time) (*model.BulkMessageJob, error) {
	job, err := s.get(ctx, tenantID, jobID)
	if err != nil {
		return nil, err
	}
	ok, err := s.jobs.Schedule(ctx, jobID, at.UTC())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.NewInvalidState("bulk job", job.Status.String(), "schedule")
	}
	return s.get(ctx, tenantID, jobID)
}

// PreviewJob renders the first n recipients on every requested channel. It
// persists nothing and is deterministic for unchanged data.
func (s *Service) PreviewJob(ctx context.Context, tenantID int64, spec JobSpec, n int) ([]Preview, error) {
	if err := s.validate(&spec, false); err != nil {
		return nil, err
	}
	if n <= 0 || n > s.previewMax {
		n = s.previewMax
	}
	recipients, err := s.resolver.Preview(ctx, tenantID, spec.Filter, n)
	if err != nil {
		return nil, err
	}

	out := make([]Preview, 0, len(recipients)*len(spec.Channels))
	for _, r := range recipients {
		for _, ch := range spec.Channels {
			p := Preview{CustomerID: r.CustomerID, Channel: ch, To: r.Addresses[ch]}
			if p.To == "" {
				p.Skipped = "no_address"
				out = append(out, p)
				continue
			}
			body, err := s.tpl.Render(spec.Content.TemplateFor(ch), r.Attributes)
			if err != nil {
				return nil, apperr.NewValidation("message_content.template", err.Error())
			}
			p.Content = body
			out = append(out, p)
		}
	}
	return out, nil
}

// StartJob takes the execution lease, moves the job to processing and hands
// it to the dispatcher. It returns without waiting for the run.
func (s *Service) StartJob(ctx context.Context, tenantID int64, jobID string) (*model.BulkMessageJob, error) {
	job, err := s.get(ctx, tenantID, jobID)
	if err != nil {
		return nil, err
	}
	if err := s.start(ctx, *job); err != nil {
		return nil, err
	}
	return s.get(ctx, tenantID, jobID)
}

func (s *Service) start(ctx context.Context, job model.BulkMessageJob) error {
	switch {
	case job.Status == model.JobProcessing:
		return apperr.ErrAlreadyRunning
	case job.Status.Terminal():
		return apperr.NewInvalidState("bulk job", job.Status.String(), "start")
	}

	l, err := s.leases.Acquire(ctx, job.ID)
	if err != nil {
		return err
	}
	ok, err := s.jobs.Transition(ctx, job.ID, []model.JobStatus{model.JobDraft, model.JobScheduled}, model.JobProcessing)
	if err != nil || !ok {
		_ = l.Release(context.Background())
		if err != nil {
			return err
		}
		return apperr.ErrAlreadyRunning
	}
	metrics.BulkJobsTotal.WithLabelValues(model.JobProcessing.String()).Inc()

	job.Status = model.JobProcessing
	if err := s.dispatcher.Dispatch(ctx, job, l); err != nil {
		// The job stays processing; the scheduler re-dispatches it once the lease expires.
		logger.Log.Error("bulk job dispatch failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	return nil
}

// CancelJob stops a job. Terminal jobs are returned unchanged; jobs that
// never started are cancelled at once; running jobs are flagged and stop
// after their current batch.
func (s *Service) CancelJob(ctx context.Context, tenantID int64, jobID string) (*model.BulkMessageJob, error) {
	for attempt := 0; attempt < 3; attempt++ {
		job, err := s.get(ctx, tenantID, jobID)
		if err != nil {
			return nil, err
		}
		switch job.Status {
		case model.JobCompleted, model.JobFailed, model.JobCancelled:
			return job, nil
		case model.JobProcessing:
			if _, err := s.jobs.RequestCancel(ctx, jobID); err != nil {
				return nil, err
			}
			return s.get(ctx, tenantID, jobID)
		default:
			ok, err := s.jobs.Transition(ctx, jobID, []model.JobStatus{model.JobDraft, model.JobScheduled}, model.JobCancelled)
			if err != nil {
				return nil, err
			}
			if ok {
				metrics.BulkJobsTotal.WithLabelValues(model.JobCancelled.String()).Inc()
				return s.get(ctx, tenantID, jobID)
			}
			// lost a race with a start; re-read and act on the new status
		}
	}
	return nil, errors.New("cancel bulk job: status kept changing")
}

func (s *Service) GetStatus(ctx context.Context, tenantID int64, jobID string) (*model.BulkMessageJob, error) {
	return s.get(ctx, tenantID, jobID)
}

// ListHistory returns one page of jobs, newest first, and the total count.
func (s *Service) ListHistory(ctx context.Context, tenantID int64, f HistoryFilter) ([]model.BulkMessageJob, int, error) {
	if f.Page <= 0 {
		f.Page = 1
	}
	if f.PageSize <= 0 || f.PageSize > 100 {
		f.PageSize = 20
	}
	return s.jobs.List(ctx, tenantID, repository.JobFilter{
		Status:  f.Status,
		Channel: f.Channel,
		Limit:   f.PageSize,
		Offset:  (f.Page - 1) * f.PageSize,
	})
}
