package bulk

import (
	"context"
	"errors"
	"time"

	"github.com/jmehdipour/msg-engine/internal/apperr"
	"github.com/jmehdipour/msg-engine/internal/lease"
	"github.com/jmehdipour/msg-engine/internal/logger"
	"github.com/jmehdipour/msg-engine/internal/repository"
	"go.uber.org/zap"
)

const (
	outboxRetention = 24 * time.Hour
	pruneEvery      = time.Hour
)

// Scheduler starts scheduled jobs when they come due and re-dispatches
// processing jobs whose lease expired because their executor died.
type Scheduler struct {
	svc        *Service
	jobs       repository.BulkJobsRepository
	leases     *lease.Manager
	dispatcher Dispatcher
	outbox     repository.OutboxRepository
	poll       time.Duration
	now        func() time.Time

	lastPrune time.Time
}

// NewScheduler builds the loop. outbox may be nil when jobs are dispatched locally.
func NewScheduler(svc *Service, jobs repository.BulkJobsRepository, leases *lease.Manager, dispatcher Dispatcher, outbox repository.OutboxRepository, poll time.Duration) *Scheduler {
	if poll <= 0 {
		poll = 5 * time.Second
	}
	return &Scheduler{
		svc:        svc,
		jobs:       jobs,
		leases:     leases,
		dispatcher: dispatcher,
		outbox:     outbox,
		poll:       poll,
		now:        time.Now,
	}
}

// Run ticks until ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	logger.Log.Info("bulk scheduler started", zap.Duration("poll", s.poll))
	t := time.NewTicker(s.poll)
	defer t.Stop()
	for {
		s.Tick(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// Tick does one pass: due jobs, orphaned jobs, outbox pruning.
func (s *Scheduler) Tick(ctx context.Context) {
	s.startDue(ctx)
	s.recoverOrphans(ctx)
	s.prune(ctx)
}

func (s *Scheduler) startDue(ctx context.Context) {
	due, err := s.jobs.DueScheduled(ctx, s.now().UTC(), 50)
	if err != nil {
		logger.Log.Error("list due jobs failed", zap.Error(err))
		return
	}
	for _, job := range due {
		err := s.svc.start(ctx, job)
		switch {
		case err == nil:
			logger.Log.Info("scheduled bulk job started", zap.String("job_id", job.ID))
		case errors.Is(err, apperr.ErrAlreadyRunning):
		default:
			logger.Log.Error("start scheduled job failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
}

func (s *Scheduler) recoverOrphans(ctx context.Context) {
	running, err := s.jobs.ListProcessing(ctx, 100)
	if err != nil {
		logger.Log.Error("list processing jobs failed", zap.Error(err))
		return
	}
	for _, job := range running {
		held, err := s.leases.Held(ctx, job.ID)
		if err != nil || held {
			continue
		}
		l, err := s.leases.Acquire(ctx, job.ID)
		if err != nil {
			continue
		}
		logger.Log.Warn("re-dispatching orphaned bulk job", zap.String("job_id", job.ID))
		if err := s.dispatcher.Dispatch(ctx, job, l); err != nil {
			logger.Log.Error("re-dispatch failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
}

func (s *Scheduler) prune(ctx context.Context) {
	if s.outbox == nil || s.now().Sub(s.lastPrune) < pruneEvery {
		return
	}
	s.lastPrune = s.now()
	n, err := s.outbox.Prune(ctx, s.now().Add(-outboxRetention))
	if err != nil {
		logger.Log.Warn("outbox prune failed", zap.Error(err))
		return
	}
	if n > 0 {
		logger.Log.Info("outbox pruned", zap.Int64("rows", n))
	}
}
