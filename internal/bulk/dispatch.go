package bulk

import (
	"context"
	"errors"
	"sync"

	"github.com/jmehdipour/msg-engine/internal/lease"
	"github.com/jmehdipour/msg-engine/internal/logger"
	"github.com/jmehdipour/msg-engine/internal/model"
	"github.com/jmehdipour/msg-engine/internal/repository"
	"go.uber.org/zap"
)

const (
	DispatchLocal  = "local"
	DispatchOutbox = "outbox"

	// JobsTopic is the default Kafka topic of job envelopes.
	JobsTopic = "bulk.jobs"
)

var ErrPoolFull = errors.New("bulk worker pool is full")

// Runner executes one job under a held lease.
type Runner interface {
	Execute(ctx context.Context, jobID string, l *lease.Lease) error
}

type task struct {
	jobID string
	lease *lease.Lease
}

// LocalPool runs jobs on a fixed set of in-process workers, detached from
// the request that started them.
type LocalPool struct {
	runner  Runner
	workers int
	queue   chan task
	wg      sync.WaitGroup
}

func NewLocalPool(runner Runner, workers, queueSize int) *LocalPool {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	return &LocalPool{runner: runner, workers: workers, queue: make(chan task, queueSize)}
}

// Start launches the workers. They stop when ctx ends; queued jobs are left
// processing with their leases expiring, for the scheduler to recover.
func (p *LocalPool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case t := <-p.queue:
					if err := p.runner.Execute(ctx, t.jobID, t.lease); err != nil && ctx.Err() == nil {
						logger.Log.Error("bulk job run failed",
							zap.Int("worker", id),
							zap.String("job_id", t.jobID),
							zap.Error(err),
						)
					}
				}
			}
		}(i)
	}
}

// Wait blocks until every worker has returned.
func (p *LocalPool) Wait() { p.wg.Wait() }

func (p *LocalPool) Dispatch(ctx context.Context, job model.BulkMessageJob, l *lease.Lease) error {
	select {
	case p.queue <- task{jobID: job.ID, lease: l}:
		return nil
	default:
		_ = l.Release(ctx)
		return ErrPoolFull
	}
}

// OutboxDispatcher writes a job envelope to the outbox; Debezium publishes
// it to Kafka and a `worker executor` process adopts the lease and runs it.
type OutboxDispatcher struct {
	outbox repository.OutboxRepository
	topic  string
}

func NewOutboxDispatcher(outbox repository.OutboxRepository, topic string) *OutboxDispatcher {
	if topic == "" {
		topic = JobsTopic
	}
	return &OutboxDispatcher{outbox: outbox, topic: topic}
}

func (d *OutboxDispatcher) Dispatch(ctx context.Context, job model.BulkMessageJob, l *lease.Lease) error {
	return d.outbox.InsertJobEnvelope(ctx, nil, d.topic, model.JobEnvelope{
		JobID:      job.ID,
		TenantID:   job.TenantID,
		LeaseToken: l.Token(),
	})
}
