// Package worker runs bulk jobs handed over through Kafka job envelopes.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmehdipour/msg-engine/internal/bulk"
	"github.com/jmehdipour/msg-engine/internal/kafka"
	"github.com/jmehdipour/msg-engine/internal/lease"
	"github.com/jmehdipour/msg-engine/internal/logger"
	"github.com/jmehdipour/msg-engine/internal/model"
	"go.uber.org/zap"
)

// Source is the envelope stream; *kafka.Consumer implements it.
type Source interface {
	Fetch(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, m kafka.Message) error
}

type JobStore interface {
	Get(ctx context.Context, id string) (*model.BulkMessageJob, error)
}

// JobConsumer:
//   - fetches job envelopes from Kafka,
//   - takes over the execution lease the starter handed along,
//   - runs the job and commits the offset afterwards (at-least-once; the
//     executor skips units already recorded, so a redelivery resumes).
type JobConsumer struct {
	Source  Source
	Jobs    JobStore
	Leases  *lease.Manager
	Runner  bulk.Runner
	Workers int // jobs run concurrently by this process
}

func NewJobConsumer(src Source, jobs JobStore, leases *lease.Manager, runner bulk.Runner, workers int) *JobConsumer {
	return &JobConsumer{Source: src, Jobs: jobs, Leases: leases, Runner: runner, Workers: workers}
}

// Run starts the fetch loop and the processors and blocks until ctx is
// cancelled and every running job has returned.
func (w *JobConsumer) Run(ctx context.Context) error {
	if w.Workers <= 0 {
		w.Workers = 4
	}

	msgCh := make(chan kafka.Message)

	go func() {
		defer close(msgCh)
		for {
			m, err := w.Source.Fetch(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Log.Warn("kafka fetch failed", zap.Error(err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(200 * time.Millisecond):
				}
				continue
			}
			select {
			case msgCh <- m:
			case <-ctx.Done():
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < w.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for m := range msgCh {
				w.processOne(ctx, m)
			}
		}()
	}
	wg.Wait()
	return nil
}

// decodeEnvelope accepts the envelope as a JSON object or, as the outbox
// connector emits it without payload expansion, as a JSON string holding one.
func decodeEnvelope(raw []byte) (model.JobEnvelope, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return model.JobEnvelope{}, err
		}
		raw = []byte(inner)
	}
	var env model.JobEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return model.JobEnvelope{}, err
	}
	if env.JobID == "" {
		return model.JobEnvelope{}, errors.New("envelope missing job_id")
	}
	return env, nil
}

func (w *JobConsumer) processOne(ctx context.Context, m kafka.Message) {
	env, err := decodeEnvelope(m.Value)
	if err != nil {
		logger.Log.Warn("bad job envelope, skipping", zap.Int64("offset", m.Offset), zap.Error(err))
		w.commit(ctx, m)
		return
	}
	log := logger.Log.With(zap.String("job_id", env.JobID), zap.Int64("tenant_id", env.TenantID))

	l, err := w.claim(ctx, env)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Info("job envelope skipped", zap.Error(err))
		w.commit(ctx, m)
		return
	}

	log.Info("bulk job picked up")
	if err := w.Runner.Execute(ctx, env.JobID, l); err != nil {
		if ctx.Err() != nil {
			// shutdown: leave the offset uncommitted for redelivery
			return
		}
		log.Error("bulk job run failed", zap.Error(err))
	}
	w.commit(ctx, m)
}

var errNotRunnable = errors.New("job is not processing")

// claim returns the lease to run env's job under. A lost token is fine
// when nobody holds the lease any more: the starter or a previous executor
// died and the job is taken over.
func (w *JobConsumer) claim(ctx context.Context, env model.JobEnvelope) (*lease.Lease, error) {
	job, err := w.Jobs.Get(ctx, env.JobID)
	if err != nil {
		return nil, fmt.Errorf("load job: %w", err)
	}
	if job == nil || job.Status != model.JobProcessing {
		return nil, errNotRunnable
	}

	l, err := w.Leases.Adopt(ctx, env.JobID, env.LeaseToken)
	if err == nil {
		return l, nil
	}
	if !errors.Is(err, lease.ErrLost) {
		return nil, err
	}
	held, err := w.Leases.Held(ctx, env.JobID)
	if err != nil {
		return nil, err
	}
	if held {
		return nil, errors.New("lease held by another executor")
	}
	return w.Leases.Acquire(ctx, env.JobID)
}

func (w *JobConsumer) commit(ctx context.Context, m kafka.Message) {
	if err := w.Source.Commit(ctx, m); err != nil && ctx.Err() == nil {
		logger.Log.Warn("kafka commit failed", zap.Int64("offset", m.Offset), zap.Error(err))
	}
}
