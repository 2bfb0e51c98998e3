package worker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jmehdipour/msg-engine/internal/kafka"
	"github.com/jmehdipour/msg-engine/internal/lease"
	"github.com/jmehdipour/msg-engine/internal/model"
	"github.com/jmehdipour/msg-engine/internal/repository/repotest"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu        sync.Mutex
	msgs      chan kafka.Message
	committed []int64
}

func newSource(msgs ...kafka.Message) *fakeSource {
	ch := make(chan kafka.Message, len(msgs))
	for _, m := range msgs {
		ch <- m
	}
	return &fakeSource{msgs: ch}
}

func (s *fakeSource) Fetch(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-s.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (s *fakeSource) Commit(_ context.Context, m kafka.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.committed = append(s.committed, m.Offset)
	return nil
}

func (s *fakeSource) commits() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.committed...)
}

type recordingRunner struct {
	mu   sync.Mutex
	runs []string
}

func (r *recordingRunner) Execute(ctx context.Context, jobID string, l *lease.Lease) error {
	r.mu.Lock()
	r.runs = append(r.runs, jobID)
	r.mu.Unlock()
	return l.Release(ctx)
}

func (r *recordingRunner) ran() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.runs...)
}

type fixture struct {
	store  *repotest.Store
	leases *lease.Manager
	runner *recordingRunner
}

func setup(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return &fixture{store: repotest.New(), leases: lease.NewManager(rdb, time.Minute), runner: &recordingRunner{}}
}

func (f *fixture) consumer(src Source) *JobConsumer {
	return NewJobConsumer(src, repotest.BulkJobsRepo{Store: f.store}, f.leases, f.runner, 2)
}

func (f *fixture) addJob(id string, st model.JobStatus) {
	f.store.Jobs[id] = model.BulkMessageJob{ID: id, TenantID: 1, Status: st}
}

func envelope(t *testing.T, offset int64, env model.JobEnvelope) kafka.Message {
	t.Helper()
	b, err := json.Marshal(env)
	require.NoError(t, err)
	return kafka.Message{Offset: offset, Value: b}
}

func TestAdoptsHandedOverLease(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.addJob("j1", model.JobProcessing)
	l, err := f.leases.Acquire(ctx, "j1")
	require.NoError(t, err)

	src := newSource()
	f.consumer(src).processOne(ctx, envelope(t, 7, model.JobEnvelope{JobID: "j1", TenantID: 1, LeaseToken: l.Token()}))

	assert.Equal(t, []string{"j1"}, f.runner.ran())
	assert.Equal(t, []int64{7}, src.commits())
}

func TestTakesOverExpiredLease(t *testing.T) {
	f := setup(t)
	f.addJob("j1", model.JobProcessing)

	src := newSource()
	f.consumer(src).processOne(context.Background(), envelope(t, 1, model.JobEnvelope{JobID: "j1", LeaseToken: "stale"}))

	assert.Equal(t, []string{"j1"}, f.runner.ran())
	assert.Equal(t, []int64{1}, src.commits())
}

func TestSkipsWhenLeaseHeldElsewhere(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.addJob("j1", model.JobProcessing)
	_, err := f.leases.Acquire(ctx, "j1")
	require.NoError(t, err)

	src := newSource()
	f.consumer(src).processOne(ctx, envelope(t, 3, model.JobEnvelope{JobID: "j1", LeaseToken: "other"}))

	assert.Empty(t, f.runner.ran())
	assert.Equal(t, []int64{3}, src.commits())
}

func TestSkipsFinishedAndPoisonEnvelopes(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.addJob("done", model.JobCompleted)

	src := newSource()
	c := f.consumer(src)
	c.processOne(ctx, envelope(t, 1, model.JobEnvelope{JobID: "done", LeaseToken: "x"}))
	c.processOne(ctx, envelope(t, 2, model.JobEnvelope{JobID: "missing", LeaseToken: "x"}))
	c.processOne(ctx, kafka.Message{Offset: 3, Value: []byte("{oops")})
	c.processOne(ctx, kafka.Message{Offset: 4, Value: []byte(`{"tenant_id":1}`)})

	assert.Empty(t, f.runner.ran())
	assert.Equal(t, []int64{1, 2, 3, 4}, src.commits())
}

func TestDecodeEnvelopeAcceptsStringPayload(t *testing.T) {
	inner, err := json.Marshal(model.JobEnvelope{JobID: "j9", TenantID: 4, LeaseToken: "t"})
	require.NoError(t, err)
	wrapped, err := json.Marshal(string(inner))
	require.NoError(t, err)

	env, err := decodeEnvelope(wrapped)
	require.NoError(t, err)
	assert.Equal(t, model.JobEnvelope{JobID: "j9", TenantID: 4, LeaseToken: "t"}, env)
}

func TestRunProcessesUntilCancelled(t *testing.T) {
	f := setup(t)
	f.addJob("a", model.JobProcessing)
	f.addJob("b", model.JobProcessing)

	src := newSource(
		envelope(t, 1, model.JobEnvelope{JobID: "a", LeaseToken: "x"}),
		envelope(t, 2, model.JobEnvelope{JobID: "b", LeaseToken: "y"}),
	)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.consumer(src).Run(ctx) }()

	require.Eventually(t, func() bool { return len(src.commits()) == 2 }, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.ElementsMatch(t, []string{"a", "b"}, f.runner.ran())
}
