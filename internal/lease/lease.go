// Package lease provides the exclusive execution lease of a bulk job: a
// Redis key set with NX and a TTL, owned through a random token so only the
// holder can extend or release it. A crashed holder stops extending and the
// lease expires on its own.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmehdipour/msg-engine/internal/apperr"
	"github.com/redis/go-redis/v9"
)

// ErrLost is returned when the lease expired or another owner took it.
var ErrLost = errors.New("lease lost")

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

var extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end
`)

// Manager hands out leases keyed by job id.
type Manager struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

func NewManager(rdb *redis.Client, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Manager{rdb: rdb, prefix: "lease:bulk_job:", ttl: ttl}
}

// TTL is the lifetime of a lease between extensions.
func (m *Manager) TTL() time.Duration { return m.ttl }

func (m *Manager) key(jobID string) string { return m.prefix + jobID }

// Lease is one held lease.
type Lease struct {
	m     *Manager
	jobID string
	token string
}

func (l *Lease) JobID() string { return l.jobID }
func (l *Lease) Token() string { return l.token }

// Acquire takes the lease of jobID, failing with apperr.ErrAlreadyRunning
// when someone holds it.
func (m *Manager) Acquire(ctx context.Context, jobID string) (*Lease, error) {
	token := uuid.NewString()
	ok, err := m.rdb.SetNX(ctx, m.key(jobID), token, m.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", jobID, err)
	}
	if !ok {
		return nil, apperr.ErrAlreadyRunning
	}
	return &Lease{m: m, jobID: jobID, token: token}, nil
}

// Adopt takes over a lease acquired elsewhere (the starter hands its token
// to the executor through the job envelope). It fails with ErrLost when the
// token no longer owns the key.
func (m *Manager) Adopt(ctx context.Context, jobID, token string) (*Lease, error) {
	l := &Lease{m: m, jobID: jobID, token: token}
	if err := l.Extend(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

// Held reports whether anyone holds the lease of jobID.
func (m *Manager) Held(ctx context.Context, jobID string) (bool, error) {
	n, err := m.rdb.Exists(ctx, m.key(jobID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Extend pushes expiry another TTL out.
func (l *Lease) Extend(ctx context.Context) error {
	n, err := extendScript.Run(ctx, l.m.rdb, []string{l.m.key(l.jobID)}, l.token, l.m.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("extend lease %s: %w", l.jobID, err)
	}
	if n == 0 {
		return ErrLost
	}
	return nil
}

// Release drops the lease if still owned. Releasing a lost lease is a no-op.
func (l *Lease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.m.rdb, []string{l.m.key(l.jobID)}, l.token).Err(); err != nil {
		return fmt.Errorf("release lease %s: %w", l.jobID, err)
	}
	return nil
}

// KeepAlive extends l every third of the TTL until ctx ends. onLost is
// called once if an extension finds the lease gone.
func (l *Lease) KeepAlive(ctx context.Context, onLost func()) {
	t := time.NewTicker(l.m.ttl / 3)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := l.Extend(ctx); errors.Is(err, ErrLost) {
				if onLost != nil {
					onLost()
				}
				return
			}
		}
	}
}
