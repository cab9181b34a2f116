package lock

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/vendhub/vend-api/internal/pkg/apperr"
	"github.com/vendhub/vend-api/internal/pkg/clock"
	"github.com/vendhub/vend-api/internal/pkg/metrics"
)

var ErrLockTimeout = apperr.New(apperr.CodeLockTimeout, "could not acquire order lock")

// Owner identifies the process holding a lock. Generate it once at startup
// and pass it explicitly.
type Owner string

// NewOwner builds an identity from the host, pid and a random suffix so two
// processes on one host never collide.
func NewOwner(role string) Owner {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return Owner(fmt.Sprintf("%s:%s:%d:%s", role, host, os.Getpid(), uuid.NewString()[:8]))
}

// Store claims rows without blocking.
type Store interface {
	// TryClaim succeeds only if the resource is unlocked or its lock expired
	// before now; a row locked by a concurrent claimant counts as a loss.
	TryClaim(ctx context.Context, id uuid.UUID, owner Owner, now, expiresAt time.Time) (bool, error)
	// Release clears the lock if owner still holds it.
	Release(ctx context.Context, id uuid.UUID, owner Owner) error
}

type Config struct {
	TTL      time.Duration
	Attempts int
	Interval time.Duration
}

type Manager struct {
	store Store
	clock clock.Clock
	cfg   Config
}

func NewManager(store Store, clk clock.Clock, cfg Config) *Manager {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 2 * time.Minute
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 200 * time.Millisecond
	}
	return &Manager{store: store, clock: clk, cfg: cfg}
}

// Lease is a held lock.
type Lease struct {
	ID        uuid.UUID
	Owner     Owner
	ExpiresAt time.Time
	store     Store
}

// Acquire claims id for owner, retrying a bounded number of times.
func (m *Manager) Acquire(ctx context.Context, id uuid.UUID, owner Owner) (*Lease, error) {
	for attempt := 1; ; attempt++ {
		now := m.clock.Now()
		expiresAt := now.Add(m.cfg.TTL)
		ok, err := m.store.TryClaim(ctx, id, owner, now, expiresAt)
		if err != nil {
			return nil, err
		}
		if ok {
			metrics.LockContentionTotal.WithLabelValues("acquired").Inc()
			return &Lease{ID: id, Owner: owner, ExpiresAt: expiresAt, store: m.store}, nil
		}
		metrics.LockContentionTotal.WithLabelValues("busy").Inc()
		if attempt >= m.cfg.Attempts {
			log.Debug().Str("resource_id", id.String()).Str("owner", string(owner)).Msg("lock busy, giving up")
			return nil, ErrLockTimeout
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.cfg.Interval):
		}
	}
}

// Release frees the lease. It runs on a detached context so a cancelled
// request still releases its lock.
func (l *Lease) Release(ctx context.Context) error {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := l.store.Release(releaseCtx, l.ID, l.Owner); err != nil {
		log.Error().Err(err).Str("resource_id", l.ID.String()).Str("owner", string(l.Owner)).Msg("failed to release lock")
		return err
	}
	return nil
}

// WithLock runs fn while holding the lock on id; the lock is always released.
func (m *Manager) WithLock(ctx context.Context, id uuid.UUID, owner Owner, fn func(ctx context.Context) error) error {
	lease, err := m.Acquire(ctx, id, owner)
	if err != nil {
		return err
	}
	defer lease.Release(ctx)
	return fn(ctx)
}
