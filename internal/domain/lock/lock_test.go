package lock_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/vendhub/vend-api/internal/domain/lock"
)

type memStore struct {
	mu    sync.Mutex
	locks map[uuid.UUID]struct {
		owner   lock.Owner
		expires time.Time
	}
	releases int32
}

func newMemStore() *memStore {
	return &memStore{locks: make(map[uuid.UUID]struct {
		owner   lock.Owner
		expires time.Time
	})}
}

func (s *memStore) TryClaim(_ context.Context, id uuid.UUID, owner lock.Owner, now, expiresAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.locks[id]; ok && !cur.expires.Before(now) {
		return false, nil
	}
	s.locks[id] = struct {
		owner   lock.Owner
		expires time.Time
	}{owner, expiresAt}
	return true, nil
}

func (s *memStore) Release(_ context.Context, id uuid.UUID, owner lock.Owner) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	atomic.AddInt32(&s.releases, 1)
	if cur, ok := s.locks[id]; ok && cur.owner == owner {
		delete(s.locks, id)
	}
	return nil
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestBusyLockTimesOut(t *testing.T) {
	store := newMemStore()
	clk := &stepClock{now: time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)}
	mgr := lock.NewManager(store, clk, lock.Config{TTL: time.Minute, Attempts: 3, Interval: time.Millisecond})
	id := uuid.New()

	if _, err := mgr.Acquire(context.Background(), id, "worker-a"); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	_, err := mgr.Acquire(context.Background(), id, "worker-b")
	if !errors.Is(err, lock.ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
}

func TestExpiredLockIsAvailable(t *testing.T) {
	store := newMemStore()
	clk := &stepClock{now: time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)}
	mgr := lock.NewManager(store, clk, lock.Config{TTL: time.Minute, Attempts: 1, Interval: time.Millisecond})
	id := uuid.New()

	if _, err := mgr.Acquire(context.Background(), id, "crashed-worker"); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	clk.Advance(2 * time.Minute)

	lease, err := mgr.Acquire(context.Background(), id, "worker-b")
	if err != nil {
		t.Fatalf("expected stale lock to be claimable, got %v", err)
	}
	if lease.Owner != "worker-b" {
		t.Fatalf("unexpected owner %s", lease.Owner)
	}
}

func TestWithLockAlwaysReleases(t *testing.T) {
	store := newMemStore()
	mgr := lock.NewManager(store, nil, lock.Config{Attempts: 1, Interval: time.Millisecond})
	id := uuid.New()
	boom := errors.New("provider exploded")

	err := mgr.WithLock(context.Background(), id, "worker-a", func(ctx context.Context) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected business error, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	_ = mgr.WithLock(ctx, id, "worker-a", func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	})

	if store.releases != 2 {
		t.Fatalf("expected 2 releases, got %d", store.releases)
	}
	if err := mgr.WithLock(context.Background(), id, "worker-b", func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("lock leaked: %v", err)
	}
}

func TestConcurrentClaimantsOnlyOneWins(t *testing.T) {
	store := newMemStore()
	mgr := lock.NewManager(store, nil, lock.Config{TTL: time.Minute, Attempts: 1, Interval: time.Millisecond})
	id := uuid.New()

	var wins, timeouts int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for _, owner := range []lock.Owner{"dispatcher-1", "dispatcher-2"} {
		wg.Add(1)
		go func(owner lock.Owner) {
			defer wg.Done()
			<-start
			_, err := mgr.Acquire(context.Background(), id, owner)
			switch {
			case err == nil:
				atomic.AddInt32(&wins, 1)
			case errors.Is(err, lock.ErrLockTimeout):
				atomic.AddInt32(&timeouts, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(owner)
	}
	close(start)
	wg.Wait()

	if wins != 1 || timeouts != 1 {
		t.Fatalf("expected one winner and one timeout, got wins=%d timeouts=%d", wins, timeouts)
	}
}

func TestNewOwnerIsUnique(t *testing.T) {
	a, b := lock.NewOwner("worker"), lock.NewOwner("worker")
	if a == b {
		t.Fatalf("owners collide: %s", a)
	}
}
