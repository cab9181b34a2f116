package idempotency_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vendhub/vend-api/internal/domain/idempotency"
	"github.com/vendhub/vend-api/internal/domain/idempotency/idempotencytest"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

var t0 = time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

type purchase struct {
	Product string `json:"product"`
	Amount  int64  `json:"amount"`
}

func newGuard(store idempotency.Store) *idempotency.Guard {
	return idempotency.NewGuard(store, fixedClock{now: t0}, idempotency.Config{
		LockTimeout: 30 * time.Second,
		Retention:   24 * time.Hour,
	})
}

func TestReplayReturnsIdenticalBytesWithoutReexecuting(t *testing.T) {
	guard := newGuard(idempotencytest.NewStore())
	ctx := context.Background()
	req := idempotency.Request{Operation: "order.create", Key: "k-1", Payload: purchase{"MTN-100", 100}}

	var calls int32
	fn := func(ctx context.Context) (interface{}, error) {
		n := atomic.AddInt32(&calls, 1)
		return map[string]interface{}{"order": "ORD-00000001", "call": n}, nil
	}

	first, err := guard.Execute(ctx, req, fn)
	if err != nil {
		t.Fatalf("first execute failed: %v", err)
	}
	second, err := guard.Execute(ctx, req, fn)
	if err != nil {
		t.Fatalf("second execute failed: %v", err)
	}

	if calls != 1 {
		t.Fatalf("expected one execution, got %d", calls)
	}
	if !second.Replayed || first.Replayed {
		t.Fatalf("unexpected replay flags: first=%v second=%v", first.Replayed, second.Replayed)
	}
	if !bytes.Equal(first.Response, second.Response) {
		t.Fatalf("replayed response differs:\n%s\n%s", first.Response, second.Response)
	}
}

func TestPendingKeyRejectsConcurrentCaller(t *testing.T) {
	store := idempotencytest.NewStore()
	store.Put(idempotency.Record{
		Key: "k-2", Operation: "order.create", Status: idempotency.StatusPending,
		RequestHash: mustHash(t, "order.create", purchase{"GLO-50", 50}),
		LockedAt:    t0.Add(-5 * time.Second), ExpiresAt: t0.Add(time.Hour),
	})
	guard := newGuard(store)

	_, err := guard.Execute(context.Background(),
		idempotency.Request{Operation: "order.create", Key: "k-2", Payload: purchase{"GLO-50", 50}},
		func(ctx context.Context) (interface{}, error) {
			t.Fatal("operation must not run while key is held")
			return nil, nil
		})
	if !errors.Is(err, idempotency.ErrConcurrentRequest) {
		t.Fatalf("expected ErrConcurrentRequest, got %v", err)
	}
}

func TestAbandonedPendingKeyIsReclaimed(t *testing.T) {
	store := idempotencytest.NewStore()
	store.Put(idempotency.Record{
		Key: "k-3", Operation: "order.create", Status: idempotency.StatusPending,
		RequestHash: mustHash(t, "order.create", purchase{"GLO-50", 50}),
		LockedAt:    t0.Add(-2 * time.Minute), ExpiresAt: t0.Add(time.Hour),
	})
	guard := newGuard(store)

	res, err := guard.Execute(context.Background(),
		idempotency.Request{Operation: "order.create", Key: "k-3", Payload: purchase{"GLO-50", 50}},
		func(ctx context.Context) (interface{}, error) { return "done", nil })
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if string(res.Response) != `"done"` {
		t.Fatalf("unexpected response %s", res.Response)
	}

	rec, _ := store.Get(context.Background(), "k-3")
	if rec.Status != idempotency.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", rec.Status)
	}
}

func TestFailedOperationIsRecordedAndRetryable(t *testing.T) {
	store := idempotencytest.NewStore()
	guard := newGuard(store)
	ctx := context.Background()
	req := idempotency.Request{Operation: "order.create", Key: "k-4", Payload: purchase{"MTN-100", 100}}
	boom := errors.New("insufficient wallet balance")

	if _, err := guard.Execute(ctx, req, func(ctx context.Context) (interface{}, error) { return nil, boom }); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
	rec, _ := store.Get(ctx, "k-4")
	if rec.Status != idempotency.StatusFailed || rec.Error != boom.Error() {
		t.Fatalf("expected FAILED record with error, got %+v", rec)
	}

	res, err := guard.Execute(ctx, req, func(ctx context.Context) (interface{}, error) { return 1, nil })
	if err != nil || res.Replayed {
		t.Fatalf("expected fresh execution after failure, got res=%+v err=%v", res, err)
	}
}

func TestKeyReuseWithDifferentPayload(t *testing.T) {
	guard := newGuard(idempotencytest.NewStore())
	ctx := context.Background()
	ok := func(ctx context.Context) (interface{}, error) { return "ok", nil }

	if _, err := guard.Execute(ctx, idempotency.Request{Operation: "order.create", Key: "k-5", Payload: purchase{"A", 1}}, ok); err != nil {
		t.Fatalf("first execute failed: %v", err)
	}
	_, err := guard.Execute(ctx, idempotency.Request{Operation: "order.create", Key: "k-5", Payload: purchase{"A", 2}}, ok)
	if !errors.Is(err, idempotency.ErrKeyReused) {
		t.Fatalf("expected ErrKeyReused, got %v", err)
	}
}

func TestConcurrentCallersOnlyOneWins(t *testing.T) {
	guard := newGuard(idempotencytest.NewStore())
	ctx := context.Background()
	req := idempotency.Request{Operation: "order.create", Key: "k-6", Payload: purchase{"A", 1}}

	release := make(chan struct{})
	var executions int32
	var wg sync.WaitGroup
	errs := make(chan error, 8)

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := guard.Execute(ctx, req, func(ctx context.Context) (interface{}, error) {
				atomic.AddInt32(&executions, 1)
				<-release
				return "ok", nil
			})
			errs <- err
		}()
	}

	// Let the winner hold the key while the others arrive.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	if executions != 1 {
		t.Fatalf("expected exactly one execution, got %d", executions)
	}
	for err := range errs {
		if err != nil && !errors.Is(err, idempotency.ErrConcurrentRequest) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
}

func TestCleanupDeletesExpiredRecords(t *testing.T) {
	store := idempotencytest.NewStore()
	store.Put(idempotency.Record{Key: "old", Status: idempotency.StatusCompleted, ExpiresAt: t0.Add(-time.Minute)})
	store.Put(idempotency.Record{Key: "new", Status: idempotency.StatusCompleted, ExpiresAt: t0.Add(time.Minute)})

	deleted, err := idempotency.NewCleanupJob(store, fixedClock{now: t0}).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deleted, got %d", deleted)
	}
	if _, err := store.Get(context.Background(), "new"); err != nil {
		t.Fatalf("unexpired record removed: %v", err)
	}
}

func TestDeriveKeyBuckets(t *testing.T) {
	op := purchase{"MTN-100", 100}
	a, _ := idempotency.DeriveKey("user-1", "order.create", op, 10*time.Second, t0.Add(1*time.Second))
	b, _ := idempotency.DeriveKey("user-1", "order.create", op, 10*time.Second, t0.Add(9*time.Second))
	c, _ := idempotency.DeriveKey("user-1", "order.create", op, 10*time.Second, t0.Add(11*time.Second))
	d, _ := idempotency.DeriveKey("user-2", "order.create", op, 10*time.Second, t0.Add(1*time.Second))

	if a != b {
		t.Fatal("same bucket produced different keys")
	}
	if a == c {
		t.Fatal("next bucket produced the same key")
	}
	if a == d {
		t.Fatal("different callers produced the same key")
	}
}

func mustHash(t *testing.T, op string, payload interface{}) string {
	t.Helper()
	h, err := idempotency.HashRequest(op, payload)
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	return h
}
