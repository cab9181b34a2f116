package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

type memRepo struct {
	mu           sync.Mutex
	entries      map[uuid.UUID]*Entry
	failInsert   error
	failComplete error
}

func newMemRepo() *memRepo {
	return &memRepo{entries: make(map[uuid.UUID]*Entry)}
}

func (r *memRepo) Insert(_ context.Context, e *Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failInsert != nil {
		return r.failInsert
	}
	c := *e
	r.entries[e.ID] = &c
	return nil
}

func (r *memRepo) Complete(_ context.Context, e *Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failComplete != nil {
		return r.failComplete
	}
	c := *e
	r.entries[e.ID] = &c
	return nil
}

func (r *memRepo) ListByItem(_ context.Context, itemID uuid.UUID) ([]*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Entry
	for _, e := range r.entries {
		if e.ItemID == itemID {
			out = append(out, e)
		}
	}
	return out, nil
}

type memArchiver struct {
	keys []string
}

func (a *memArchiver) Archive(_ context.Context, key string, body []byte, _ string) (string, error) {
	a.keys = append(a.keys, key)
	return "mem://" + key, nil
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func TestBeginRecordsRequestAndHash(t *testing.T) {
	repo := newMemRepo()
	l := NewLogger(repo, nil, fixedClock{now: time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC)})
	itemID := uuid.New()
	req := []byte(`{"reference":"R-1"}`)

	e, err := l.Begin(context.Background(), Call{ItemID: itemID, Provider: "sandbox", Operation: "place_order", RequestRef: "R-1", Request: req})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	sum := sha256.Sum256(req)
	if e.RequestHash != hex.EncodeToString(sum[:]) {
		t.Fatalf("unexpected request hash %s", e.RequestHash)
	}
	stored, _ := repo.ListByItem(context.Background(), itemID)
	if len(stored) != 1 || stored[0].CompletedAt != nil {
		t.Fatalf("expected one open audit row, got %+v", stored)
	}
}

func TestBeginFailureIsReturned(t *testing.T) {
	repo := newMemRepo()
	repo.failInsert = errors.New("db down")
	l := NewLogger(repo, nil, nil)

	if _, err := l.Begin(context.Background(), Call{ItemID: uuid.New()}); err == nil {
		t.Fatal("expected begin to fail")
	}
}

func TestCompleteArchivesAndCloses(t *testing.T) {
	repo := newMemRepo()
	arch := &memArchiver{}
	l := NewLogger(repo, arch, fixedClock{now: time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC)})
	ctx := context.Background()

	e, err := l.Begin(ctx, Call{ItemID: uuid.New(), Provider: "sandbox", Operation: "place_order", Request: []byte(`{}`)})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	resp := []byte(`{"status":"done"}`)
	l.Complete(ctx, e, Result{Response: resp, StatusCode: 200, Outcome: "COMPLETED", Elapsed: 1500 * time.Millisecond})

	stored, _ := repo.ListByItem(ctx, e.ItemID)
	got := stored[0]
	if got.CompletedAt == nil || got.DurationMs != 1500 || got.Outcome != "COMPLETED" {
		t.Fatalf("audit row not completed: %+v", got)
	}
	sum := sha256.Sum256(resp)
	if got.ResponseHash != hex.EncodeToString(sum[:]) {
		t.Fatalf("unexpected response hash %q", got.ResponseHash)
	}
	if got.StatusCode != 200 {
		t.Fatalf("expected status code 200, got %d", got.StatusCode)
	}
	if len(arch.keys) != 1 || !strings.HasPrefix(arch.keys[0], "2026/10/15/") || got.ArchiveKey != "mem://"+arch.keys[0] {
		t.Fatalf("unexpected archive: keys=%v row=%s", arch.keys, got.ArchiveKey)
	}
}

func TestCompleteSwallowsErrors(t *testing.T) {
	repo := newMemRepo()
	l := NewLogger(repo, nil, nil)
	ctx := context.Background()

	e, err := l.Begin(ctx, Call{ItemID: uuid.New(), Request: []byte(`{}`)})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	repo.failComplete = errors.New("db down")
	l.Complete(ctx, e, Result{Err: errors.New("timeout")})
	l.Complete(ctx, nil, Result{})
}
