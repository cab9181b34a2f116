// Package fundingtest provides an in-memory funding.Repository.
package fundingtest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vendhub/vend-api/internal/domain/funding"
)

// Store serialises units of work through WithinTx, which stands in for
// SELECT ... FOR UPDATE. Failed units are rolled back.
type Store struct {
	txMu         sync.Mutex
	mu           sync.Mutex
	transactions map[uuid.UUID]funding.Transaction
	events       []funding.Event
}

func NewStore() *Store {
	return &Store{transactions: make(map[uuid.UUID]funding.Transaction)}
}

type txKey struct{}

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	snapshot := make(map[uuid.UUID]funding.Transaction, len(s.transactions))
	for k, v := range s.transactions {
		snapshot[k] = v
	}
	events := len(s.events)
	s.mu.Unlock()

	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		s.mu.Lock()
		s.transactions = snapshot
		s.events = s.events[:events]
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Store) Create(_ context.Context, t *funding.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transactions[t.ID] = *t
	return nil
}

func (s *Store) Get(_ context.Context, id uuid.UUID) (*funding.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transactions[id]
	if !ok {
		return nil, funding.ErrNotFound
	}
	return &t, nil
}

func (s *Store) GetForUpdate(ctx context.Context, id uuid.UUID) (*funding.Transaction, error) {
	return s.Get(ctx, id)
}

func (s *Store) Update(_ context.Context, t *funding.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.transactions[t.ID]; !ok {
		return funding.ErrNotFound
	}
	s.transactions[t.ID] = *t
	return nil
}

func (s *Store) List(_ context.Context, status funding.Status, limit, offset int) ([]*funding.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*funding.Transaction
	for _, t := range s.transactions {
		if status == "" || t.Status == status {
			t := t
			out = append(out, &t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListExpired(_ context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []uuid.UUID
	for id, t := range s.transactions {
		if t.Status.IsOpen() && t.ExpiresAt.Before(now) {
			ids = append(ids, id)
		}
	}
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (s *Store) AppendEvent(_ context.Context, e *funding.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *e)
	return nil
}

func (s *Store) ListEvents(_ context.Context, transactionID uuid.UUID) ([]*funding.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*funding.Event
	for _, e := range s.events {
		if e.TransactionID == transactionID {
			e := e
			out = append(out, &e)
		}
	}
	return out, nil
}
