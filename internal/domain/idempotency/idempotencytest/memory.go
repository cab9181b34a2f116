// Package idempotencytest provides an in-memory idempotency.Store.
package idempotencytest

import (
	"context"
	"sync"
	"time"

	"github.com/vendhub/vend-api/internal/domain/idempotency"
)

type Store struct {
	mu      sync.Mutex
	records map[string]*idempotency.Record

	// FailComplete makes Complete return this error when set.
	FailComplete error
}

func NewStore() *Store {
	return &Store{records: make(map[string]*idempotency.Record)}
}

func (s *Store) Insert(_ context.Context, rec *idempotency.Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.Key]; ok {
		return false, nil
	}
	c := *rec
	c.Status = idempotency.StatusPending
	c.CreatedAt = rec.LockedAt
	c.UpdatedAt = rec.LockedAt
	s.records[rec.Key] = &c
	return true, nil
}

func (s *Store) Get(_ context.Context, key string) (*idempotency.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return nil, idempotency.ErrRecordNotFound
	}
	c := *rec
	c.Response = append([]byte(nil), rec.Response...)
	return &c, nil
}

func (s *Store) Reclaim(_ context.Context, rec *idempotency.Record, staleBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[rec.Key]
	if !ok {
		return false, nil
	}
	stale := cur.Status == idempotency.StatusPending && cur.LockedAt.Before(staleBefore)
	if cur.Status != idempotency.StatusFailed && !cur.ExpiresAt.Before(rec.LockedAt) && !stale {
		return false, nil
	}
	cur.Operation = rec.Operation
	cur.RequestHash = rec.RequestHash
	cur.Status = idempotency.StatusPending
	cur.Response = nil
	cur.Error = ""
	cur.LockedAt = rec.LockedAt
	cur.ExpiresAt = rec.ExpiresAt
	return true, nil
}

func (s *Store) Complete(_ context.Context, key string, response []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailComplete != nil {
		return s.FailComplete
	}
	if rec, ok := s.records[key]; ok {
		rec.Status = idempotency.StatusCompleted
		rec.Response = append([]byte(nil), response...)
	}
	return nil
}

func (s *Store) Fail(_ context.Context, key, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[key]; ok {
		rec.Status = idempotency.StatusFailed
		rec.Error = message
	}
	return nil
}

func (s *Store) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, rec := range s.records {
		if rec.ExpiresAt.Before(now) {
			delete(s.records, k)
			n++
		}
	}
	return n, nil
}

// Put stores rec as-is, for arranging stale or failed records.
func (s *Store) Put(rec idempotency.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Key] = &rec
}
