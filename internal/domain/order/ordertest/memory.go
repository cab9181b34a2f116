// Package ordertest provides an in-memory order.Repository that also
// implements lock.Store over the same items, as order_items does in Postgres.
package ordertest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vendhub/vend-api/internal/domain/lock"
	"github.com/vendhub/vend-api/internal/domain/order"
)

type state struct {
	groups      map[uuid.UUID]order.Group
	groupItems  map[uuid.UUID][]uuid.UUID
	items       map[uuid.UUID]order.Item
	transitions []order.Transition
}

func (s state) clone() state {
	c := state{
		groups:      make(map[uuid.UUID]order.Group, len(s.groups)),
		groupItems:  make(map[uuid.UUID][]uuid.UUID, len(s.groupItems)),
		items:       make(map[uuid.UUID]order.Item, len(s.items)),
		transitions: append([]order.Transition(nil), s.transitions...),
	}
	for k, v := range s.groups {
		c.groups[k] = v
	}
	for k, v := range s.groupItems {
		c.groupItems[k] = append([]uuid.UUID(nil), v...)
	}
	for k, v := range s.items {
		c.items[k] = v
	}
	return c
}

// Store keeps everything in maps. WithinTx serialises units of work and
// restores the previous state when one fails.
type Store struct {
	txMu sync.Mutex
	mu   sync.Mutex
	st   state
	seq  int64
}

func NewStore() *Store {
	return &Store{st: state{
		groups:     make(map[uuid.UUID]order.Group),
		groupItems: make(map[uuid.UUID][]uuid.UUID),
		items:      make(map[uuid.UUID]order.Item),
	}}
}

type txKey struct{}

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	snapshot := s.st.clone()
	s.mu.Unlock()

	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		s.mu.Lock()
		// Lock columns are written outside transactions and survive a rollback.
		for id, it := range snapshot.items {
			if cur, ok := s.st.items[id]; ok {
				it.LockedBy = cur.LockedBy
				it.LockExpiresAt = cur.LockExpiresAt
				snapshot.items[id] = it
			}
		}
		s.st = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Store) NextSequence(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq, nil
}

func (s *Store) CreateGroup(_ context.Context, g *order.Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.st.groups {
		if existing.IdempotencyKey == g.IdempotencyKey {
			return order.ErrDuplicateOrder
		}
	}
	stored := *g
	stored.Items = nil
	s.st.groups[g.ID] = stored
	ids := make([]uuid.UUID, 0, len(g.Items))
	for _, it := range g.Items {
		s.st.items[it.ID] = *it
		ids = append(ids, it.ID)
	}
	s.st.groupItems[g.ID] = ids
	return nil
}

func (s *Store) MarkDeducted(_ context.Context, groupID uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.st.groups[groupID]
	if !ok || g.WalletDeducted {
		return fmt.Errorf("group %s missing or already deducted", groupID)
	}
	g.WalletDeducted = true
	g.DeductedAt = &at
	g.UpdatedAt = at
	s.st.groups[groupID] = g
	return nil
}

func (s *Store) GetGroup(_ context.Context, id uuid.UUID) (*order.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.groupLocked(id)
}

func (s *Store) GetGroupByIdempotencyKey(_ context.Context, key string) (*order.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, g := range s.st.groups {
		if g.IdempotencyKey == key {
			return s.groupLocked(id)
		}
	}
	return nil, order.ErrOrderNotFound
}

func (s *Store) groupLocked(id uuid.UUID) (*order.Group, error) {
	g, ok := s.st.groups[id]
	if !ok {
		return nil, order.ErrOrderNotFound
	}
	out := g
	out.Items = nil
	for _, itemID := range s.st.groupItems[id] {
		it := s.st.items[itemID]
		out.Items = append(out.Items, &it)
	}
	out.Status = order.AggregateStatus(out.Items)
	return &out, nil
}

func (s *Store) GetItem(_ context.Context, id uuid.UUID) (*order.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.st.items[id]
	if !ok {
		return nil, order.ErrItemNotFound
	}
	return &it, nil
}

func (s *Store) UpdateItem(_ context.Context, it *order.Item, expected order.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.st.items[it.ID]
	if !ok || cur.Status != expected {
		return fmt.Errorf("%w: item %s is no longer %s", order.ErrInvalidTransition, it.ID, expected)
	}
	next := *it
	next.LockedBy = cur.LockedBy
	next.LockExpiresAt = cur.LockExpiresAt
	s.st.items[it.ID] = next
	return nil
}

func (s *Store) AppendTransition(_ context.Context, t *order.Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.transitions = append(s.st.transitions, *t)
	return nil
}

func (s *Store) ListTransitions(_ context.Context, itemID uuid.UUID) ([]*order.Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*order.Transition
	for _, t := range s.st.transitions {
		if t.ItemID == itemID {
			t := t
			out = append(out, &t)
		}
	}
	return out, nil
}

func (s *Store) ListDispatchable(_ context.Context, now time.Time, maxRetries, limit int) ([]*order.Item, error) {
	return s.filter(limit, func(it order.Item) bool {
		return it.Status == order.StatusQueued &&
			it.ProviderRef == "" &&
			(it.NextRetryAt == nil || !it.NextRetryAt.After(now)) &&
			it.RetryCount < maxRetries &&
			lockFree(it, now)
	}), nil
}

func (s *Store) ListInFlight(_ context.Context, sentBefore time.Time, limit int) ([]*order.Item, error) {
	return s.filter(limit, func(it order.Item) bool {
		return it.Status == order.StatusSent && it.RequestRef != "" &&
			it.SentAt != nil && it.SentAt.Before(sentBefore) &&
			it.LockedBy == nil
	}), nil
}

func (s *Store) ListStaleLocked(_ context.Context, now time.Time, limit int) ([]*order.Item, error) {
	return s.filter(limit, func(it order.Item) bool {
		return it.Status == order.StatusLocked && lockFree(it, now)
	}), nil
}

func (s *Store) ListUnrefunded(_ context.Context, limit int) ([]*order.Item, error) {
	return s.filter(limit, func(it order.Item) bool {
		return (it.Status == order.StatusFailed || it.Status == order.StatusCancelled) && it.RefundedAt == nil
	}), nil
}

func (s *Store) filter(limit int, keep func(order.Item) bool) []*order.Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*order.Item
	for _, it := range s.st.items {
		if keep(it) {
			it := it
			out = append(out, &it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func lockFree(it order.Item, now time.Time) bool {
	return it.LockedBy == nil || (it.LockExpiresAt != nil && it.LockExpiresAt.Before(now))
}

// TryClaim implements lock.Store on the item row.
func (s *Store) TryClaim(_ context.Context, id uuid.UUID, owner lock.Owner, now, expiresAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.st.items[id]
	if !ok || !lockFree(it, now) {
		return false, nil
	}
	holder := string(owner)
	it.LockedBy = &holder
	it.LockExpiresAt = &expiresAt
	s.st.items[id] = it
	return true, nil
}

func (s *Store) Release(_ context.Context, id uuid.UUID, owner lock.Owner) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.st.items[id]
	if !ok || it.LockedBy == nil || *it.LockedBy != string(owner) {
		return nil
	}
	it.LockedBy = nil
	it.LockExpiresAt = nil
	s.st.items[id] = it
	return nil
}

// Seize marks an item locked by someone else, as a crashed worker would leave it.
func (s *Store) Seize(id uuid.UUID, owner lock.Owner, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it := s.st.items[id]
	holder := string(owner)
	it.LockedBy = &holder
	it.LockExpiresAt = &expiresAt
	s.st.items[id] = it
}

// Put overwrites an item, lock columns included.
func (s *Store) Put(it *order.Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.items[it.ID] = *it
}
