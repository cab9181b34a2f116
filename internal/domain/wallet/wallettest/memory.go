// Package wallettest provides an in-memory wallet.Repository for tests.
package wallettest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vendhub/vend-api/internal/domain/wallet"
)

// Store is a goroutine-safe in-memory ledger. Each Mutate call is atomic:
// fn works on a copy that is only stored when fn succeeds.
type Store struct {
	mu         sync.Mutex
	wallets    map[uuid.UUID]*wallet.Wallet
	entries    map[uuid.UUID][]*wallet.Entry
	references map[string]struct{}
	seq        int64

	DefaultDailyLimit int64
}

func NewStore() *Store {
	return &Store{
		wallets:    make(map[uuid.UUID]*wallet.Wallet),
		entries:    make(map[uuid.UUID][]*wallet.Entry),
		references: make(map[string]struct{}),
	}
}

// Tx runs units of work inline; the store itself serialises mutations.
type Tx struct{}

func (Tx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (s *Store) Mutate(_ context.Context, userID uuid.UUID, fn wallet.MutateFunc) (*wallet.Wallet, *wallet.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.wallets[userID]
	if !ok {
		now := time.Now().UTC()
		current = &wallet.Wallet{
			ID:         uuid.New(),
			UserID:     userID,
			DailyLimit: s.DefaultDailyLimit,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		s.wallets[userID] = current
	}

	next := *current
	entry, err := fn(&next)
	if err != nil {
		return nil, nil, err
	}
	if entry != nil {
		if _, dup := s.references[entry.Reference]; dup {
			return nil, nil, wallet.ErrDuplicateReference
		}
		s.seq++
		entry.Seq = s.seq
		s.references[entry.Reference] = struct{}{}
		stored := *entry
		s.entries[next.ID] = append(s.entries[next.ID], &stored)
	}
	next.UpdatedAt = time.Now().UTC()
	*current = next

	out := next
	return &out, entry, nil
}

func (s *Store) ReferenceExists(_ context.Context, reference string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.references[reference]
	return ok, nil
}

func (s *Store) GetByUserID(_ context.Context, userID uuid.UUID) (*wallet.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[userID]
	if !ok {
		return nil, wallet.ErrWalletNotFound
	}
	out := *w
	return &out, nil
}

func (s *Store) ListEntries(_ context.Context, walletID uuid.UUID, limit, offset int) ([]*wallet.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.copyEntries(walletID)
	sort.Slice(all, func(i, j int) bool { return all[i].Seq > all[j].Seq })
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func (s *Store) AllEntries(_ context.Context, walletID uuid.UUID) ([]*wallet.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyEntries(walletID), nil
}

// Tamper overwrites the running balance of the n-th entry of a wallet.
func (s *Store) Tamper(walletID uuid.UUID, n int, runningBalance int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[walletID][n].RunningBalance = runningBalance
}

func (s *Store) copyEntries(walletID uuid.UUID) []*wallet.Entry {
	src := s.entries[walletID]
	out := make([]*wallet.Entry, len(src))
	for i, e := range src {
		c := *e
		out[i] = &c
	}
	return out
}
