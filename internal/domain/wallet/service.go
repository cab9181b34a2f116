package wallet

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/vendhub/vend-api/internal/pkg/clock"
	"github.com/vendhub/vend-api/internal/pkg/database"
	"github.com/vendhub/vend-api/internal/pkg/metrics"
)

type Service struct {
	repo  Repository
	tx    database.Transactor
	clock clock.Clock
	loc   *time.Location
}

// NewService creates the ledger wallet service. loc decides where the daily
// limit window resets at midnight; nil means UTC.
func NewService(repo Repository, tx database.Transactor, clk clock.Clock, loc *time.Location) *Service {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Service{repo: repo, tx: tx, clock: clk, loc: loc}
}

func (s *Service) Get(ctx context.Context, userID uuid.UUID) (*Wallet, error) {
	return s.repo.GetByUserID(ctx, userID)
}

func (s *Service) Entries(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*Entry, error) {
	w, err := s.repo.GetByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListEntries(ctx, w.ID, limit, offset)
}

// Credit adds funds. Default entry type is deposit.
func (s *Service) Credit(ctx context.Context, userID uuid.UUID, amount int64, reference string, meta Meta) (*Entry, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if reference == "" {
		return nil, ErrReferenceRequired
	}
	entryType, err := entryTypeOr(meta.Type, EntryDeposit)
	if err != nil {
		return nil, err
	}
	_, entry, err := s.mutate(ctx, userID, reference, func(w *Wallet) (*Entry, error) {
		if w.Frozen {
			return nil, ErrWalletFrozen
		}
		w.Balance += amount
		return s.newEntry(w, amount, entryType, reference, meta), nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("user_id", userID.String()).
		Int64("amount", amount).
		Str("reference", reference).
		Str("type", string(entryType)).
		Msg("wallet credit applied")
	return entry, nil
}

// Debit removes available (unlocked) funds. Default entry type is purchase.
func (s *Service) Debit(ctx context.Context, userID uuid.UUID, amount int64, reference string, meta Meta) (*Entry, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if reference == "" {
		return nil, ErrReferenceRequired
	}
	entryType, err := entryTypeOr(meta.Type, EntryPurchase)
	if err != nil {
		return nil, err
	}
	_, entry, err := s.mutate(ctx, userID, reference, func(w *Wallet) (*Entry, error) {
		if w.Frozen {
			return nil, ErrWalletFrozen
		}
		if w.Available() < amount {
			return nil, ErrInsufficientBalance
		}
		if err := chargeDailyLimit(w, amount, s.clock.Now(), s.loc); err != nil {
			return nil, err
		}
		w.Balance -= amount
		return s.newEntry(w, -amount, entryType, reference, meta), nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("user_id", userID.String()).
		Int64("amount", amount).
		Str("reference", reference).
		Str("type", string(entryType)).
		Msg("wallet debit applied")
	return entry, nil
}

// Lock reserves available funds without touching the ledger.
func (s *Service) Lock(ctx context.Context, userID uuid.UUID, amount int64) (*Wallet, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	w, _, err := s.mutate(ctx, userID, "", func(w *Wallet) (*Entry, error) {
		if w.Frozen {
			return nil, ErrWalletFrozen
		}
		if w.Available() < amount {
			return nil, ErrInsufficientBalance
		}
		w.LockedBalance += amount
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("user_id", userID.String()).Int64("amount", amount).Msg("wallet funds locked")
	return w, nil
}

// Unlock releases a previous reservation. It works on frozen wallets too:
// releasing a hold moves no money.
func (s *Service) Unlock(ctx context.Context, userID uuid.UUID, amount int64) (*Wallet, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	w, _, err := s.mutate(ctx, userID, "", func(w *Wallet) (*Entry, error) {
		if w.LockedBalance < amount {
			return nil, ErrExceedsLocked
		}
		w.LockedBalance -= amount
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("user_id", userID.String()).Int64("amount", amount).Msg("wallet funds unlocked")
	return w, nil
}

// SettleLocked turns reserved funds into a final ledger debit.
// Default entry type is withdrawal.
func (s *Service) SettleLocked(ctx context.Context, userID uuid.UUID, amount int64, reference string, meta Meta) (*Entry, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if reference == "" {
		return nil, ErrReferenceRequired
	}
	entryType, err := entryTypeOr(meta.Type, EntryWithdrawal)
	if err != nil {
		return nil, err
	}
	_, entry, err := s.mutate(ctx, userID, reference, func(w *Wallet) (*Entry, error) {
		if w.Frozen {
			return nil, ErrWalletFrozen
		}
		if w.LockedBalance < amount {
			return nil, ErrExceedsLocked
		}
		if err := chargeDailyLimit(w, amount, s.clock.Now(), s.loc); err != nil {
			return nil, err
		}
		w.LockedBalance -= amount
		w.Balance -= amount
		return s.newEntry(w, -amount, entryType, reference, meta), nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("user_id", userID.String()).
		Int64("amount", amount).
		Str("reference", reference).
		Msg("wallet locked funds settled")
	return entry, nil
}

func (s *Service) Freeze(ctx context.Context, userID uuid.UUID, reason string) (*Wallet, error) {
	w, _, err := s.mutate(ctx, userID, "", func(w *Wallet) (*Entry, error) {
		w.Frozen = true
		w.FrozenReason = reason
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	log.Warn().Str("user_id", userID.String()).Str("reason", reason).Msg("wallet frozen")
	return w, nil
}

func (s *Service) Unfreeze(ctx context.Context, userID uuid.UUID, reason string) (*Wallet, error) {
	w, _, err := s.mutate(ctx, userID, "", func(w *Wallet) (*Entry, error) {
		w.Frozen = false
		w.FrozenReason = ""
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("user_id", userID.String()).Str("reason", reason).Msg("wallet unfrozen")
	return w, nil
}

// Verify replays the full ledger of a wallet. It never mutates anything.
func (s *Service) Verify(ctx context.Context, userID uuid.UUID) (*Report, error) {
	w, err := s.repo.GetByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	entries, err := s.repo.AllEntries(ctx, w.ID)
	if err != nil {
		return nil, err
	}

	report := Replay(w, entries)
	if !report.IsValid {
		log.Error().
			Str("user_id", userID.String()).
			Str("reason", report.Mismatch.Reason).
			Int("position", report.Mismatch.Position).
			Int64("expected", report.Mismatch.Expected).
			Int64("recorded", report.Mismatch.Recorded).
			Msg("ledger verification failed")
	}
	return report, nil
}

func (s *Service) mutate(ctx context.Context, userID uuid.UUID, reference string, fn MutateFunc) (*Wallet, *Entry, error) {
	var (
		w     *Wallet
		entry *Entry
	)
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if reference != "" {
			exists, err := s.repo.ReferenceExists(ctx, reference)
			if err != nil {
				return err
			}
			if exists {
				return ErrDuplicateReference
			}
		}
		var err error
		w, entry, err = s.repo.Mutate(ctx, userID, fn)
		return err
	})
	if err != nil {
		if !errors.Is(err, ErrDuplicateReference) {
			log.Debug().Err(err).Str("user_id", userID.String()).Msg("wallet mutation rejected")
		}
		return nil, nil, err
	}
	if entry != nil {
		metrics.LedgerEntriesTotal.WithLabelValues(string(entry.Type)).Inc()
	}
	return w, entry, nil
}

func (s *Service) newEntry(w *Wallet, amount int64, entryType EntryType, reference string, meta Meta) *Entry {
	// Postgres keeps microseconds; the checksum must survive a round trip.
	createdAt := s.clock.Now().UTC().Truncate(time.Microsecond)
	meta.Type = entryType
	return &Entry{
		ID:             uuid.New(),
		WalletID:       w.ID,
		Amount:         amount,
		RunningBalance: w.Balance,
		Type:           entryType,
		Reference:      reference,
		Metadata:       meta,
		Checksum:       Checksum(w.ID, amount, reference, createdAt),
		CreatedAt:      createdAt,
	}
}

func entryTypeOr(t, def EntryType) (EntryType, error) {
	if t == "" {
		return def, nil
	}
	if !t.valid() {
		return "", ErrInvalidEntryType
	}
	return t, nil
}
