package funding

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/vendhub/vend-api/internal/domain/wallet"
	"github.com/vendhub/vend-api/internal/pkg/clock"
	"github.com/vendhub/vend-api/internal/pkg/database"
	"github.com/vendhub/vend-api/internal/pkg/metrics"
	"github.com/vendhub/vend-api/internal/pkg/notify"
)

// Wallet is the part of the ledger wallet funding moves money through.
type Wallet interface {
	Lock(ctx context.Context, userID uuid.UUID, amount int64) (*wallet.Wallet, error)
	Unlock(ctx context.Context, userID uuid.UUID, amount int64) (*wallet.Wallet, error)
	SettleLocked(ctx context.Context, userID uuid.UUID, amount int64, reference string, meta wallet.Meta) (*wallet.Entry, error)
	Credit(ctx context.Context, userID uuid.UUID, amount int64, reference string, meta wallet.Meta) (*wallet.Entry, error)
}

type Service struct {
	repo     Repository
	tx       database.Transactor
	wallet   Wallet
	notifier notify.Sink
	clock    clock.Clock
	ttl      time.Duration
}

func NewService(repo Repository, tx database.Transactor, w Wallet, notifier notify.Sink, clk clock.Clock, ttl time.Duration) *Service {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{repo: repo, tx: tx, wallet: w, notifier: notifier, clock: clk, ttl: ttl}
}

// Initiate reserves the amount in the source wallet and opens a claim window.
func (s *Service) Initiate(ctx context.Context, in InitiateInput) (*Transaction, error) {
	if in.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if in.SourceUserID == in.TargetUserID {
		return nil, ErrSameWallet
	}

	now := s.clock.Now().UTC()
	t := &Transaction{
		ID:           uuid.New(),
		SourceUserID: in.SourceUserID,
		TargetUserID: in.TargetUserID,
		Amount:       in.Amount,
		Channel:      in.Channel,
		Note:         in.Note,
		Status:       StatusInitiated,
		InitiatedBy:  in.Actor,
		ExpiresAt:    now.Add(s.ttl),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if _, err := s.wallet.Lock(ctx, in.SourceUserID, in.Amount); err != nil {
			return err
		}
		if err := s.repo.Create(ctx, t); err != nil {
			return err
		}
		return s.event(ctx, t, "", in.Actor, in.Note)
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("funding_id", t.ID.String()).
		Str("source_user_id", t.SourceUserID.String()).
		Str("target_user_id", t.TargetUserID.String()).
		Int64("amount", t.Amount).
		Msg("funding initiated")
	return t, nil
}

// MarkSent records that the money was sent outside the system.
func (s *Service) MarkSent(ctx context.Context, id uuid.UUID, externalRef, note, actor string) (*Transaction, error) {
	return s.move(ctx, id, StatusPendingClaim, actor, note, func(ctx context.Context, t *Transaction, now time.Time) error {
		if t.Status != StatusInitiated {
			return ErrClosed
		}
		t.ExternalRef = externalRef
		if note != "" {
			t.Note = note
		}
		t.SentAt = &now
		return nil
	})
}

// Claim converts the locked amount into a real credit on the target wallet.
func (s *Service) Claim(ctx context.Context, id uuid.UUID, actor string) (*Transaction, error) {
	t, err := s.move(ctx, id, StatusClaimed, actor, "", func(ctx context.Context, t *Transaction, now time.Time) error {
		if _, err := s.wallet.SettleLocked(ctx, t.SourceUserID, t.Amount, "funding:"+t.ID.String()+":out", s.meta(t, wallet.EntryWithdrawal, actor)); err != nil {
			return err
		}
		if _, err := s.wallet.Credit(ctx, t.TargetUserID, t.Amount, "funding:"+t.ID.String(), s.meta(t, wallet.EntryDeposit, actor)); err != nil {
			return err
		}
		t.ClaimedBy = actor
		t.ClaimedAt = &now
		t.ClosedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("funding_id", t.ID.String()).
		Str("target_user_id", t.TargetUserID.String()).
		Int64("amount", t.Amount).
		Msg("funding claimed")
	s.notifier.Publish(ctx, notify.Event{
		Type:    notify.EventFundingClaimed,
		UserID:  t.TargetUserID,
		Subject: t.ID.String(),
		Data:    map[string]interface{}{"amount": t.Amount, "channel": t.Channel},
		At:      s.clock.Now(),
	})
	return t, nil
}

// Cancel releases the locked amount without crediting anyone.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, actor, reason string) (*Transaction, error) {
	return s.move(ctx, id, StatusCancelled, actor, reason, func(ctx context.Context, t *Transaction, now time.Time) error {
		if _, err := s.wallet.Unlock(ctx, t.SourceUserID, t.Amount); err != nil {
			return err
		}
		t.CancelReason = reason
		t.ClosedAt = &now
		return nil
	})
}

// ExpireStale releases every open transaction past its window.
func (s *Service) ExpireStale(ctx context.Context) (int, error) {
	ids, err := s.repo.ListExpired(ctx, s.clock.Now().UTC(), 100)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, id := range ids {
		_, err := s.move(ctx, id, StatusExpired, "system", "claim window elapsed", func(ctx context.Context, t *Transaction, now time.Time) error {
			if !now.After(t.ExpiresAt) {
				return ErrClosed
			}
			if _, err := s.wallet.Unlock(ctx, t.SourceUserID, t.Amount); err != nil {
				return err
			}
			t.ClosedAt = &now
			return nil
		})
		if err != nil {
			log.Warn().Err(err).Str("funding_id", id.String()).Msg("funding expiry skipped")
			continue
		}
		expired++
		metrics.FundingExpiredTotal.Inc()
	}
	if expired > 0 {
		log.Info().Int("expired", expired).Msg("Expired stale funding transactions")
	}
	return expired, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Transaction, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, status Status, limit, offset int) ([]*Transaction, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.repo.List(ctx, status, limit, offset)
}

func (s *Service) History(ctx context.Context, id uuid.UUID) ([]*Event, error) {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListEvents(ctx, id)
}

// move locks the row, rejects closed or expired transactions and runs fn
// before writing the new status, all in one transaction. Expiry itself is
// the only move allowed past the window.
func (s *Service) move(ctx context.Context, id uuid.UUID, to Status, actor, note string, fn func(ctx context.Context, t *Transaction, now time.Time) error) (*Transaction, error) {
	var out *Transaction
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		t, err := s.repo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		switch {
		case t.Status == StatusExpired:
			return ErrExpired
		case !t.Status.IsOpen():
			return ErrClosed
		}

		now := s.clock.Now().UTC()
		if to != StatusExpired && to != StatusCancelled && now.After(t.ExpiresAt) {
			return ErrExpired
		}

		from := t.Status
		if err := fn(ctx, t, now); err != nil {
			return err
		}
		t.Status = to
		t.UpdatedAt = now
		if err := s.repo.Update(ctx, t); err != nil {
			return err
		}
		if err := s.event(ctx, t, from, actor, note); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) event(ctx context.Context, t *Transaction, from Status, actor, note string) error {
	return s.repo.AppendEvent(ctx, &Event{
		ID:            uuid.New(),
		TransactionID: t.ID,
		From:          from,
		To:            t.Status,
		Actor:         actor,
		Note:          note,
		CreatedAt:     t.UpdatedAt,
	})
}

func (s *Service) meta(t *Transaction, entryType wallet.EntryType, actor string) wallet.Meta {
	return wallet.Meta{
		Type:        entryType,
		Description: "manual funding via " + t.Channel,
		RelatedType: "funding",
		RelatedID:   t.ID.String(),
		Actor:       actor,
	}
}
