package wallet

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/vendhub/vend-api/internal/pkg/apperr"
	"github.com/vendhub/vend-api/internal/pkg/database"
)

// MutateFunc changes a locked wallet in place and returns the ledger entry
// to append, or nil when the balance is not affected.
type MutateFunc func(w *Wallet) (*Entry, error)

// Repository persists wallets and their ledger. Mutate must be called
// inside a transaction started by a database.Transactor.
type Repository interface {
	// Mutate locks the user's wallet row, creating it on first use, applies fn
	// and writes the returned entry together with the new wallet snapshot.
	Mutate(ctx context.Context, userID uuid.UUID, fn MutateFunc) (*Wallet, *Entry, error)
	ReferenceExists(ctx context.Context, reference string) (bool, error)
	GetByUserID(ctx context.Context, userID uuid.UUID) (*Wallet, error)
	ListEntries(ctx context.Context, walletID uuid.UUID, limit, offset int) ([]*Entry, error)
	// AllEntries returns every entry in creation order.
	AllEntries(ctx context.Context, walletID uuid.UUID) ([]*Entry, error)
}

const walletColumns = `id, user_id, balance, locked_balance, daily_limit, daily_spent,
	daily_window_start, frozen, frozen_reason, created_at, updated_at`

const entryColumns = `id, seq, wallet_id, amount, running_balance, type, reference,
	metadata, checksum, created_at`

type repository struct {
	db                *sqlx.DB
	defaultDailyLimit int64
}

// NewRepository creates a Postgres wallet repository. New wallets start
// with defaultDailyLimit (0 = unlimited).
func NewRepository(db *sqlx.DB, defaultDailyLimit int64) Repository {
	return &repository{db: db, defaultDailyLimit: defaultDailyLimit}
}

func (r *repository) Mutate(ctx context.Context, userID uuid.UUID, fn MutateFunc) (*Wallet, *Entry, error) {
	conn := database.Conn(ctx, r.db)

	if _, err := conn.ExecContext(ctx, `
		INSERT INTO wallets (id, user_id, daily_limit)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO NOTHING
	`, uuid.New(), userID, r.defaultDailyLimit); err != nil {
		return nil, nil, fmt.Errorf("%w: ensure wallet: %w", apperr.Internal, err)
	}

	var w Wallet
	if err := sqlx.GetContext(ctx, conn, &w,
		`SELECT `+walletColumns+` FROM wallets WHERE user_id = $1 FOR UPDATE`, userID); err != nil {
		return nil, nil, fmt.Errorf("%w: lock wallet: %w", apperr.Internal, err)
	}

	entry, err := fn(&w)
	if err != nil {
		return nil, nil, err
	}

	if entry != nil {
		err := sqlx.GetContext(ctx, conn, &entry.Seq, `
			INSERT INTO ledger_entries (id, wallet_id, amount, running_balance, type, reference, metadata, checksum, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING seq
		`, entry.ID, entry.WalletID, entry.Amount, entry.RunningBalance, entry.Type,
			entry.Reference, entry.Metadata, entry.Checksum, entry.CreatedAt)
		if err != nil {
			if database.IsUniqueViolation(err) {
				return nil, nil, ErrDuplicateReference
			}
			return nil, nil, fmt.Errorf("%w: insert ledger entry: %w", apperr.Internal, err)
		}
	}

	if err := sqlx.GetContext(ctx, conn, &w.UpdatedAt, `
		UPDATE wallets
		SET balance = $2, locked_balance = $3, daily_spent = $4, daily_window_start = $5,
			frozen = $6, frozen_reason = $7, updated_at = now()
		WHERE id = $1
		RETURNING updated_at
	`, w.ID, w.Balance, w.LockedBalance, w.DailySpent, w.DailyWindowStart, w.Frozen, w.FrozenReason); err != nil {
		return nil, nil, fmt.Errorf("%w: update wallet: %w", apperr.Internal, err)
	}

	return &w, entry, nil
}

func (r *repository) ReferenceExists(ctx context.Context, reference string) (bool, error) {
	var exists bool
	err := sqlx.GetContext(ctx, database.Conn(ctx, r.db), &exists,
		`SELECT EXISTS (SELECT 1 FROM ledger_entries WHERE reference = $1)`, reference)
	if err != nil {
		return false, fmt.Errorf("%w: check reference: %w", apperr.Internal, err)
	}
	return exists, nil
}

func (r *repository) GetByUserID(ctx context.Context, userID uuid.UUID) (*Wallet, error) {
	var w Wallet
	err := sqlx.GetContext(ctx, database.Conn(ctx, r.db), &w,
		`SELECT `+walletColumns+` FROM wallets WHERE user_id = $1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get wallet: %w", apperr.Internal, err)
	}
	return &w, nil
}

func (r *repository) ListEntries(ctx context.Context, walletID uuid.UUID, limit, offset int) ([]*Entry, error) {
	var entries []*Entry
	err := sqlx.SelectContext(ctx, database.Conn(ctx, r.db), &entries, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE wallet_id = $1
		ORDER BY seq DESC
		LIMIT $2 OFFSET $3
	`, walletID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: list entries: %w", apperr.Internal, err)
	}
	return entries, nil
}

func (r *repository) AllEntries(ctx context.Context, walletID uuid.UUID) ([]*Entry, error) {
	var entries []*Entry
	err := sqlx.SelectContext(ctx, database.Conn(ctx, r.db), &entries,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE wallet_id = $1 ORDER BY seq ASC`, walletID)
	if err != nil {
		return nil, fmt.Errorf("%w: replay entries: %w", apperr.Internal, err)
	}
	return entries, nil
}
