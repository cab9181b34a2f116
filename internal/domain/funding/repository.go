package funding

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/vendhub/vend-api/internal/pkg/apperr"
	"github.com/vendhub/vend-api/internal/pkg/database"
)

type Repository interface {
	Create(ctx context.Context, t *Transaction) error
	Get(ctx context.Context, id uuid.UUID) (*Transaction, error)
	// GetForUpdate locks the row until the surrounding transaction ends.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Transaction, error)
	Update(ctx context.Context, t *Transaction) error
	List(ctx context.Context, status Status, limit, offset int) ([]*Transaction, error)
	// ListExpired returns open transactions whose window ended before now.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
	AppendEvent(ctx context.Context, e *Event) error
	ListEvents(ctx context.Context, transactionID uuid.UUID) ([]*Event, error)
}

const transactionColumns = `id, source_user_id, target_user_id, amount, channel, external_ref, note,
	status, initiated_by, claimed_by, cancel_reason, expires_at, sent_at, claimed_at, closed_at,
	created_at, updated_at`

type repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) Repository {
	return &repository{db: db}
}

func (r *repository) Create(ctx context.Context, t *Transaction) error {
	_, err := sqlx.NamedExecContext(ctx, database.Conn(ctx, r.db), `
		INSERT INTO funding_transactions (`+transactionColumns+`)
		VALUES (:id, :source_user_id, :target_user_id, :amount, :channel, :external_ref, :note,
			:status, :initiated_by, :claimed_by, :cancel_reason, :expires_at, :sent_at, :claimed_at, :closed_at,
			:created_at, :updated_at)
	`, t)
	if err != nil {
		return fmt.Errorf("%w: create funding transaction: %w", apperr.Internal, err)
	}
	return nil
}

func (r *repository) Get(ctx context.Context, id uuid.UUID) (*Transaction, error) {
	return r.get(ctx, `SELECT `+transactionColumns+` FROM funding_transactions WHERE id = $1`, id)
}

func (r *repository) GetForUpdate(ctx context.Context, id uuid.UUID) (*Transaction, error) {
	return r.get(ctx, `SELECT `+transactionColumns+` FROM funding_transactions WHERE id = $1 FOR UPDATE`, id)
}

func (r *repository) get(ctx context.Context, query string, id uuid.UUID) (*Transaction, error) {
	var t Transaction
	err := sqlx.GetContext(ctx, database.Conn(ctx, r.db), &t, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get funding transaction: %w", apperr.Internal, err)
	}
	return &t, nil
}

func (r *repository) Update(ctx context.Context, t *Transaction) error {
	res, err := sqlx.NamedExecContext(ctx, database.Conn(ctx, r.db), `
		UPDATE funding_transactions
		SET external_ref = :external_ref, note = :note, status = :status, claimed_by = :claimed_by,
			cancel_reason = :cancel_reason, sent_at = :sent_at, claimed_at = :claimed_at,
			closed_at = :closed_at, updated_at = :updated_at
		WHERE id = :id
	`, t)
	if err != nil {
		return fmt.Errorf("%w: update funding transaction: %w", apperr.Internal, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repository) List(ctx context.Context, status Status, limit, offset int) ([]*Transaction, error) {
	var out []*Transaction
	err := sqlx.SelectContext(ctx, database.Conn(ctx, r.db), &out, `
		SELECT `+transactionColumns+`
		FROM funding_transactions
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, string(status), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: list funding transactions: %w", apperr.Internal, err)
	}
	return out, nil
}

func (r *repository) ListExpired(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := sqlx.SelectContext(ctx, database.Conn(ctx, r.db), &ids, `
		SELECT id
		FROM funding_transactions
		WHERE status IN ('INITIATED', 'PENDING_CLAIM')
		  AND expires_at < $1
		ORDER BY expires_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list expired funding: %w", apperr.Internal, err)
	}
	return ids, nil
}

func (r *repository) AppendEvent(ctx context.Context, e *Event) error {
	var from *string
	if e.From != "" {
		s := string(e.From)
		from = &s
	}
	_, err := database.Conn(ctx, r.db).ExecContext(ctx, `
		INSERT INTO funding_events (id, transaction_id, from_status, to_status, actor, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.ID, e.TransactionID, from, e.To, e.Actor, e.Note, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("%w: append funding event: %w", apperr.Internal, err)
	}
	return nil
}

func (r *repository) ListEvents(ctx context.Context, transactionID uuid.UUID) ([]*Event, error) {
	var out []*Event
	err := sqlx.SelectContext(ctx, database.Conn(ctx, r.db), &out, `
		SELECT id, transaction_id, COALESCE(from_status, '') AS from_status, to_status, actor, note, created_at
		FROM funding_events
		WHERE transaction_id = $1
		ORDER BY created_at, seq
	`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("%w: list funding events: %w", apperr.Internal, err)
	}
	return out, nil
}
