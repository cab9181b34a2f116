package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/vendhub/vend-api/internal/pkg/apperr"
)

// Store persists idempotency records. All methods are single statements and
// run outside of any business transaction.
type Store interface {
	// Insert creates a PENDING record; false means the key already exists.
	Insert(ctx context.Context, rec *Record) (bool, error)
	Get(ctx context.Context, key string) (*Record, error)
	// Reclaim takes over a FAILED, expired, or abandoned PENDING record.
	Reclaim(ctx context.Context, rec *Record, staleBefore time.Time) (bool, error)
	Complete(ctx context.Context, key string, response []byte) error
	Fail(ctx context.Context, key, message string) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

type repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) Store {
	return &repository{db: db}
}

func (r *repository) Insert(ctx context.Context, rec *Record) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, operation, request_hash, status, locked_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (key) DO NOTHING
	`, rec.Key, rec.Operation, rec.RequestHash, StatusPending, rec.LockedAt, rec.ExpiresAt)
	if err != nil {
		return false, fmt.Errorf("%w: insert idempotency key: %w", apperr.Internal, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r *repository) Get(ctx context.Context, key string) (*Record, error) {
	var rec Record
	err := r.db.GetContext(ctx, &rec, `
		SELECT key, operation, request_hash, status, response, COALESCE(error, '') AS error,
			locked_at, expires_at, created_at, updated_at
		FROM idempotency_keys
		WHERE key = $1
	`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get idempotency key: %w", apperr.Internal, err)
	}
	return &rec, nil
}

func (r *repository) Reclaim(ctx context.Context, rec *Record, staleBefore time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE idempotency_keys
		SET operation = $2, request_hash = $3, status = 'PENDING', response = NULL, error = NULL,
			locked_at = $4, expires_at = $5, updated_at = now()
		WHERE key = $1
		  AND (status = 'FAILED'
		       OR expires_at < $4
		       OR (status = 'PENDING' AND locked_at < $6))
	`, rec.Key, rec.Operation, rec.RequestHash, rec.LockedAt, rec.ExpiresAt, staleBefore)
	if err != nil {
		return false, fmt.Errorf("%w: reclaim idempotency key: %w", apperr.Internal, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r *repository) Complete(ctx context.Context, key string, response []byte) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE idempotency_keys
		SET status = 'COMPLETED', response = $2, updated_at = now()
		WHERE key = $1
	`, key, response)
	if err != nil {
		return fmt.Errorf("%w: complete idempotency key: %w", apperr.Internal, err)
	}
	return nil
}

func (r *repository) Fail(ctx context.Context, key, message string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE idempotency_keys
		SET status = 'FAILED', error = $2, updated_at = now()
		WHERE key = $1
	`, key, message)
	if err != nil {
		return fmt.Errorf("%w: fail idempotency key: %w", apperr.Internal, err)
	}
	return nil
}

func (r *repository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("%w: delete expired idempotency keys: %w", apperr.Internal, err)
	}
	return res.RowsAffected()
}
