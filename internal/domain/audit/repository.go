package audit

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/vendhub/vend-api/internal/pkg/apperr"
)

type Repository interface {
	Insert(ctx context.Context, e *Entry) error
	Complete(ctx context.Context, e *Entry) error
	ListByItem(ctx context.Context, itemID uuid.UUID) ([]*Entry, error)
}

type repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) Repository {
	return &repository{db: db}
}

// Insert always uses the pool: an audit row must survive a rolled back
// business transaction.
func (r *repository) Insert(ctx context.Context, e *Entry) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO api_audit_logs (id, item_id, provider, operation, request_ref, request_body, request_hash, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.ID, e.ItemID, e.Provider, e.Operation, e.RequestRef, e.RequestBody, e.RequestHash, e.StartedAt)
	if err != nil {
		return fmt.Errorf("%w: insert audit log: %w", apperr.Internal, err)
	}
	return nil
}

func (r *repository) Complete(ctx context.Context, e *Entry) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE api_audit_logs
		SET response_body = $2, response_hash = $3, status_code = $4, outcome = $5, error = $6,
			duration_ms = $7, archive_key = $8, completed_at = $9
		WHERE id = $1 AND completed_at IS NULL
	`, e.ID, e.ResponseBody, e.ResponseHash, e.StatusCode, e.Outcome, e.Error, e.DurationMs, e.ArchiveKey, e.CompletedAt)
	if err != nil {
		return fmt.Errorf("%w: complete audit log: %w", apperr.Internal, err)
	}
	return nil
}

func (r *repository) ListByItem(ctx context.Context, itemID uuid.UUID) ([]*Entry, error) {
	var out []*Entry
	err := r.db.SelectContext(ctx, &out, `
		SELECT id, item_id, provider, operation, request_ref, request_body, request_hash,
			response_body, COALESCE(response_hash, '') AS response_hash, COALESCE(status_code, 0) AS status_code,
			COALESCE(outcome, '') AS outcome, COALESCE(error, '') AS error,
			COALESCE(duration_ms, 0) AS duration_ms, COALESCE(archive_key, '') AS archive_key,
			started_at, completed_at
		FROM api_audit_logs
		WHERE item_id = $1
		ORDER BY started_at
	`, itemID)
	if err != nil {
		return nil, fmt.Errorf("%w: list audit logs: %w", apperr.Internal, err)
	}
	return out, nil
}
