package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/vendhub/vend-api/internal/pkg/apperr"
)

// ItemStore claims order_items rows.
type ItemStore struct {
	db *sqlx.DB
}

func NewItemStore(db *sqlx.DB) *ItemStore {
	return &ItemStore{db: db}
}

func (s *ItemStore) TryClaim(ctx context.Context, id uuid.UUID, owner Owner, now, expiresAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE order_items
		SET locked_by = $2, lock_expires_at = $3
		WHERE id = (
			SELECT id FROM order_items
			WHERE id = $1 AND (locked_by IS NULL OR lock_expires_at < $4)
			FOR UPDATE SKIP LOCKED
		)
	`, id, string(owner), expiresAt, now)
	if err != nil {
		return false, fmt.Errorf("%w: claim item lock: %w", apperr.Internal, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *ItemStore) Release(ctx context.Context, id uuid.UUID, owner Owner) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE order_items
		SET locked_by = NULL, lock_expires_at = NULL
		WHERE id = $1 AND locked_by = $2
	`, id, string(owner))
	if err != nil {
		return fmt.Errorf("%w: release item lock: %w", apperr.Internal, err)
	}
	return nil
}
