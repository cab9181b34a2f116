package order

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
	NextSequence(ctx context.Context) (int64, error)
	CreateGroup(ctx context.Context, g *Group) error
	MarkDeducted(ctx context.Context, groupID uuid.UUID, at time.Time) error
	GetGroup(ctx context.Context, id uuid.UUID) (*Group, error)
	GetGroupByIdempotencyKey(ctx context.Context, key string) (*Group, error)

	GetItem(ctx context.Context, id uuid.UUID) (*Item, error)
	// UpdateItem writes the item's mutable fields if its stored status is
	// still expected; otherwise nothing changes and ErrInvalidTransition is returned.
	UpdateItem(ctx context.Context, it *Item, expected Status) error
	AppendTransition(ctx context.Context, t *Transition) error
	ListTransitions(ctx context.Context, itemID uuid.UUID) ([]*Transition, error)

	ListDispatchable(ctx context.Context, now time.Time, maxRetries, limit int) ([]*Item, error)
	ListInFlight(ctx context.Context, sentBefore time.Time, limit int) ([]*Item, error)
	ListStaleLocked(ctx context.Context, now time.Time, limit int) ([]*Item, error)
	ListUnrefunded(ctx context.Context, limit int) ([]*Item, error)
}

const groupColumns = `id, seq, display_id, user_id, idempotency_key, total, wallet_deducted,
	deducted_at, created_at, updated_at`

const itemColumns = `id, group_id, user_id, product_code, network_code, receiver_phone,
	face_value, price, cost, status, provider, request_ref, provider_ref, provider_status,
	retry_count, next_retry_at, failure_code, failure_reason, locked_by, lock_expires_at,
	sent_at, completed_at, refunded_at, created_at, updated_at`

type repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) Repository {
	return &repository{db: db}
}

func (r *repository) NextSequence(ctx context.Context) (int64, error) {
	var seq int64
	if err := sqlx.GetContext(ctx, database.Conn(ctx, r.db), &seq, `SELECT nextval('order_group_seq')`); err != nil {
		return 0, fmt.Errorf("%w: next order sequence: %w", apperr.Internal, err)
	}
	return seq, nil
}

func (r *repository) CreateGroup(ctx context.Context, g *Group) error {
	conn := database.Conn(ctx, r.db)

	_, err := conn.ExecContext(ctx, `
		INSERT INTO order_groups (id, seq, display_id, user_id, idempotency_key, total, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`, g.ID, g.Seq, g.DisplayID, g.UserID, g.IdempotencyKey, g.Total, g.CreatedAt)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return ErrDuplicateOrder
		}
		return fmt.Errorf("%w: insert order group: %w", apperr.Internal, err)
	}

	for _, it := range g.Items {
		_, err := conn.ExecContext(ctx, `
			INSERT INTO order_items (id, group_id, user_id, product_code, network_code, receiver_phone,
				face_value, price, cost, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
		`, it.ID, it.GroupID, it.UserID, it.ProductCode, it.NetworkCode, it.ReceiverPhone,
			it.FaceValue, it.Price, it.Cost, it.Status, it.CreatedAt)
		if err != nil {
			return fmt.Errorf("%w: insert order item: %w", apperr.Internal, err)
		}
	}
	return nil
}

func (r *repository) MarkDeducted(ctx context.Context, groupID uuid.UUID, at time.Time) error {
	res, err := database.Conn(ctx, r.db).ExecContext(ctx, `
		UPDATE order_groups
		SET wallet_deducted = true, deducted_at = $2, updated_at = $2
		WHERE id = $1 AND wallet_deducted = false
	`, groupID, at)
	if err != nil {
		return fmt.Errorf("%w: mark deducted: %w", apperr.Internal, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("%w: group %s already deducted", apperr.Internal, groupID)
	}
	return nil
}

func (r *repository) GetGroup(ctx context.Context, id uuid.UUID) (*Group, error) {
	return r.getGroup(ctx, `SELECT `+groupColumns+` FROM order_groups WHERE id = $1`, id)
}

func (r *repository) GetGroupByIdempotencyKey(ctx context.Context, key string) (*Group, error) {
	return r.getGroup(ctx, `SELECT `+groupColumns+` FROM order_groups WHERE idempotency_key = $1`, key)
}

func (r *repository) getGroup(ctx context.Context, query string, arg interface{}) (*Group, error) {
	conn := database.Conn(ctx, r.db)

	var g Group
	err := sqlx.GetContext(ctx, conn, &g, query, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get order group: %w", apperr.Internal, err)
	}

	if err := sqlx.SelectContext(ctx, conn, &g.Items,
		`SELECT `+itemColumns+` FROM order_items WHERE group_id = $1 ORDER BY created_at, id`, g.ID); err != nil {
		return nil, fmt.Errorf("%w: list order items: %w", apperr.Internal, err)
	}
	g.Status = AggregateStatus(g.Items)
	return &g, nil
}

func (r *repository) GetItem(ctx context.Context, id uuid.UUID) (*Item, error) {
	var it Item
	err := sqlx.GetContext(ctx, database.Conn(ctx, r.db), &it,
		`SELECT `+itemColumns+` FROM order_items WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get order item: %w", apperr.Internal, err)
	}
	return &it, nil
}

func (r *repository) UpdateItem(ctx context.Context, it *Item, expected Status) error {
	res, err := database.Conn(ctx, r.db).ExecContext(ctx, `
		UPDATE order_items
		SET status = $3, provider = $4, request_ref = $5, provider_ref = $6, provider_status = $7,
			retry_count = $8, next_retry_at = $9, failure_code = $10, failure_reason = $11,
			sent_at = $12, completed_at = $13, refunded_at = $14, updated_at = $15
		WHERE id = $1 AND status = $2
	`, it.ID, expected, it.Status, it.Provider, it.RequestRef, it.ProviderRef, it.ProviderStatus,
		it.RetryCount, it.NextRetryAt, it.FailureCode, it.FailureReason,
		it.SentAt, it.CompletedAt, it.RefundedAt, it.UpdatedAt)
	if err != nil {
		return fmt.Errorf("%w: update order item: %w", apperr.Internal, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("%w: item %s is no longer %s", ErrInvalidTransition, it.ID, expected)
	}
	return nil
}

func (r *repository) AppendTransition(ctx context.Context, t *Transition) error {
	var from interface{}
	if t.From != "" {
		from = t.From
	}
	_, err := database.Conn(ctx, r.db).ExecContext(ctx, `
		INSERT INTO order_transitions (id, item_id, from_status, to_status, actor, source, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, t.ID, t.ItemID, from, t.To, t.Actor, t.Source, t.Reason, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("%w: append transition: %w", apperr.Internal, err)
	}
	return nil
}

func (r *repository) ListTransitions(ctx context.Context, itemID uuid.UUID) ([]*Transition, error) {
	var out []*Transition
	err := sqlx.SelectContext(ctx, database.Conn(ctx, r.db), &out, `
		SELECT id, item_id, COALESCE(from_status, '') AS from_status, to_status, actor, source, reason, created_at
		FROM order_transitions
		WHERE item_id = $1
		ORDER BY created_at, seq
	`, itemID)
	if err != nil {
		return nil, fmt.Errorf("%w: list transitions: %w", apperr.Internal, err)
	}
	return out, nil
}

func (r *repository) ListDispatchable(ctx context.Context, now time.Time, maxRetries, limit int) ([]*Item, error) {
	return r.listItems(ctx, `
		SELECT `+itemColumns+`
		FROM order_items
		WHERE status = 'QUEUED'
		  AND provider_ref = ''
		  AND (next_retry_at IS NULL OR next_retry_at <= $1)
		  AND retry_count < $2
		  AND (locked_by IS NULL OR lock_expires_at < $1)
		ORDER BY COALESCE(next_retry_at, created_at)
		LIMIT $3
	`, now, maxRetries, limit)
}

func (r *repository) ListInFlight(ctx context.Context, sentBefore time.Time, limit int) ([]*Item, error) {
	return r.listItems(ctx, `
		SELECT `+itemColumns+`
		FROM order_items
		WHERE status = 'SENT'
		  AND request_ref <> ''
		  AND sent_at < $1
		  AND (locked_by IS NULL OR lock_expires_at < now())
		ORDER BY sent_at
		LIMIT $2
	`, sentBefore, limit)
}

func (r *repository) ListStaleLocked(ctx context.Context, now time.Time, limit int) ([]*Item, error) {
	return r.listItems(ctx, `
		SELECT `+itemColumns+`
		FROM order_items
		WHERE status = 'LOCKED'
		  AND (locked_by IS NULL OR lock_expires_at < $1)
		ORDER BY updated_at
		LIMIT $2
	`, now, limit)
}

func (r *repository) ListUnrefunded(ctx context.Context, limit int) ([]*Item, error) {
	return r.listItems(ctx, `
		SELECT `+itemColumns+`
		FROM order_items
		WHERE status IN ('FAILED', 'CANCELLED')
		  AND refunded_at IS NULL
		ORDER BY updated_at
		LIMIT $1
	`, limit)
}

func (r *repository) listItems(ctx context.Context, query string, args ...interface{}) ([]*Item, error) {
	var items []*Item
	if err := sqlx.SelectContext(ctx, database.Conn(ctx, r.db), &items, query, args...); err != nil {
		return nil, fmt.Errorf("%w: list order items: %w", apperr.Internal, err)
	}
	return items, nil
}
