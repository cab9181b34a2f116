package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vendhub/vend-api/internal/pkg/clock"
	"github.com/vendhub/vend-api/internal/pkg/metrics"
)

// Config bounds the guard's timing windows.
type Config struct {
	// LockTimeout is how long a PENDING record blocks other callers.
	LockTimeout time.Duration
	// CompleteTimeout bounds the final status write after the operation.
	CompleteTimeout time.Duration
	// Retention is how long a record is kept after creation.
	Retention time.Duration
}

func (c Config) withDefaults() Config {
	if c.LockTimeout <= 0 {
		c.LockTimeout = 30 * time.Second
	}
	if c.CompleteTimeout <= 0 {
		c.CompleteTimeout = 5 * time.Second
	}
	if c.Retention <= 0 {
		c.Retention = 24 * time.Hour
	}
	return c
}

// Guard deduplicates operations by key.
type Guard struct {
	store Store
	clock clock.Clock
	cfg   Config
}

func NewGuard(store Store, clk clock.Clock, cfg Config) *Guard {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Guard{store: store, clock: clk, cfg: cfg.withDefaults()}
}

// Execute runs fn at most once per key. A completed key returns the bytes
// stored for the first call without running fn again.
func (g *Guard) Execute(ctx context.Context, req Request, fn func(ctx context.Context) (interface{}, error)) (*Result, error) {
	if req.Key == "" {
		return nil, ErrKeyRequired
	}
	hash, err := HashRequest(req.Operation, req.Payload)
	if err != nil {
		return nil, err
	}

	cached, err := g.reserve(ctx, req, hash)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		metrics.IdempotencyResultsTotal.WithLabelValues("replayed").Inc()
		return cached, nil
	}
	metrics.IdempotencyResultsTotal.WithLabelValues("executed").Inc()

	value, runErr := fn(ctx)

	// The status write must happen even if the caller went away.
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.CompleteTimeout)
	defer cancel()

	if runErr != nil {
		if err := g.store.Fail(finishCtx, req.Key, runErr.Error()); err != nil {
			log.Error().Err(err).Str("key", req.Key).Msg("failed to mark idempotency key failed")
		}
		return nil, runErr
	}

	body, err := json.Marshal(value)
	if err != nil {
		if failErr := g.store.Fail(finishCtx, req.Key, err.Error()); failErr != nil {
			log.Error().Err(failErr).Str("key", req.Key).Msg("failed to mark idempotency key failed")
		}
		return nil, err
	}
	if err := g.store.Complete(finishCtx, req.Key, body); err != nil {
		// The record stays PENDING and becomes reclaimable after LockTimeout.
		log.Error().Err(err).Str("key", req.Key).Str("operation", req.Operation).Msg("failed to complete idempotency key")
	}
	return &Result{Response: body}, nil
}

// reserve returns a cached result, or nil once the caller owns the key.
func (g *Guard) reserve(ctx context.Context, req Request, hash string) (*Result, error) {
	for attempt := 0; attempt < 3; attempt++ {
		now := g.clock.Now()
		rec := &Record{
			Key:         req.Key,
			Operation:   req.Operation,
			RequestHash: hash,
			Status:      StatusPending,
			LockedAt:    now,
			ExpiresAt:   now.Add(g.cfg.Retention),
		}

		inserted, err := g.store.Insert(ctx, rec)
		if err != nil {
			return nil, err
		}
		if inserted {
			return nil, nil
		}

		existing, err := g.store.Get(ctx, req.Key)
		if errors.Is(err, ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if existing.Operation != req.Operation || existing.RequestHash != hash {
			metrics.IdempotencyResultsTotal.WithLabelValues("key_reused").Inc()
			return nil, ErrKeyReused
		}

		expired := !existing.ExpiresAt.After(now)
		switch {
		case existing.Status == StatusCompleted && !expired:
			return &Result{Response: existing.Response, Replayed: true}, nil
		case existing.Status == StatusPending && !expired && existing.LockedAt.After(now.Add(-g.cfg.LockTimeout)):
			metrics.IdempotencyResultsTotal.WithLabelValues("concurrent").Inc()
			return nil, ErrConcurrentRequest
		}

		reclaimed, err := g.store.Reclaim(ctx, rec, now.Add(-g.cfg.LockTimeout))
		if err != nil {
			return nil, err
		}
		if reclaimed {
			log.Warn().
				Str("key", req.Key).
				Str("operation", req.Operation).
				Str("previous_status", string(existing.Status)).
				Msg("idempotency key reclaimed")
			return nil, nil
		}
	}
	return nil, ErrConcurrentRequest
}
