package fulfillment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/vendhub/vend-api/internal/domain/lock"
	"github.com/vendhub/vend-api/internal/domain/order"
	"github.com/vendhub/vend-api/internal/pkg/clock"
)

// Queue lists items that need background attention.
type Queue interface {
	ListDispatchable(ctx context.Context, now time.Time, maxRetries, limit int) ([]*order.Item, error)
	ListInFlight(ctx context.Context, sentBefore time.Time, limit int) ([]*order.Item, error)
	ListStaleLocked(ctx context.Context, now time.Time, limit int) ([]*order.Item, error)
	ListUnrefunded(ctx context.Context, limit int) ([]*order.Item, error)
}

type SchedulerConfig struct {
	Interval  time.Duration
	BatchSize int
	Workers   int
}

// Scheduler pushes queued items whose retry time has come.
type Scheduler struct {
	queue   Queue
	gateway *Gateway
	clock   clock.Clock
	cfg     SchedulerConfig
}

func NewScheduler(queue Queue, gateway *Gateway, clk clock.Clock, cfg SchedulerConfig) *Scheduler {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Scheduler{queue: queue, gateway: gateway, clock: clk, cfg: cfg}
}

// RunOnce pushes one batch of due items and returns how many were attempted.
// Items another worker holds are skipped.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	items, err := s.queue.ListDispatchable(ctx, s.clock.Now().UTC(), s.gateway.cfg.MaxRetries, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for _, it := range items {
		id := it.ID
		g.Go(func() error {
			s.push(gctx, id)
			return nil
		})
	}
	_ = g.Wait()
	return len(items), nil
}

func (s *Scheduler) push(ctx context.Context, id uuid.UUID) {
	out, err := s.gateway.pushAs(ctx, id, order.SourceScheduler)
	switch {
	case err == nil:
		log.Debug().
			Str("item_id", id.String()).
			Str("status", string(out.Status)).
			Msg("scheduled push finished")
	case errors.Is(err, lock.ErrLockTimeout),
		errors.Is(err, ErrAlreadySent),
		errors.Is(err, order.ErrInvalidTransition):
		log.Debug().Err(err).Str("item_id", id.String()).Msg("scheduled push skipped")
	default:
		log.Error().Err(err).Str("item_id", id.String()).Msg("scheduled push failed")
	}
}

// Start polls until ctx is cancelled. A value on wake triggers an immediate poll.
func (s *Scheduler) Start(ctx context.Context, wake <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Dispatch scheduler stopped")
			return
		case <-wake:
		case <-ticker.C:
		}

		n, err := s.RunOnce(ctx)
		if err != nil {
			log.Error().Err(err).Msg("Failed to list dispatchable items")
			continue
		}
		if n > 0 {
			log.Info().Int("items", n).Msg("Dispatched queued items")
		}
	}
}
