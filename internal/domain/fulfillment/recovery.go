package fulfillment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/vendhub/vend-api/internal/domain/lock"
	"github.com/vendhub/vend-api/internal/domain/order"
	"github.com/vendhub/vend-api/internal/pkg/clock"
	"github.com/vendhub/vend-api/internal/pkg/metrics"
)

type RecoveryConfig struct {
	// Grace is how long a SENT item may wait for its original caller
	// before the sweep asks the provider itself.
	Grace     time.Duration
	BatchSize int
	Interval  time.Duration
}

// Report summarises one sweep.
type Report struct {
	Synced   int `json:"synced"`
	Requeued int `json:"requeued"`
	Refunded int `json:"refunded"`
	Errors   int `json:"errors"`
}

// Recovery resolves work left behind by crashed or timed out processes.
// It only ever queries providers; it never sends.
type Recovery struct {
	queue   Queue
	gateway *Gateway
	clock   clock.Clock
	cfg     RecoveryConfig
}

func NewRecovery(queue Queue, gateway *Gateway, clk clock.Clock, cfg RecoveryConfig) *Recovery {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 5 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Recovery{queue: queue, gateway: gateway, clock: clk, cfg: cfg}
}

func (r *Recovery) RunOnce(ctx context.Context) (*Report, error) {
	now := r.clock.Now().UTC()
	rep := &Report{}

	inFlight, err := r.queue.ListInFlight(ctx, now.Add(-r.cfg.Grace), r.cfg.BatchSize)
	if err != nil {
		return nil, err
	}
	for _, it := range inFlight {
		out, err := r.gateway.syncAs(ctx, it.ID, order.SourceRecovery)
		if err != nil {
			rep.Errors += r.failed(err, it.ID, "sync")
			continue
		}
		if out.Status != order.StatusSent {
			rep.Synced++
			metrics.RecoveryActionsTotal.WithLabelValues("synced").Inc()
		}
	}

	stale, err := r.queue.ListStaleLocked(ctx, now, r.cfg.BatchSize)
	if err != nil {
		return nil, err
	}
	for _, it := range stale {
		if err := r.gateway.requeueStale(ctx, it.ID); err != nil {
			rep.Errors += r.failed(err, it.ID, "requeue")
			continue
		}
		rep.Requeued++
		metrics.RecoveryActionsTotal.WithLabelValues("requeued").Inc()
	}

	unrefunded, err := r.queue.ListUnrefunded(ctx, r.cfg.BatchSize)
	if err != nil {
		return nil, err
	}
	for _, it := range unrefunded {
		ok, err := r.gateway.orders.Refund(ctx, it.ID)
		if err != nil {
			log.Error().Err(err).Str("item_id", it.ID.String()).Msg("recovery refund failed")
			rep.Errors++
			continue
		}
		if ok {
			rep.Refunded++
			metrics.RecoveryActionsTotal.WithLabelValues("refunded").Inc()
		}
	}

	return rep, nil
}

// failed returns 1 for errors worth counting. A busy lock or an item that
// moved on since it was listed means another process got there first.
func (r *Recovery) failed(err error, id uuid.UUID, action string) int {
	if errors.Is(err, lock.ErrLockTimeout) ||
		errors.Is(err, ErrNotInFlight) ||
		errors.Is(err, order.ErrInvalidTransition) {
		return 0
	}
	log.Error().Err(err).Str("item_id", id.String()).Str("action", action).Msg("recovery action failed")
	return 1
}

// Start runs a sweep immediately, then on every interval.
func (r *Recovery) Start(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.run(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Recovery sweep stopped")
			return
		case <-ticker.C:
			r.run(ctx)
		}
	}
}

func (r *Recovery) run(ctx context.Context) {
	rep, err := r.RunOnce(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Recovery sweep failed")
		return
	}
	if rep.Synced+rep.Requeued+rep.Refunded+rep.Errors > 0 {
		log.Info().
			Int("synced", rep.Synced).
			Int("requeued", rep.Requeued).
			Int("refunded", rep.Refunded).
			Int("errors", rep.Errors).
			Msg("Recovery sweep finished")
	}
}
