package idempotency

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vendhub/vend-api/internal/pkg/clock"
	"github.com/vendhub/vend-api/internal/pkg/metrics"
)

// CleanupJob deletes idempotency records past their retention.
type CleanupJob struct {
	store Store
	clock clock.Clock
}

func NewCleanupJob(store Store, clk clock.Clock) *CleanupJob {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &CleanupJob{store: store, clock: clk}
}

// Start runs the cleanup immediately and then on every tick until ctx ends.
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.run(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Idempotency cleanup job stopped")
			return
		case <-ticker.C:
			j.run(ctx)
		}
	}
}

func (j *CleanupJob) run(ctx context.Context) {
	if _, err := j.RunOnce(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to cleanup expired idempotency keys")
	}
}

// RunOnce runs cleanup once and reports how many records were deleted.
func (j *CleanupJob) RunOnce(ctx context.Context) (int64, error) {
	deleted, err := j.store.DeleteExpired(ctx, j.clock.Now())
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		metrics.IdempotencyCleanupDeleted.Add(float64(deleted))
		log.Info().Int64("deleted", deleted).Msg("Cleaned up expired idempotency keys")
	}
	return deleted, nil
}
