package funding

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// ExpiryJob periodically releases funding transactions nobody claimed.
type ExpiryJob struct {
	svc *Service
}

func NewExpiryJob(svc *Service) *ExpiryJob {
	return &ExpiryJob{svc: svc}
}

func (j *ExpiryJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.run(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Funding expiry job stopped")
			return
		case <-ticker.C:
			j.run(ctx)
		}
	}
}

func (j *ExpiryJob) run(ctx context.Context) {
	if _, err := j.svc.ExpireStale(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to expire stale funding transactions")
	}
}
