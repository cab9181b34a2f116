package wakeup

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Channel is the pub/sub channel that nudges dispatch workers.
const Channel = "orders:queued"

// Publisher nudges workers; polling still runs without it.
type Publisher interface {
	Publish(ctx context.Context)
}

type Nop struct{}

func (Nop) Publish(context.Context) {}

type RedisPublisher struct {
	client *redis.Client
}

// NewPublisher returns Nop when Redis is not configured.
func NewPublisher(client *redis.Client) Publisher {
	if client == nil {
		return Nop{}
	}
	return &RedisPublisher{client: client}
}

func (p *RedisPublisher) Publish(ctx context.Context) {
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if err := p.client.Publish(pubCtx, Channel, "1").Err(); err != nil {
		log.Debug().Err(err).Msg("wake-up publish failed")
	}
}

// Subscribe forwards wake-ups into wake without blocking. With a nil client
// it returns immediately and wake never fires.
func Subscribe(ctx context.Context, client *redis.Client, wake chan<- struct{}) {
	if client == nil {
		return
	}
	sub := client.Subscribe(ctx, Channel)
	defer func() { _ = sub.Close() }()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Channel():
			select {
			case wake <- struct{}{}:
			default:
			}
		}
	}
}
