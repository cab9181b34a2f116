package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	EventOrderCreated   = "order.created"
	EventOrderConfirmed = "order.confirmed"
	EventOrderFailed    = "order.failed"
	EventOrderRefunded  = "order.refunded"
	EventFundingClaimed = "funding.claimed"
)

type Event struct {
	Type    string                 `json:"type"`
	UserID  uuid.UUID              `json:"user_id"`
	Subject string                 `json:"subject"`
	Data    map[string]interface{} `json:"data,omitempty"`
	At      time.Time              `json:"at"`
}

// Sink receives events fire-and-forget. Implementations must not block the
// caller for long and never return errors.
type Sink interface {
	Publish(ctx context.Context, e Event)
}

// Nop drops everything.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}

// LogSink writes events to the application log.
type LogSink struct{}

func (LogSink) Publish(_ context.Context, e Event) {
	log.Info().
		Str("event", e.Type).
		Str("user_id", e.UserID.String()).
		Str("subject", e.Subject).
		Interface("data", e.Data).
		Msg("notification")
}

// RedisSink publishes events as JSON on a pub/sub channel.
type RedisSink struct {
	client  *redis.Client
	channel string
}

func NewRedisSink(client *redis.Client, channel string) *RedisSink {
	return &RedisSink{client: client, channel: channel}
}

func (s *RedisSink) Publish(ctx context.Context, e Event) {
	body, err := json.Marshal(e)
	if err != nil {
		log.Error().Err(err).Str("event", e.Type).Msg("notification encode failed")
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := s.client.Publish(pubCtx, s.channel, body).Err(); err != nil {
		log.Warn().Err(err).Str("event", e.Type).Msg("notification publish failed")
	}
}

// New selects a sink by name: "log", "redis" or anything else for Nop.
func New(kind string, client *redis.Client, channel string) Sink {
	switch kind {
	case "log":
		return LogSink{}
	case "redis":
		if client == nil {
			log.Warn().Msg("redis notification sink requested without redis, falling back to log")
			return LogSink{}
		}
		return NewRedisSink(client, channel)
	default:
		return Nop{}
	}
}
