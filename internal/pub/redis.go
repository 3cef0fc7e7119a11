package pub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"payments-core/internal/metrics"
)

const EventsChannel = "payments_events"

// RedisPublisher mirrors events onto a pub/sub channel for dashboards.
type RedisPublisher struct {
	rdb     redis.UniversalClient
	channel string
	logger  *zap.Logger
}

func NewRedisPublisher(rdb redis.UniversalClient, logger *zap.Logger) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, channel: EventsChannel, logger: logger}
}

func (p *RedisPublisher) Notify(ctx context.Context, evt *Event) error {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := p.rdb.Publish(ctx, p.channel, payload).Err(); err != nil {
		metrics.EventPublishErrors.WithLabelValues("redis").Inc()
		return fmt.Errorf("failed to publish event: %w", err)
	}
	p.logger.Debug("event published",
		zap.String("event_type", evt.Type),
		zap.String("key", evt.Key))
	return nil
}
