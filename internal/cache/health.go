package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"payments-core/internal/domain"
)

const (
	fieldFailures   = "failures"
	fieldCheckedAt  = "checked_at"
	fieldResponseMs = "response_ms"
)

// HealthStore keeps provider health in Redis so every orchestrator instance sees the
// same view. A provider is unhealthy once its consecutive failures reach the threshold;
// a single success resets the counter.
type HealthStore struct {
	client    redis.UniversalClient
	namespace string
	threshold int
}

func NewHealthStore(client redis.UniversalClient, namespace string, threshold int) *HealthStore {
	if threshold <= 0 {
		threshold = 3
	}
	return &HealthStore{client: client, namespace: namespace, threshold: threshold}
}

func (h *HealthStore) key(provider string) string {
	return h.namespace + ":provider_health:" + provider
}

func (h *HealthStore) RecordSuccess(ctx context.Context, provider string, latency time.Duration) error {
	return h.client.HSet(ctx, h.key(provider),
		fieldFailures, 0,
		fieldCheckedAt, time.Now().UTC().UnixMilli(),
		fieldResponseMs, latency.Milliseconds(),
	).Err()
}

// RecordFailure increments the failure counter and returns the updated view.
func (h *HealthStore) RecordFailure(ctx context.Context, provider string, latency time.Duration) (*domain.ProviderHealth, error) {
	pipe := h.client.TxPipeline()
	pipe.HIncrBy(ctx, h.key(provider), fieldFailures, 1)
	pipe.HSet(ctx, h.key(provider),
		fieldCheckedAt, time.Now().UTC().UnixMilli(),
		fieldResponseMs, latency.Milliseconds(),
	)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("record provider failure: %w", err)
	}
	return h.Get(ctx, provider)
}

// MarkUnhealthy forces the provider over the threshold.
func (h *HealthStore) MarkUnhealthy(ctx context.Context, provider string) error {
	return h.client.HSet(ctx, h.key(provider),
		fieldFailures, h.threshold,
		fieldCheckedAt, time.Now().UTC().UnixMilli(),
	).Err()
}

func (h *HealthStore) Get(ctx context.Context, provider string) (*domain.ProviderHealth, error) {
	vals, err := h.client.HGetAll(ctx, h.key(provider)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("load provider health: %w", err)
	}

	ph := &domain.ProviderHealth{Provider: provider}
	if v, ok := vals[fieldFailures]; ok {
		ph.ConsecutiveFailures, _ = strconv.Atoi(v)
	}
	if v, ok := vals[fieldCheckedAt]; ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			ph.LastCheckedAt = time.UnixMilli(ms).UTC()
		}
	}
	if v, ok := vals[fieldResponseMs]; ok {
		ph.LastResponseTimeMs, _ = strconv.ParseInt(v, 10, 64)
	}
	ph.Healthy = ph.ConsecutiveFailures < h.threshold
	return ph, nil
}
