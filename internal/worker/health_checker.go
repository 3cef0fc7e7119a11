package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"payments-core/internal/domain"
)

type Checker interface {
	CheckAll(ctx context.Context) []*domain.ProviderHealth
}

// HealthChecker refreshes the shared provider health view so unhealthy providers come back
// into routing once they answer again.
type HealthChecker struct {
	health   Checker
	interval time.Duration
	logger   *zap.Logger
	stopChan chan struct{}
}

func NewHealthChecker(health Checker, interval time.Duration, logger *zap.Logger) *HealthChecker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &HealthChecker{health: health, interval: interval, logger: logger, stopChan: make(chan struct{})}
}

func (w *HealthChecker) Start(ctx context.Context) {
	w.logger.Info("starting provider health checker", zap.Duration("interval", w.interval))
	w.check(ctx)
	every(ctx, w.interval, w.stopChan, w.check)
	w.logger.Info("provider health checker stopped")
}

func (w *HealthChecker) check(ctx context.Context) {
	for _, ph := range w.health.CheckAll(ctx) {
		if !ph.Healthy {
			w.logger.Warn("provider still unhealthy",
				zap.String("provider", ph.Provider),
				zap.Int("consecutive_failures", ph.ConsecutiveFailures))
		}
	}
}

func (w *HealthChecker) Stop() { close(w.stopChan) }
