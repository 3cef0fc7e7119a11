package worker

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type StalePoller interface {
	PollStale(ctx context.Context, limit int) (int, error)
}

// PaymentPoller re-queries providers for in-flight payments whose webhook never arrived.
type PaymentPoller struct {
	payments StalePoller
	interval time.Duration
	batch    int
	logger   *zap.Logger
	stopChan chan struct{}
}

func NewPaymentPoller(payments StalePoller, interval time.Duration, batch int, logger *zap.Logger) *PaymentPoller {
	if interval <= 0 {
		interval = time.Minute
	}
	if batch <= 0 {
		batch = 100
	}
	return &PaymentPoller{
		payments: payments,
		interval: interval,
		batch:    batch,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

func (w *PaymentPoller) Start(ctx context.Context) {
	w.logger.Info("starting payment poller", zap.Duration("interval", w.interval))
	every(ctx, w.interval, w.stopChan, w.poll)
	w.logger.Info("payment poller stopped")
}

func (w *PaymentPoller) poll(ctx context.Context) {
	n, err := w.payments.PollStale(ctx, w.batch)
	if err != nil {
		w.logger.Error("stale payment poll failed", zap.Error(err))
		return
	}
	if n > 0 {
		w.logger.Info("stale payments refreshed", zap.Int("count", n))
	}
}

func (w *PaymentPoller) Stop() { close(w.stopChan) }
