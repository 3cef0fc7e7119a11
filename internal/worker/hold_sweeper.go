package worker

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// HoldCleaner expires lapsed holds in batches.
type HoldCleaner interface {
	CleanupExpiredHolds(ctx context.Context, limit int) (int, error)
}

// HoldSweeper releases expired holds on an interval. Several instances may sweep at once;
// each hold is claimed by exactly one of them.
type HoldSweeper struct {
	ledger   HoldCleaner
	interval time.Duration
	batch    int
	logger   *zap.Logger
	stopChan chan struct{}
}

func NewHoldSweeper(ledger HoldCleaner, interval time.Duration, batch int, logger *zap.Logger) *HoldSweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if batch <= 0 {
		batch = 500
	}
	return &HoldSweeper{
		ledger:   ledger,
		interval: interval,
		batch:    batch,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

func (w *HoldSweeper) Start(ctx context.Context) {
	w.logger.Info("starting hold sweeper", zap.Duration("interval", w.interval))
	every(ctx, w.interval, w.stopChan, w.sweep)
	w.logger.Info("hold sweeper stopped")
}

// sweep drains every batch that is due right now.
func (w *HoldSweeper) sweep(ctx context.Context) {
	total := 0
	for {
		n, err := w.ledger.CleanupExpiredHolds(ctx, w.batch)
		if err != nil {
			w.logger.Error("hold sweep failed", zap.Error(err))
			return
		}
		total += n
		if n < w.batch || ctx.Err() != nil {
			break
		}
	}
	if total > 0 {
		w.logger.Info("expired holds released", zap.Int("count", total))
	}
}

func (w *HoldSweeper) Stop() { close(w.stopChan) }
