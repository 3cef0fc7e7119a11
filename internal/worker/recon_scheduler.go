package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

type Reconciler interface {
	RunAll(ctx context.Context, date time.Time) error
}

// ReconScheduler reconciles the previous UTC business day once a day at a fixed time.
type ReconScheduler struct {
	recon    Reconciler
	hour     int
	minute   int
	logger   *zap.Logger
	stopChan chan struct{}
	now      func() time.Time
}

// NewReconScheduler parses runAt as "HH:MM" in UTC.
func NewReconScheduler(recon Reconciler, runAt string, logger *zap.Logger) (*ReconScheduler, error) {
	at, err := time.Parse("15:04", runAt)
	if err != nil {
		return nil, fmt.Errorf("invalid reconciliation time %q: %w", runAt, err)
	}
	return &ReconScheduler{
		recon:    recon,
		hour:     at.Hour(),
		minute:   at.Minute(),
		logger:   logger,
		stopChan: make(chan struct{}),
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// next returns the first scheduled instant strictly after t.
func (w *ReconScheduler) next(t time.Time) time.Time {
	t = t.UTC()
	run := time.Date(t.Year(), t.Month(), t.Day(), w.hour, w.minute, 0, 0, time.UTC)
	if !run.After(t) {
		run = run.AddDate(0, 0, 1)
	}
	return run
}

func (w *ReconScheduler) Start(ctx context.Context) {
	for {
		at := w.next(w.now())
		w.logger.Info("next reconciliation scheduled", zap.Time("at", at))
		timer := time.NewTimer(time.Until(at))

		select {
		case <-timer.C:
			w.RunFor(ctx, at.AddDate(0, 0, -1))
		case <-w.stopChan:
			timer.Stop()
			w.logger.Info("reconciliation scheduler stopped")
			return
		case <-ctx.Done():
			timer.Stop()
			w.logger.Info("context cancelled, stopping reconciliation scheduler")
			return
		}
	}
}

// RunFor reconciles the business day containing day.
func (w *ReconScheduler) RunFor(ctx context.Context, day time.Time) {
	start := time.Now()
	w.logger.Info("reconciliation started", zap.String("date", day.Format(time.DateOnly)))
	if err := w.recon.RunAll(ctx, day); err != nil {
		w.logger.Error("reconciliation finished with errors",
			zap.String("date", day.Format(time.DateOnly)),
			zap.Duration("took", time.Since(start)),
			zap.Error(err))
		return
	}
	w.logger.Info("reconciliation finished",
		zap.String("date", day.Format(time.DateOnly)),
		zap.Duration("took", time.Since(start)))
}

func (w *ReconScheduler) Stop() { close(w.stopChan) }
