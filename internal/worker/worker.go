// Package worker holds the background loops of the payments core: hold expiry, provider
// health checks, stale payment polling and the daily reconciliation.
package worker

import (
	"context"
	"time"
)

// every runs fn on each tick until stop is closed or ctx ends.
func every(ctx context.Context, interval time.Duration, stop <-chan struct{}, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fn(ctx)
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}
