package utils

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// RunEvery calls fn every interval until ctx is done. Errors are logged and
// never stop the loop.
func RunEvery(ctx context.Context, name string, interval time.Duration, fn func(ctx context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				log.WithError(err).Warnf("%s failed", name)
			}
		}
	}
}

// WithDefaultTimeout bounds ctx with timeout unless the caller already set
// a deadline.
func WithDefaultTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
