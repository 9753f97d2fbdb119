package utils

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
)

// Retry runs op until it succeeds, ctx is done or op fails with an error
// ShouldReconnect does not retry. The delay between attempts is the larger
// of the backoff interval and the one suggested for the error.
func Retry(ctx context.Context, name string, op func(ctx context.Context) error) error {
	b := NewReconnectBackoff(ctx)
	return backoff.RetryNotify(func() error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		retry, delay := ShouldReconnect(err)
		if !retry {
			return backoff.Permanent(err)
		}
		if delay > 0 {
			select {
			case <-ctx.Done():
				return backoff.Permanent(ctx.Err())
			case <-time.After(delay):
			}
		}
		return err
	}, b, func(err error, next time.Duration) {
		log.WithError(err).Warnf("%s failed, retrying in %s", name, next)
	})
}
