package syncer

import (
	"time"

	"github.com/arkade-os/arkpay-sdk/internal/utils"
)

const (
	defaultPageSize         = 1000
	defaultScriptsPerQuery  = 100
	defaultWatchdogInterval = 30 * time.Second
	defaultKey              = "vtxo-sync"
)

type Option func(*Engine)

// WithPageSize sets the page size of the GetVtxos queries.
func WithPageSize(size int32) Option {
	return func(e *Engine) {
		if size > 0 {
			e.pageSize = size
		}
	}
}

// WithScriptsPerQuery bounds the number of scripts sent in a single
// GetVtxos query.
func WithScriptsPerQuery(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.scriptsPerQuery = n
		}
	}
}

func WithWatchdogInterval(interval time.Duration) Option {
	return func(e *Engine) {
		if interval > 0 {
			e.watchdogInterval = interval
		}
	}
}

// WithLocker shares the subscription lock with other engines. Engines with
// the same key on the same locker never resubscribe concurrently.
func WithLocker(locker *utils.KeyedMutex, key string) Option {
	return func(e *Engine) {
		e.locker = locker
		if key != "" {
			e.key = key
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}
