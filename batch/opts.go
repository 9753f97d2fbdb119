package batch

import "time"

const (
	defaultSubmitInterval = 10 * time.Second
	defaultIntentTTL      = 24 * time.Hour
	defaultSessionTimeout = 5 * time.Minute
	sessionInboxSize      = 256
)

type Option func(*Engine)

// WithSubmitInterval sets how often intents waiting to be submitted are
// retried.
func WithSubmitInterval(interval time.Duration) Option {
	return func(e *Engine) {
		if interval > 0 {
			e.submitInterval = interval
		}
	}
}

// WithIntentTTL sets the validity of the intents created without an explicit
// ValidUntil.
func WithIntentTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		if ttl > 0 {
			e.intentTTL = ttl
		}
	}
}

// WithSessionTimeout bounds the time an intent waits for the batch it joined
// to be finalized.
func WithSessionTimeout(timeout time.Duration) Option {
	return func(e *Engine) {
		if timeout > 0 {
			e.sessionTimeout = timeout
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}
