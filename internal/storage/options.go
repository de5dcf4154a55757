package storage

import (
	"time"

	"go.uber.org/zap"

	"github.com/providentiaww/mcp-auth-broker/internal/oauth"
)

type options struct {
	now             func() time.Time
	logger          *zap.Logger
	cleanupInterval time.Duration
}

// Option configures a store.
type Option func(*options)

// WithCleanupInterval sets how often the memory store sweeps expired entries.
func WithCleanupInterval(interval time.Duration) Option {
	return func(o *options) {
		if interval > 0 {
			o.cleanupInterval = interval
		}
	}
}

// WithClock overrides the time source used to stamp and check expiry.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithLogger sets the store logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func newOptions(opts []Option) options {
	o := options{
		now:             time.Now,
		logger:          zap.NewNop(),
		cleanupInterval: oauth.CleanupInterval,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
