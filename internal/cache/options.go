package cache

import (
	"time"

	"go.uber.org/zap"

	"github.com/rickgao/pricesync/internal/metrics"
)

// Defaults applied when an option is not given.
const (
	DefaultMaxEntries    = 1000
	DefaultTTL           = 5 * time.Minute
	DefaultSweepInterval = time.Minute
)

// Option configures a Store.
type Option func(*options)

type options struct {
	name          string
	maxEntries    int
	defaultTTL    time.Duration
	sweepInterval time.Duration
	maxFactories  int64
	now           func() time.Time
	sizeOf        func(any) int
	logger        *zap.Logger
	metrics       *metrics.Metrics
}

func defaultOptions() options {
	return options{
		name:          "default",
		maxEntries:    DefaultMaxEntries,
		defaultTTL:    DefaultTTL,
		sweepInterval: DefaultSweepInterval,
		now:           time.Now,
		sizeOf:        estimateSize,
		logger:        zap.NewNop(),
	}
}

// WithName labels the store in logs and metrics.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// WithMaxEntries caps the number of live entries.
func WithMaxEntries(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxEntries = n
		}
	}
}

// WithDefaultTTL sets the TTL used when Set is called with ttl <= 0.
func WithDefaultTTL(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.defaultTTL = d
		}
	}
}

// WithSweepInterval sets the proactive expiry interval. Zero disables the sweep.
func WithSweepInterval(d time.Duration) Option {
	return func(o *options) {
		o.sweepInterval = d
	}
}

// WithMaxConcurrentFactories bounds how many GetOrSet factories may run at
// once. Calls beyond the bound fail with ErrTooManyFactories. Zero means no bound.
func WithMaxConcurrentFactories(n int) Option {
	return func(o *options) {
		o.maxFactories = int64(n)
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithSizeFunc overrides per-entry size estimation.
func WithSizeFunc(fn func(any) int) Option {
	return func(o *options) {
		if fn != nil {
			o.sizeOf = fn
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics records hits, misses and evictions.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}
