package pricesync

import (
	"time"

	"github.com/rickgao/pricesync/internal/cache"
	"github.com/rickgao/pricesync/internal/connection"
	"github.com/rickgao/pricesync/internal/metrics"
	"github.com/rickgao/pricesync/internal/router"
)

// CacheConfig sizes one Cache Store.
type CacheConfig struct {
	MaxEntries             int
	DefaultTTL             time.Duration
	SweepInterval          time.Duration
	MaxConcurrentFactories int
}

func (c CacheConfig) options(name string) []cache.Option {
	opts := []cache.Option{
		cache.WithName(name),
		cache.WithSweepInterval(c.SweepInterval),
	}
	if c.MaxEntries > 0 {
		opts = append(opts, cache.WithMaxEntries(c.MaxEntries))
	}
	if c.DefaultTTL > 0 {
		opts = append(opts, cache.WithDefaultTTL(c.DefaultTTL))
	}
	if c.MaxConcurrentFactories > 0 {
		opts = append(opts, cache.WithMaxConcurrentFactories(c.MaxConcurrentFactories))
	}
	return opts
}

// Config holds configuration for a Service.
type Config struct {
	Connection connection.ManagerConfig
	Dispatch   router.Config

	PriceCache CacheConfig
	MemoCache  CacheConfig

	// ShutdownTimeout bounds Close.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		Connection: connection.DefaultManagerConfig(),
		Dispatch:   router.DefaultConfig(),
		PriceCache: CacheConfig{
			MaxEntries:    cache.DefaultMaxEntries,
			DefaultTTL:    5 * time.Minute,
			SweepInterval: cache.DefaultSweepInterval,
		},
		MemoCache: CacheConfig{
			MaxEntries:             500,
			DefaultTTL:             time.Minute,
			SweepInterval:          cache.DefaultSweepInterval,
			MaxConcurrentFactories: 16,
		},
		ShutdownTimeout: 5 * time.Second,
	}
}

// Option configures a Service.
type Option func(*options)

type options struct {
	metrics     *metrics.Metrics
	managerOpts []connection.ManagerOption
	cacheOpts   []cache.Option
}

// WithMetrics records connection, dispatch and cache metrics on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithManagerOptions passes options through to the Connection Manager.
func WithManagerOptions(opts ...connection.ManagerOption) Option {
	return func(o *options) {
		o.managerOpts = append(o.managerOpts, opts...)
	}
}

// WithCacheOptions applies opts to both caches after the configured ones.
func WithCacheOptions(opts ...cache.Option) Option {
	return func(o *options) {
		o.cacheOpts = append(o.cacheOpts, opts...)
	}
}
