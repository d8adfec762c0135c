package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultInstanceID         = "pricesync"
	DefaultStreamURL          = "ws://localhost:8080/v1/stream"
	DefaultRestURL            = "http://localhost:8080/v1"
	DefaultHeartbeatInterval  = 30 * time.Second
	DefaultHandshakeTimeout   = 10 * time.Second
	DefaultWriteTimeout       = 5 * time.Second
	DefaultReconnectBaseDelay = 1 * time.Second
	DefaultReconnectMaxDelay  = 30 * time.Second
	DefaultMaxAttempts        = 5
	DefaultJitterMax          = 1 * time.Second
	DefaultStreamBufferSize   = 4096
	DefaultProbeInterval      = 5 * time.Second
	DefaultProbeTimeout       = 2 * time.Second
	DefaultPriceCacheEntries  = 1000
	DefaultPriceTTL           = 5 * time.Minute
	DefaultMemoCacheEntries   = 500
	DefaultMemoTTL            = 1 * time.Minute
	DefaultSweepInterval      = 1 * time.Minute
	DefaultMaxFactories       = 16
	DefaultHistoryBufferSize  = 1024
	DefaultHistoryMaxBuffer   = 65536
	DefaultAPITimeout         = 30 * time.Second
	DefaultMaxRetries         = 3
	DefaultQuoteTTL           = 5 * time.Second
	DefaultHistoryTTL         = 10 * time.Minute
	DefaultSearchTTL          = 1 * time.Hour
	DefaultWatchlistTTL       = 30 * time.Second
	DefaultDBPort             = 5432
	DefaultDBSSLMode          = "prefer"
	DefaultMaxConns           = 10
	DefaultMinConns           = 2
	DefaultRedisAddr          = "localhost:6379"
	DefaultRedisKeyPrefix     = "prices:latest:"
	DefaultRedisTTL           = 24 * time.Hour
	DefaultBatchSize          = 1000
	DefaultFlushInterval      = 5 * time.Second
	DefaultPollInterval       = 15 * time.Second
	DefaultPollConcurrency    = 8
	DefaultPollTimeout        = 10 * time.Second
	DefaultHTTPAddr           = ":8090"
	DefaultMetricsPath        = "/metrics"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "json"
)

// ApplyDefaults fills every unset optional field.
func (c *Config) ApplyDefaults() {
	if c.Instance.ID == "" {
		c.Instance.ID = DefaultInstanceID
	}

	// Stream defaults
	s := &c.Stream
	if s.URL == "" {
		s.URL = DefaultStreamURL
	}
	if s.HeartbeatInterval == 0 {
		s.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if s.HandshakeTimeout == 0 {
		s.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if s.WriteTimeout == 0 {
		s.WriteTimeout = DefaultWriteTimeout
	}
	if s.ReconnectBaseDelay == 0 {
		s.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if s.ReconnectMaxDelay == 0 {
		s.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if s.MaxAttempts == 0 {
		s.MaxAttempts = DefaultMaxAttempts
	}
	if s.JitterMax == 0 {
		s.JitterMax = DefaultJitterMax
	}
	if s.BufferSize == 0 {
		s.BufferSize = DefaultStreamBufferSize
	}

	// Network defaults
	if c.Network.ProbeInterval == 0 {
		c.Network.ProbeInterval = DefaultProbeInterval
	}
	if c.Network.ProbeTimeout == 0 {
		c.Network.ProbeTimeout = DefaultProbeTimeout
	}

	// Cache defaults
	applyCacheDefaults(&c.Cache.Prices, DefaultPriceCacheEntries, DefaultPriceTTL, 0)
	applyCacheDefaults(&c.Cache.Memo, DefaultMemoCacheEntries, DefaultMemoTTL, DefaultMaxFactories)

	// Dispatch defaults
	if c.Dispatch.HistoryBufferSize == 0 && c.Database.Enabled {
		c.Dispatch.HistoryBufferSize = DefaultHistoryBufferSize
		if c.Dispatch.HistoryMaxBuffer == 0 {
			c.Dispatch.HistoryMaxBuffer = DefaultHistoryMaxBuffer
		}
	}

	// API defaults
	if c.API.RestURL == "" {
		c.API.RestURL = DefaultRestURL
	}
	if c.API.Timeout == 0 {
		c.API.Timeout = DefaultAPITimeout
	}
	if c.API.MaxRetries == 0 {
		c.API.MaxRetries = DefaultMaxRetries
	}
	m := &c.API.Memo
	if m.Quote == 0 {
		m.Quote = DefaultQuoteTTL
	}
	if m.History == 0 {
		m.History = DefaultHistoryTTL
	}
	if m.Search == 0 {
		m.Search = DefaultSearchTTL
	}
	if m.Watchlist == 0 {
		m.Watchlist = DefaultWatchlistTTL
	}

	// Database defaults
	applyDBDefaults(&c.Database.Timescale)

	// Redis defaults
	if c.Redis.Addr == "" {
		c.Redis.Addr = DefaultRedisAddr
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = DefaultRedisKeyPrefix
	}
	if c.Redis.TTL == 0 {
		c.Redis.TTL = DefaultRedisTTL
	}

	// Writers defaults
	if c.Writers.BatchSize == 0 {
		c.Writers.BatchSize = DefaultBatchSize
	}
	if c.Writers.FlushInterval == 0 {
		c.Writers.FlushInterval = DefaultFlushInterval
	}

	// Poller defaults
	if c.Poller.Interval == 0 {
		c.Poller.Interval = DefaultPollInterval
	}
	if c.Poller.Concurrency == 0 {
		c.Poller.Concurrency = DefaultPollConcurrency
	}
	if c.Poller.Timeout == 0 {
		c.Poller.Timeout = DefaultPollTimeout
	}

	if c.HTTP.Addr == "" {
		c.HTTP.Addr = DefaultHTTPAddr
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}

	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
}

func applyCacheDefaults(cc *CacheConfig, entries int, ttl time.Duration, factories int) {
	if cc.MaxEntries == 0 {
		cc.MaxEntries = entries
	}
	if cc.DefaultTTL == 0 {
		cc.DefaultTTL = ttl
	}
	if cc.SweepInterval == 0 {
		cc.SweepInterval = DefaultSweepInterval
	}
	if cc.MaxConcurrentFactories == 0 {
		cc.MaxConcurrentFactories = factories
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
