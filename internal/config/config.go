package config

import "time"

// Config is the root configuration for a pricesync instance.
type Config struct {
	Instance InstanceConfig `yaml:"instance"`
	Stream   StreamConfig   `yaml:"stream"`
	Network  NetworkConfig  `yaml:"network"`
	Cache    CachesConfig   `yaml:"cache"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	API      APIConfig      `yaml:"api"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Writers  WritersConfig  `yaml:"writers"`
	Poller   PollerConfig   `yaml:"poller"`
	HTTP     HTTPConfig     `yaml:"http"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// InstanceConfig identifies this process in logs.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// StreamConfig holds the streaming connection settings.
type StreamConfig struct {
	URL                string        `yaml:"url" validate:"required,url"`
	APIKey             string        `yaml:"api_key"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `yaml:"reconnect_max_delay"`
	MaxAttempts        int           `yaml:"max_attempts" validate:"min=1"`
	JitterMax          time.Duration `yaml:"jitter_max"`
	BufferSize         int           `yaml:"buffer_size" validate:"min=1"`
}

// NetworkConfig controls the connectivity probe. An empty probe address
// treats the network as always online.
type NetworkConfig struct {
	ProbeAddress  string        `yaml:"probe_address" validate:"omitempty,hostname_port"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
}

// CachesConfig holds the two cache stores owned by the service.
type CachesConfig struct {
	Prices CacheConfig `yaml:"prices"`
	Memo   CacheConfig `yaml:"memo"`
}

// CacheConfig sizes one cache store.
type CacheConfig struct {
	MaxEntries             int           `yaml:"max_entries" validate:"min=1"`
	DefaultTTL             time.Duration `yaml:"default_ttl"`
	SweepInterval          time.Duration `yaml:"sweep_interval"`
	MaxConcurrentFactories int           `yaml:"max_concurrent_factories" validate:"gte=0"`
}

// DispatchConfig holds message dispatcher settings.
type DispatchConfig struct {
	PriceTTL          time.Duration `yaml:"price_ttl"`
	HistoryBufferSize int           `yaml:"history_buffer_size" validate:"gte=0"`
	HistoryMaxBuffer  int           `yaml:"history_max_buffer" validate:"gte=0"`
}

// APIConfig holds REST API settings.
type APIConfig struct {
	RestURL    string        `yaml:"rest_url" validate:"required,url"`
	APIKey     string        `yaml:"api_key"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries" validate:"gte=0"`
	Memo       MemoConfig    `yaml:"memo"`
}

// MemoConfig holds per-endpoint TTLs for memoized REST responses.
type MemoConfig struct {
	Quote     time.Duration `yaml:"quote"`
	History   time.Duration `yaml:"history"`
	Search    time.Duration `yaml:"search"`
	Watchlist time.Duration `yaml:"watchlist"`
}

// DatabaseConfig holds the TimescaleDB connection for snapshot history.
type DatabaseConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Timescale DBConfig `yaml:"timescale"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// RedisConfig holds the latest-price mirror settings.
type RedisConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Addr      string        `yaml:"addr" validate:"omitempty,hostname_port"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db" validate:"gte=0"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

// WritersConfig holds batch writer settings. The writer drains the
// dispatcher history buffer sized under dispatch.
type WritersConfig struct {
	BatchSize     int           `yaml:"batch_size" validate:"min=1"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// PollerConfig holds REST fallback poller settings.
type PollerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Interval    time.Duration `yaml:"interval"`
	Concurrency int           `yaml:"concurrency" validate:"min=1"`
	Timeout     time.Duration `yaml:"timeout"`
}

// HTTPConfig holds the HTTP server settings.
type HTTPConfig struct {
	Addr string `yaml:"addr" validate:"required"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Path string `yaml:"path" validate:"required,startswith=/"`
}

// LoggingConfig selects log level and encoding.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json console"`
}
