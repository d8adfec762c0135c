package main

import (
	"github.com/rickgao/pricesync/internal/api"
	"github.com/rickgao/pricesync/internal/config"
	"github.com/rickgao/pricesync/internal/connection"
	"github.com/rickgao/pricesync/internal/logger"
	"github.com/rickgao/pricesync/internal/mirror"
	"github.com/rickgao/pricesync/internal/poller"
	"github.com/rickgao/pricesync/internal/pricesync"
	"github.com/rickgao/pricesync/internal/router"
	"github.com/rickgao/pricesync/internal/version"
	"github.com/rickgao/pricesync/internal/writer"
)

func serviceConfig(cfg *config.Config) pricesync.Config {
	s := cfg.Stream
	return pricesync.Config{
		Connection: connection.ManagerConfig{
			URL:                  s.URL,
			APIKey:               s.APIKey,
			UserAgent:            version.UserAgent(),
			HeartbeatInterval:    s.HeartbeatInterval,
			HandshakeTimeout:     s.HandshakeTimeout,
			WriteTimeout:         s.WriteTimeout,
			ReconnectBaseDelay:   s.ReconnectBaseDelay,
			ReconnectMaxDelay:    s.ReconnectMaxDelay,
			MaxReconnectAttempts: s.MaxAttempts,
			JitterMax:            s.JitterMax,
			MessageBufferSize:    s.BufferSize,
		},
		Dispatch: router.Config{
			PriceTTL:          cfg.Dispatch.PriceTTL,
			HistoryBufferSize: cfg.Dispatch.HistoryBufferSize,
			HistoryMaxBuffer:  cfg.Dispatch.HistoryMaxBuffer,
		},
		PriceCache:      cacheConfig(cfg.Cache.Prices),
		MemoCache:       cacheConfig(cfg.Cache.Memo),
		ShutdownTimeout: pricesync.DefaultConfig().ShutdownTimeout,
	}
}

func cacheConfig(c config.CacheConfig) pricesync.CacheConfig {
	return pricesync.CacheConfig{
		MaxEntries:             c.MaxEntries,
		DefaultTTL:             c.DefaultTTL,
		SweepInterval:          c.SweepInterval,
		MaxConcurrentFactories: c.MaxConcurrentFactories,
	}
}

func probeConfig(cfg *config.Config) connection.ProbeConfig {
	return connection.ProbeConfig{
		Address:  cfg.Network.ProbeAddress,
		Interval: cfg.Network.ProbeInterval,
		Timeout:  cfg.Network.ProbeTimeout,
	}
}

func memoTTLs(cfg *config.Config) api.MemoTTLs {
	m := cfg.API.Memo
	return api.MemoTTLs{
		Quote:     m.Quote,
		History:   m.History,
		Search:    m.Search,
		Watchlist: m.Watchlist,
	}
}

func pollerConfig(cfg *config.Config) poller.Config {
	return poller.Config{
		Interval:    cfg.Poller.Interval,
		Concurrency: cfg.Poller.Concurrency,
		Timeout:     cfg.Poller.Timeout,
	}
}

func writerConfig(cfg *config.Config) writer.WriterConfig {
	return writer.WriterConfig{
		BatchSize:     cfg.Writers.BatchSize,
		FlushInterval: cfg.Writers.FlushInterval,
	}
}

func mirrorConfig(cfg *config.Config) mirror.Config {
	return mirror.Config{
		KeyPrefix: cfg.Redis.KeyPrefix,
		TTL:       cfg.Redis.TTL,
	}
}

func loggerConfig(cfg *config.Config) logger.Config {
	return logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}
}
