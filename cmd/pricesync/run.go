package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/pricesync/internal/api"
	"github.com/rickgao/pricesync/internal/config"
	"github.com/rickgao/pricesync/internal/connection"
	"github.com/rickgao/pricesync/internal/database"
	"github.com/rickgao/pricesync/internal/httpapi"
	"github.com/rickgao/pricesync/internal/logger"
	"github.com/rickgao/pricesync/internal/metrics"
	"github.com/rickgao/pricesync/internal/mirror"
	"github.com/rickgao/pricesync/internal/poller"
	"github.com/rickgao/pricesync/internal/pricesync"
	"github.com/rickgao/pricesync/internal/subscription"
	"github.com/rickgao/pricesync/internal/version"
	"github.com/rickgao/pricesync/internal/writer"
)

const shutdownTimeout = 10 * time.Second

func runAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	l, err := logger.NewLogger(loggerConfig(cfg))
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer l.Sync()

	log := l.Logger.With(zap.String("instance", cfg.Instance.ID))
	log.Info("starting pricesync",
		zap.String("version", version.Version),
		zap.String("commit", version.Commit),
		zap.String("config", cmd.String("config")),
	)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return run(ctx, cfg, cmd.StringSlice("symbol"), cmd.Bool("market-status"), log)
}

// run wires every component and blocks until ctx is cancelled or a
// component fails.
func run(ctx context.Context, cfg *config.Config, symbols []string, marketStatus bool, log *zap.Logger) error {
	m := metrics.New()
	g, ctx := errgroup.WithContext(ctx)

	// Network monitor
	var monitor connection.NetworkMonitor = connection.NewStaticMonitor(true)
	if cfg.Network.ProbeAddress != "" {
		probe := connection.NewProbeMonitor(probeConfig(cfg), log)
		g.Go(func() error {
			probe.Run(ctx)
			return nil
		})
		monitor = probe
	}

	// Synchronization facade
	svc := pricesync.New(serviceConfig(cfg), log,
		pricesync.WithMetrics(m),
		pricesync.WithManagerOptions(connection.WithNetworkMonitor(monitor)),
	)
	defer svc.Close()

	svc.OnError(func(err error) {
		log.Warn("price sync error", zap.Error(err))
	})

	for _, sym := range symbols {
		if err := svc.Subscribe(sym); err != nil {
			return fmt.Errorf("subscribe %q: %w", sym, err)
		}
	}
	if marketStatus {
		if err := svc.SubscribeChannel(subscription.MarketStatus()); err != nil {
			return fmt.Errorf("subscribe market status: %w", err)
		}
	}

	// REST collaborator
	client := api.NewClient(cfg.API.RestURL, cfg.API.APIKey,
		api.WithTimeout(cfg.API.Timeout),
		api.WithRetries(cfg.API.MaxRetries, time.Second),
		api.WithLogger(log),
		api.WithUserAgent(version.UserAgent()),
	)
	quotes := api.NewMemoized(client, svc.Cache(), memoTTLs(cfg))

	// Snapshot history
	var snapshots *writer.SnapshotWriter
	if cfg.Database.Enabled {
		pool, err := database.Connect(ctx, cfg.Database.Timescale)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()

		if err := writer.EnsureSchema(ctx, pool); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
		snapshots = writer.NewSnapshotWriter(writerConfig(cfg), svc.History(), pool, log)
	}

	// Latest-price mirror
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		mir := mirror.New(rdb, mirrorConfig(cfg), log)
		if err := mir.Ping(ctx); err != nil {
			log.Warn("redis unavailable, mirror writes will fail until it recovers", zap.Error(err))
		}
		unregister := svc.OnPrice(mir.Handler(ctx))
		defer unregister()
	}

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start service: %w", err)
	}
	if snapshots != nil {
		if err := snapshots.Start(ctx); err != nil {
			return fmt.Errorf("start snapshot writer: %w", err)
		}
	}

	var fallback *poller.Poller
	if cfg.Poller.Enabled {
		fallback = poller.New(pollerConfig(cfg), quotes, svc, svc, log)
		if err := fallback.Start(ctx); err != nil {
			return fmt.Errorf("start poller: %w", err)
		}
	}

	if err := svc.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	// HTTP surface
	srv := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: httpapi.New(svc,
			httpapi.WithQuoteSource(quotes),
			httpapi.WithMetrics(cfg.Metrics.Path, m.Handler()),
			httpapi.WithLogger(log),
		),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		log.Info("http server listening", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("http shutdown", zap.Error(err))
		}
		if fallback != nil {
			fallback.Stop(shutdownCtx)
		}
		if err := svc.Close(); err != nil {
			log.Warn("service close", zap.Error(err))
		}
		// The writer drains what the dispatcher recorded before Close.
		if snapshots != nil {
			snapshots.Stop(shutdownCtx)
			log.Info("snapshot writer stats", zap.Any("stats", snapshots.Stats()))
		}
		return nil
	})

	err := g.Wait()
	log.Info("shutdown complete", zap.Error(err))
	return err
}
