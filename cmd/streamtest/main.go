// streamtest connects to the price stream, subscribes to the given stock
// codes, and prints every accepted snapshot to the console.
//
// Usage:
//
//	go run ./cmd/streamtest --url wss://prices.example.com/v1/stream 6758 7203
//
// The API key is read from PRICESYNC_API_KEY when set.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/rickgao/pricesync/internal/logger"
	"github.com/rickgao/pricesync/internal/model"
	"github.com/rickgao/pricesync/internal/pricesync"
	"github.com/rickgao/pricesync/internal/router"
	"github.com/rickgao/pricesync/internal/subscription"
	"github.com/rickgao/pricesync/internal/version"
)

func main() {
	url := flag.String("url", "ws://localhost:8080/v1/stream", "stream URL")
	verbose := flag.Bool("verbose", false, "print full snapshot JSON")
	heartbeat := flag.Duration("heartbeat", 30*time.Second, "heartbeat interval")
	flag.Parse()

	l, err := logger.NewLogger(logger.Config{Level: "debug", Format: "console"})
	if err != nil {
		fmt.Fprintln(os.Stderr, "create logger:", err)
		os.Exit(1)
	}
	defer l.Sync()
	log := l.Logger

	symbols := flag.Args()
	if len(symbols) == 0 {
		log.Error("at least one stock code is required")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := pricesync.DefaultConfig()
	cfg.Connection.URL = *url
	cfg.Connection.APIKey = os.Getenv("PRICESYNC_API_KEY")
	cfg.Connection.UserAgent = version.UserAgent()
	cfg.Connection.HeartbeatInterval = *heartbeat

	svc := pricesync.New(cfg, log)
	defer svc.Close()

	svc.OnPrice(func(s model.PriceSnapshot) {
		if *verbose {
			data, _ := json.MarshalIndent(s, "", "  ")
			fmt.Printf("[PRICE] %s\n", data)
			return
		}
		fmt.Printf("[PRICE] %s price=%s change=%s (%s%%) vol=%d status=%s at=%s\n",
			s.Symbol, s.Price, s.Change, s.ChangePct, s.Volume, s.MarketStatus, s.AsOf.Format(time.RFC3339))
	})
	svc.OnMarketStatus(func(m router.MarketStatus) {
		fmt.Printf("[MARKET] status=%s at=%s\n", m.Status, m.AsOf.Format(time.RFC3339))
	})
	svc.OnError(func(err error) {
		log.Warn("stream error", zap.Error(err))
	})

	for _, sym := range symbols {
		if err := svc.Subscribe(sym); err != nil {
			log.Error("invalid stock code", zap.String("symbol", sym), zap.Error(err))
			os.Exit(2)
		}
	}
	svc.SubscribeChannel(subscription.MarketStatus())

	if err := svc.Start(ctx); err != nil {
		log.Error("failed to start", zap.Error(err))
		os.Exit(1)
	}
	if err := svc.Connect(); err != nil {
		log.Error("failed to connect", zap.Error(err))
		os.Exit(1)
	}

	// Stats printer
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				st := svc.Status()
				ds := svc.DispatchStats()
				log.Info("stats",
					zap.Stringer("state", st.State),
					zap.String("session", st.SessionID),
					zap.Int("attempts", st.Attempts),
					zap.Int64("received", ds.Received),
					zap.Int64("prices", ds.Prices),
					zap.Int64("stale", ds.Stale),
					zap.Int64("parse_errors", ds.ParseErrors),
				)
			}
		}
	}()

	log.Info("streaming started - press Ctrl+C to stop", zap.Strings("symbols", symbols))
	<-ctx.Done()

	log.Info("shutting down...")
	if err := svc.Close(); err != nil {
		log.Warn("close", zap.Error(err))
	}
	log.Info("shutdown complete")
}
