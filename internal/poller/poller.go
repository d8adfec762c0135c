package poller

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/pricesync/internal/api"
	"github.com/rickgao/pricesync/internal/logger"
	"github.com/rickgao/pricesync/internal/model"
)

// QuoteFetcher fetches a REST quote. Both api.Client and api.Memoized
// satisfy it.
type QuoteFetcher interface {
	GetQuote(ctx context.Context, symbol string) (*api.QuoteResponse, error)
}

// SymbolSource reports what to poll and whether polling is needed.
type SymbolSource interface {
	Symbols() []string
	IsConnected() bool
}

// SnapshotSink accepts fetched snapshots. It returns false for a snapshot
// older than the one already held.
type SnapshotSink interface {
	ApplySnapshot(model.PriceSnapshot) bool
}

// Config holds poller configuration.
type Config struct {
	Interval    time.Duration // Poll interval (default: 15s)
	Concurrency int           // Max concurrent requests (default: 8)
	Timeout     time.Duration // Per-request timeout (default: 10s)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:    15 * time.Second,
		Concurrency: 8,
		Timeout:     10 * time.Second,
	}
}

// Result summarizes one poll cycle.
type Result struct {
	Skipped bool
	Symbols int
	Applied int64
	Stale   int64
	Failed  int64
}

// Poller periodically fetches quotes via the REST API.
type Poller struct {
	cfg     Config
	fetcher QuoteFetcher
	source  SymbolSource
	sink    SnapshotSink
	logger  *zap.Logger
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Poller.
func New(cfg Config, fetcher QuoteFetcher, source SymbolSource, sink SnapshotSink, log *zap.Logger) *Poller {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &Poller{
		cfg:     cfg,
		fetcher: fetcher,
		source:  source,
		sink:    sink,
		logger:  logger.OrNop(log).Named("poller"),
		now:     time.Now,
	}
}

// Start begins the polling loop.
func (p *Poller) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go p.run()

	p.logger.Info("rest fallback poller started",
		zap.Duration("interval", p.cfg.Interval),
		zap.Int("concurrency", p.cfg.Concurrency),
	)

	return nil
}

// Stop gracefully shuts down the poller.
func (p *Poller) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("rest fallback poller stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the main polling loop.
func (p *Poller) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.PollOnce(p.ctx)
		}
	}
}

// PollOnce runs one cycle unless the stream is connected.
func (p *Poller) PollOnce(ctx context.Context) Result {
	if p.source.IsConnected() {
		p.logger.Debug("stream connected, skipping poll")
		return Result{Skipped: true}
	}

	symbols := p.source.Symbols()
	res := Result{Symbols: len(symbols)}
	if len(symbols) == 0 {
		p.logger.Debug("no subscribed symbols to poll")
		return res
	}

	start := time.Now()
	var applied, stale, failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)

	for _, symbol := range symbols {
		if gctx.Err() != nil {
			break
		}
		symbol := symbol
		g.Go(func() error {
			// A failed symbol must not cancel the others, so errors are
			// counted here instead of returned.
			ok, err := p.pollSymbol(gctx, symbol)
			switch {
			case err != nil:
				p.logger.Warn("failed to poll quote", zap.String("symbol", symbol), zap.Error(err))
				failed.Add(1)
			case ok:
				applied.Add(1)
			default:
				stale.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	res.Applied = applied.Load()
	res.Stale = stale.Load()
	res.Failed = failed.Load()

	p.logger.Info("poll cycle complete",
		zap.Int("symbols", res.Symbols),
		zap.Int64("applied", res.Applied),
		zap.Int64("stale", res.Stale),
		zap.Int64("errors", res.Failed),
		zap.Duration("duration", time.Since(start)),
	)
	return res
}

// pollSymbol fetches and applies a single quote.
func (p *Poller) pollSymbol(ctx context.Context, symbol string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	quote, err := p.fetcher.GetQuote(ctx, symbol)
	if err != nil {
		return false, err
	}

	return p.sink.ApplySnapshot(quote.Snapshot(p.now())), nil
}
