package writer

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/rickgao/pricesync/internal/logger"
	"github.com/rickgao/pricesync/internal/model"
	"github.com/rickgao/pricesync/internal/router"
)

const insertSnapshotSQL = `
	INSERT INTO price_snapshots (symbol, as_of, price, price_change, change_pct, volume, market_status, previous_close, source)
	VALUES ($1, $2, $3::numeric, $4::numeric, $5::numeric, $6, $7, $8::numeric, $9)
	ON CONFLICT (symbol, as_of) DO NOTHING
`

// SnapshotWriter consumes snapshots from the dispatcher's history buffer and
// writes them to the price_snapshots table.
type SnapshotWriter struct {
	cfg    WriterConfig
	logger *zap.Logger

	// Input from the Message Dispatcher
	input *router.GrowableBuffer[model.PriceSnapshot]

	// Database
	db DB

	// Batching
	batch       []snapshotRow
	batchMu     sync.Mutex
	flushTicker *time.Ticker

	// Serializes flushes so Stop's final flush never overlaps a periodic one.
	flushMu sync.Mutex

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Metrics
	metrics WriterMetrics
}

// NewSnapshotWriter creates a new SnapshotWriter.
func NewSnapshotWriter(
	cfg WriterConfig,
	input *router.GrowableBuffer[model.PriceSnapshot],
	db DB,
	log *zap.Logger,
) *SnapshotWriter {
	def := DefaultWriterConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	return &SnapshotWriter{
		cfg:    cfg,
		input:  input,
		db:     db,
		logger: logger.OrNop(log).Named("writer"),
		batch:  make([]snapshotRow, 0, cfg.BatchSize),
	}
}

// Start begins consuming snapshots and writing to the database.
func (w *SnapshotWriter) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.flushTicker = time.NewTicker(w.cfg.FlushInterval)

	// Consumer goroutine
	w.wg.Add(1)
	go w.consumeLoop()

	// Flush ticker goroutine
	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("snapshot writer started",
		zap.Int("batch_size", w.cfg.BatchSize),
		zap.Duration("flush_interval", w.cfg.FlushInterval),
	)
	return nil
}

// Stop gracefully shuts down the writer, draining what is left in the
// input buffer.
func (w *SnapshotWriter) Stop(ctx context.Context) error {
	w.logger.Info("stopping snapshot writer")

	if w.cancel != nil {
		w.cancel()
	}

	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}

	// Wait for goroutines
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("snapshot writer stopped")
	case <-ctx.Done():
		w.logger.Warn("snapshot writer stop timed out")
	}

	for _, s := range w.input.DrainTo(0) {
		w.add(s)
	}

	// Final flush
	w.flushWith(ctx)

	return nil
}

// Stats returns current metrics.
func (w *SnapshotWriter) Stats() WriterMetrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.metrics
}

// consumeLoop reads from the input buffer and accumulates batches.
func (w *SnapshotWriter) consumeLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		default:
			snap, ok := w.input.TryReceive()
			if !ok {
				select {
				case <-w.ctx.Done():
					return
				case <-time.After(10 * time.Millisecond):
					continue
				}
			}

			w.handleSnapshot(snap)
		}
	}
}

// flushLoop periodically flushes the batch.
func (w *SnapshotWriter) flushLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.flushTicker.C:
			w.flushWith(w.ctx)
		}
	}
}

// handleSnapshot adds a snapshot to the batch, flushing when full.
func (w *SnapshotWriter) handleSnapshot(s model.PriceSnapshot) {
	if w.add(s) {
		w.flushWith(w.ctx)
	}
}

func (w *SnapshotWriter) add(s model.PriceSnapshot) (full bool) {
	row := transform(s)

	w.batchMu.Lock()
	w.batch = append(w.batch, row)
	full = len(w.batch) >= w.cfg.BatchSize
	w.batchMu.Unlock()
	return full
}

// transform converts a snapshot to a row.
func transform(s model.PriceSnapshot) snapshotRow {
	status := string(s.MarketStatus)
	if status == "" {
		status = string(model.MarketStatusUnknown)
	}
	return snapshotRow{
		Symbol:        s.Symbol,
		AsOf:          s.AsOf.UTC(),
		Price:         s.Price.String(),
		Change:        s.Change.String(),
		ChangePct:     s.ChangePct.String(),
		Volume:        s.Volume,
		MarketStatus:  status,
		PreviousClose: s.PreviousClose.String(),
		Source:        s.Source,
	}
}

// flushWith writes the current batch to the database.
func (w *SnapshotWriter) flushWith(ctx context.Context) {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := w.batch
	w.batch = make([]snapshotRow, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()

	// A cancelled writer context must not abort the final flush.
	if ctx.Err() != nil {
		ctx = context.WithoutCancel(ctx)
	}

	conflicts, err := w.batchInsert(ctx, batch)
	if err != nil {
		w.logger.Error("batch insert failed", zap.Error(err), zap.Int("count", len(batch)))
		w.batchMu.Lock()
		w.metrics.Errors++
		w.batchMu.Unlock()
		return
	}

	w.batchMu.Lock()
	w.metrics.Inserts += int64(len(batch) - conflicts)
	w.metrics.Conflicts += int64(conflicts)
	w.metrics.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed snapshots",
		zap.Int("count", len(batch)),
		zap.Int("conflicts", conflicts),
		zap.Duration("duration", time.Since(start)),
	)
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (w *SnapshotWriter) batchInsert(ctx context.Context, rows []snapshotRow) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(insertSnapshotSQL,
			r.Symbol, r.AsOf, r.Price, r.Change, r.ChangePct, r.Volume, r.MarketStatus, r.PreviousClose, r.Source)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}
