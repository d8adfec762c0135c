package writer

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// WriterConfig holds common configuration for writers.
type WriterConfig struct {
	// BatchSize is the number of rows to accumulate before flushing.
	BatchSize int

	// FlushInterval is the maximum time between flushes.
	FlushInterval time.Duration
}

// DefaultWriterConfig returns sensible defaults.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		BatchSize:     1000,
		FlushInterval: 5 * time.Second,
	}
}

// WriterMetrics tracks writer performance.
type WriterMetrics struct {
	Inserts   int64 `json:"inserts"`
	Conflicts int64 `json:"conflicts"`
	Errors    int64 `json:"errors"`
	Flushes   int64 `json:"flushes"`
}

// DB is the subset of *pgxpool.Pool the writer uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// snapshotRow is one price_snapshots row.
type snapshotRow struct {
	Symbol        string
	AsOf          time.Time
	Price         string
	Change        string
	ChangePct     string
	Volume        int64
	MarketStatus  string
	PreviousClose string
	Source        string
}

// Schema creates the price_snapshots table.
const Schema = `
CREATE TABLE IF NOT EXISTS price_snapshots (
	symbol         TEXT        NOT NULL,
	as_of          TIMESTAMPTZ NOT NULL,
	price          NUMERIC     NOT NULL,
	price_change   NUMERIC     NOT NULL DEFAULT 0,
	change_pct     NUMERIC     NOT NULL DEFAULT 0,
	volume         BIGINT      NOT NULL DEFAULT 0,
	market_status  TEXT        NOT NULL DEFAULT 'unknown',
	previous_close NUMERIC     NOT NULL DEFAULT 0,
	source         TEXT        NOT NULL,
	recorded_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (symbol, as_of)
)`

// EnsureSchema creates the tables the writer needs.
func EnsureSchema(ctx context.Context, db DB) error {
	_, err := db.Exec(ctx, Schema)
	return err
}
