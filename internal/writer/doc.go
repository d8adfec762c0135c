// Package writer persists accepted price snapshots.
//
// SnapshotWriter drains the dispatcher's history buffer and batch-inserts
// rows into the price_snapshots table. Inserts are append-only: a row for
// an existing (symbol, as_of) pair is skipped, never updated.
//
// Prices are stored as NUMERIC so decimal values round-trip exactly.
package writer
