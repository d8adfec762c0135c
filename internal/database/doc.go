// Package database provides the PostgreSQL/TimescaleDB connection pool used
// by the snapshot history writer.
package database
