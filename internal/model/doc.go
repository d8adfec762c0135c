// Package model defines shared data types used across the price synchronization layer.
//
// Conventions:
//   - Money values: shopspring/decimal, never float64
//   - Timestamps: time.Time in UTC
//   - Symbols: exchange stock codes as strings (e.g. "7203")
package model
