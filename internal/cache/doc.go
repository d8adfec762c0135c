// Package cache implements the Cache Store: a generic key/value store with
// per-entry TTL and least-frequently-used eviction under a size cap.
//
// The same Store type backs the live-price table (one PriceSnapshot per
// symbol) and REST response memoization (raw bodies keyed by request).
//
// Expired entries are never returned. They are removed lazily on read, when
// an insert at capacity needs room, and by a periodic sweep that runs until
// Close is called.
package cache
