// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Streaming connection state and reconnect attempts
//   - Inbound frame rates by kind and protocol error counts
//   - Cache hit/miss/eviction counts and entry gauges
//
// A nil *Metrics is valid and records nothing.
package metrics
