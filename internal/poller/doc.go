// Package poller implements the REST fallback for live prices.
//
// While the streaming connection is down, the Poller:
//   - Fetches a quote for every subscribed symbol on a fixed interval
//   - Bounds concurrent requests with an errgroup limit
//   - Feeds results through the same monotonic overwrite as streamed
//     updates, tagged with source="rest"
//
// It stays idle while the stream is Open.
package poller
