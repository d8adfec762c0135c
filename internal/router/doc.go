// Package router implements the Message Dispatcher.
//
// The Dispatcher decodes each inbound frame and routes it by type:
//   - price_update frames become model.PriceSnapshot values written to the
//     live-price cache, pushed to price listeners and queued for history
//   - market_status frames go to status listeners only
//   - connection_status and heartbeat frames are counted and logged
//   - error frames go to error listeners
//
// A frame that fails to parse is logged and counted; it never affects the
// connection. An update older than the cached snapshot for its symbol is
// discarded.
package router
