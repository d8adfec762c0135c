// Package api is the REST client for non-real-time market data: quotes,
// price history, symbol search and the user's watchlist.
//
// Endpoints (relative to the configured base URL):
//
//	GET    /quotes/{symbol}
//	GET    /stocks/{symbol}/history?interval=1d
//	GET    /symbols/search?q=toyota
//	GET    /watchlist
//	POST   /watchlist
//	DELETE /watchlist/{symbol}
//
// Memoized wraps a Client with a cache.Store so repeated reads within a TTL
// are served locally.
package api
