package api

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rickgao/pricesync/internal/cache"
	"github.com/rickgao/pricesync/pkg/errors"
)

// MemoTTLs sets how long each kind of response stays cached.
type MemoTTLs struct {
	Quote     time.Duration `yaml:"quote"`
	History   time.Duration `yaml:"history"`
	Search    time.Duration `yaml:"search"`
	Watchlist time.Duration `yaml:"watchlist"`
}

// DefaultMemoTTLs returns default TTLs. Quotes go stale fastest; symbol
// metadata almost never changes.
func DefaultMemoTTLs() MemoTTLs {
	return MemoTTLs{
		Quote:     5 * time.Second,
		History:   10 * time.Minute,
		Search:    time.Hour,
		Watchlist: 30 * time.Second,
	}
}

const watchlistKey = "watchlist"

// Memoized serves reads from a cache.Store and falls through to the Client
// on a miss. Failed fetches are never cached.
type Memoized struct {
	client *Client
	store  *cache.Store[[]byte]
	ttl    MemoTTLs
}

// NewMemoized wraps client with store.
func NewMemoized(client *Client, store *cache.Store[[]byte], ttl MemoTTLs) *Memoized {
	return &Memoized{client: client, store: store, ttl: ttl}
}

// GetQuote returns a cached or fresh quote.
func (m *Memoized) GetQuote(ctx context.Context, symbol string) (*QuoteResponse, error) {
	key := "quote:" + strings.ToUpper(strings.TrimSpace(symbol))
	return memo(ctx, m.store, key, m.ttl.Quote, func(ctx context.Context) (*QuoteResponse, error) {
		return m.client.GetQuote(ctx, symbol)
	})
}

// GetHistory returns cached or fresh bars.
func (m *Memoized) GetHistory(ctx context.Context, symbol, interval string) (*HistoryResponse, error) {
	key := "history:" + strings.ToUpper(strings.TrimSpace(symbol)) + ":" + interval
	return memo(ctx, m.store, key, m.ttl.History, func(ctx context.Context) (*HistoryResponse, error) {
		return m.client.GetHistory(ctx, symbol, interval)
	})
}

// SearchSymbols returns cached or fresh search results.
func (m *Memoized) SearchSymbols(ctx context.Context, query string) (*SearchResponse, error) {
	key := "search:" + strings.ToLower(strings.TrimSpace(query))
	return memo(ctx, m.store, key, m.ttl.Search, func(ctx context.Context) (*SearchResponse, error) {
		return m.client.SearchSymbols(ctx, query)
	})
}

// ListWatchlist returns the cached or fresh watchlist.
func (m *Memoized) ListWatchlist(ctx context.Context) (*WatchlistResponse, error) {
	return memo(ctx, m.store, watchlistKey, m.ttl.Watchlist, m.client.ListWatchlist)
}

// AddToWatchlist adds symbol and invalidates the cached watchlist.
func (m *Memoized) AddToWatchlist(ctx context.Context, symbol string) (*WatchlistItemResponse, error) {
	resp, err := m.client.AddToWatchlist(ctx, symbol)
	if err != nil {
		return nil, err
	}
	m.store.Delete(watchlistKey)
	return resp, nil
}

// RemoveFromWatchlist removes symbol and invalidates the cached watchlist.
func (m *Memoized) RemoveFromWatchlist(ctx context.Context, symbol string) error {
	if err := m.client.RemoveFromWatchlist(ctx, symbol); err != nil {
		return err
	}
	m.store.Delete(watchlistKey)
	return nil
}

// memo stores the JSON encoding of the fetched response so one byte cache
// can hold every response type.
func memo[T any](ctx context.Context, store *cache.Store[[]byte], key string, ttl time.Duration, fetch func(context.Context) (*T, error)) (*T, error) {
	data, err := store.GetOrSet(ctx, key, func(ctx context.Context) ([]byte, error) {
		v, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(v)
	}, ttl)
	if err != nil {
		return nil, err
	}

	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		store.Delete(key)
		return nil, errors.Wrap(errors.ErrCodeInvalidPayload, "decode cached "+key, err)
	}
	return &out, nil
}
