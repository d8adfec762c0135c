package api

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/rickgao/pricesync/pkg/errors"
)

// ListWatchlist fetches the user's watchlist.
func (c *Client) ListWatchlist(ctx context.Context) (*WatchlistResponse, error) {
	var resp WatchlistResponse
	if err := c.get(ctx, "/watchlist", nil, &resp); err != nil {
		return nil, errors.Wrap(errors.ErrCodeRequestFailed, "list watchlist", err)
	}
	return &resp, nil
}

// AddToWatchlist adds a symbol to the watchlist.
func (c *Client) AddToWatchlist(ctx context.Context, symbol string) (*WatchlistItemResponse, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	var resp WatchlistItemResponse
	if err := c.send(ctx, http.MethodPost, "/watchlist", addWatchlistRequest{StockCode: symbol}, &resp); err != nil {
		return nil, errors.Wrapf(errors.ErrCodeRequestFailed, err, "add %s to watchlist", symbol)
	}
	return &resp, nil
}

// RemoveFromWatchlist removes a symbol from the watchlist.
func (c *Client) RemoveFromWatchlist(ctx context.Context, symbol string) error {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	if err := c.send(ctx, http.MethodDelete, "/watchlist/"+url.PathEscape(symbol), nil, nil); err != nil {
		return errors.Wrapf(errors.ErrCodeRequestFailed, err, "remove %s from watchlist", symbol)
	}
	return nil
}
