package api

import (
	"context"
	"net/url"
	"strings"

	"github.com/rickgao/pricesync/pkg/errors"
)

// GetQuote fetches the latest quote for a symbol.
func (c *Client) GetQuote(ctx context.Context, symbol string) (*QuoteResponse, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, errors.New(errors.ErrCodeInvalidPayload, "get quote: empty symbol")
	}

	var resp QuoteResponse
	if err := c.get(ctx, "/quotes/"+url.PathEscape(symbol), nil, &resp); err != nil {
		return nil, errors.Wrapf(errors.ErrCodeRequestFailed, err, "get quote %s", symbol)
	}
	if resp.StockCode == "" {
		resp.StockCode = symbol
	}
	return &resp, nil
}

// GetHistory fetches OHLCV bars for a symbol. An empty interval lets the
// server choose.
func (c *Client) GetHistory(ctx context.Context, symbol, interval string) (*HistoryResponse, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	query := url.Values{}
	if interval != "" {
		query.Set("interval", interval)
	}

	var resp HistoryResponse
	if err := c.get(ctx, "/stocks/"+url.PathEscape(symbol)+"/history", query, &resp); err != nil {
		return nil, errors.Wrapf(errors.ErrCodeRequestFailed, err, "get history %s", symbol)
	}
	return &resp, nil
}

// SearchSymbols resolves a free-text query to stock codes and company names.
func (c *Client) SearchSymbols(ctx context.Context, query string) (*SearchResponse, error) {
	q := url.Values{}
	q.Set("q", strings.TrimSpace(query))

	var resp SearchResponse
	if err := c.get(ctx, "/symbols/search", q, &resp); err != nil {
		return nil, errors.Wrapf(errors.ErrCodeRequestFailed, err, "search symbols %q", query)
	}
	return &resp, nil
}
