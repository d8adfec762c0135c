package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/rickgao/pricesync/internal/model"
)

// QuoteResponse from GET /quotes/{symbol}
type QuoteResponse struct {
	StockCode      string          `json:"stock_code"`
	CompanyName    string          `json:"company_name"`
	CurrentPrice   decimal.Decimal `json:"current_price"`
	PriceChange    decimal.Decimal `json:"price_change"`
	PriceChangePct decimal.Decimal `json:"price_change_pct"`
	Volume         int64           `json:"volume"`
	MarketStatus   string          `json:"market_status"`
	PreviousClose  decimal.Decimal `json:"previous_close"`
	Timestamp      time.Time       `json:"timestamp"`
}

// Snapshot converts the quote to a price snapshot. A missing timestamp
// falls back to fetchedAt.
func (q *QuoteResponse) Snapshot(fetchedAt time.Time) model.PriceSnapshot {
	asOf := q.Timestamp
	if asOf.IsZero() {
		asOf = fetchedAt
	}
	return model.PriceSnapshot{
		Symbol:        q.StockCode,
		Price:         q.CurrentPrice,
		Change:        q.PriceChange,
		ChangePct:     q.PriceChangePct,
		Volume:        q.Volume,
		MarketStatus:  model.NormalizeMarketStatus(q.MarketStatus),
		PreviousClose: q.PreviousClose,
		AsOf:          asOf.UTC(),
		Source:        model.SourceREST,
	}
}

// HistoryResponse from GET /stocks/{symbol}/history
type HistoryResponse struct {
	StockCode string             `json:"stock_code"`
	Interval  string             `json:"interval"`
	Bars      []model.HistoryBar `json:"bars"`
}

// SearchResponse from GET /symbols/search
type SearchResponse struct {
	Results []model.SymbolInfo `json:"results"`
}

// WatchlistResponse from GET /watchlist
type WatchlistResponse struct {
	Items []model.WatchlistItem `json:"items"`
}

// WatchlistItemResponse from POST /watchlist
type WatchlistItemResponse struct {
	Item model.WatchlistItem `json:"item"`
}

type addWatchlistRequest struct {
	StockCode string `json:"stock_code"`
}

// History intervals accepted by GetHistory.
const (
	Interval1m = "1m"
	Interval5m = "5m"
	Interval1h = "1h"
	Interval1d = "1d"
	Interval1w = "1w"
)
