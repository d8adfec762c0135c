package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarketStatus is the trading session state reported alongside prices.
type MarketStatus string

const (
	MarketStatusOpen       MarketStatus = "open"
	MarketStatusClosed     MarketStatus = "closed"
	MarketStatusPreMarket  MarketStatus = "pre_market"
	MarketStatusAfterHours MarketStatus = "after_hours"
	MarketStatusUnknown    MarketStatus = "unknown"
)

// Snapshot sources.
const (
	SourceStream = "ws"
	SourceREST   = "rest"
)

// PriceSnapshot is the latest known price state for one symbol.
// A later snapshot for the same symbol replaces the earlier one outright.
type PriceSnapshot struct {
	Symbol        string          `json:"stock_code"`
	Price         decimal.Decimal `json:"current_price"`
	Change        decimal.Decimal `json:"price_change"`
	ChangePct     decimal.Decimal `json:"price_change_pct"`
	Volume        int64           `json:"volume"`
	MarketStatus  MarketStatus    `json:"market_status"`
	PreviousClose decimal.Decimal `json:"previous_close"`
	AsOf          time.Time       `json:"timestamp"`
	Source        string          `json:"source"` // "ws" or "rest"
}

// IsZero reports whether the snapshot carries no symbol.
func (s PriceSnapshot) IsZero() bool {
	return s.Symbol == ""
}

// OlderThan reports whether s was observed strictly before other.
func (s PriceSnapshot) OlderThan(other PriceSnapshot) bool {
	return s.AsOf.Before(other.AsOf)
}

// Size estimates the in-memory footprint in bytes.
func (s PriceSnapshot) Size() int {
	// Fixed fields plus the variable-length strings.
	return 4*24 + 8 + 24 + len(s.Symbol) + len(s.MarketStatus) + len(s.Source)
}

// NormalizeMarketStatus maps free-form wire values onto known statuses.
func NormalizeMarketStatus(raw string) MarketStatus {
	switch MarketStatus(raw) {
	case MarketStatusOpen, MarketStatusClosed, MarketStatusPreMarket, MarketStatusAfterHours:
		return MarketStatus(raw)
	case "":
		return MarketStatusUnknown
	}
	switch raw {
	case "OPEN", "trading", "TRADING":
		return MarketStatusOpen
	case "CLOSED", "halted", "HALTED":
		return MarketStatusClosed
	case "pre", "PRE", "premarket":
		return MarketStatusPreMarket
	case "post", "POST", "afterhours":
		return MarketStatusAfterHours
	}
	return MarketStatusUnknown
}

// HistoryBar is one OHLCV bar returned by the REST history endpoint.
type HistoryBar struct {
	Time   time.Time       `json:"time"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume int64           `json:"volume"`
}

// SymbolInfo resolves a stock code to its company name.
type SymbolInfo struct {
	Symbol   string `json:"stock_code"`
	Name     string `json:"company_name"`
	Exchange string `json:"exchange"`
}

// WatchlistItem is one entry in the user's watchlist.
type WatchlistItem struct {
	ID      string    `json:"id"`
	Symbol  string    `json:"stock_code"`
	Name    string    `json:"company_name"`
	AddedAt time.Time `json:"added_at"`
}
