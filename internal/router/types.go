package router

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rickgao/pricesync/internal/model"
)

// Config holds configuration for the Message Dispatcher.
type Config struct {
	// PriceTTL is the cache TTL for each snapshot. Zero uses the cache default.
	PriceTTL time.Duration

	// HistoryBufferSize is the initial size of the snapshot history buffer.
	// Zero disables the buffer.
	HistoryBufferSize int

	// HistoryMaxBuffer caps history buffer growth; older snapshots are
	// dropped beyond it. Zero means unbounded.
	HistoryMaxBuffer int
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		PriceTTL:          5 * time.Minute,
		HistoryBufferSize: 0,
		HistoryMaxBuffer:  100000,
	}
}

// Kind is the inbound frame type.
type Kind string

const (
	KindPriceUpdate      Kind = "price_update"
	KindMarketStatus     Kind = "market_status"
	KindConnectionStatus Kind = "connection_status"
	KindHeartbeat        Kind = "heartbeat"
	KindError            Kind = "error"
)

// Inbound is one decoded frame. It lives only for the duration of a dispatch.
type Inbound struct {
	Kind       Kind
	Payload    json.RawMessage
	Error      json.RawMessage
	Message    string
	Timestamp  time.Time
	ReceivedAt time.Time
}

// MarketStatus is a market-wide session update.
type MarketStatus struct {
	Status  model.MarketStatus `json:"status"`
	Market  string             `json:"market,omitempty"`
	Message string             `json:"message,omitempty"`
	AsOf    time.Time          `json:"timestamp"`
}

// ConnectionStatus is a server-side session notice. It is observability only.
type ConnectionStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// ServerError is the content of an error frame.
type ServerError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *ServerError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// Stats contains runtime statistics.
type Stats struct {
	Received           int64       `json:"received"`
	Prices             int64       `json:"prices"`
	Statuses           int64       `json:"statuses"`
	ConnectionStatuses int64       `json:"connection_statuses"`
	Heartbeats         int64       `json:"heartbeats"`
	ServerErrors       int64       `json:"server_errors"`
	ParseErrors        int64       `json:"parse_errors"`
	Unknown            int64       `json:"unknown"`
	Stale              int64       `json:"stale"`
	History            BufferStats `json:"history"`
}

// Wire formats.

type envelopeWire struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Error     json.RawMessage `json:"error"`
	Message   string          `json:"message"`
	Timestamp wireTime        `json:"timestamp"`
}

type priceUpdateWire struct {
	StockCode      string           `json:"stock_code"`
	CurrentPrice   *decimal.Decimal `json:"current_price"`
	PriceChange    decimal.Decimal  `json:"price_change"`
	PriceChangePct decimal.Decimal  `json:"price_change_pct"`
	Volume         decimal.Decimal  `json:"volume"`
	MarketStatus   string           `json:"market_status"`
	Timestamp      wireTime         `json:"timestamp"`
	PreviousClose  decimal.Decimal  `json:"previous_close"`
}

type marketStatusWire struct {
	Status       string   `json:"status"`
	MarketStatus string   `json:"market_status"`
	Market       string   `json:"market"`
	Message      string   `json:"message"`
	Timestamp    wireTime `json:"timestamp"`
}

type serverErrorWire struct {
	Code    json.RawMessage `json:"code"`
	Message string          `json:"message"`
	Error   string          `json:"error"`
}

// wireTime accepts unix seconds, unix milliseconds, numeric strings, RFC 3339
// strings and null.
type wireTime struct {
	time.Time
}

func (t *wireTime) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" || s == `""` || s == "" {
		return nil
	}

	if s[0] == '"' {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		if parsed, err := time.Parse(time.RFC3339Nano, str); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
		s = str
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp %q", s)
	}
	if f >= 1e12 {
		t.Time = time.UnixMilli(int64(f)).UTC()
		return nil
	}
	sec, frac := math.Modf(f)
	t.Time = time.Unix(int64(sec), int64(frac*1e9)).UTC()
	return nil
}

func rawCode(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if s == "null" {
		return ""
	}
	return strings.Trim(s, `"`)
}
