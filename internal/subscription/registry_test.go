package subscription

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_AddIsIdempotent(t *testing.T) {
	r := NewRegistry()

	assert.True(t, r.Add(Symbol("aapl")))
	assert.False(t, r.Add(Symbol("AAPL ")))
	assert.Equal(t, 1, r.Len())
	assert.True(t, r.Has(Channel{Kind: KindSymbol, Key: "AAPL"}))
}

func TestRegistry_Remove(t *testing.T) {
	r := NewRegistry()
	r.Add(Symbol("MSFT"))

	assert.True(t, r.Remove(Symbol("msft")))
	assert.False(t, r.Remove(Symbol("msft")))
	assert.Zero(t, r.Len())
}

func TestRegistry_ListOrderAndSymbols(t *testing.T) {
	r := NewRegistry()
	r.Add(Symbol("TSLA"))
	r.Add(MarketStatus())
	r.Add(Symbol("AAPL"))
	r.Add(AllSymbols())

	assert.Equal(t, []Channel{
		AllSymbols(),
		MarketStatus(),
		Symbol("AAPL"),
		Symbol("TSLA"),
	}, r.List())
	assert.Equal(t, []string{"AAPL", "TSLA"}, r.Symbols())

	r.Clear()
	assert.Empty(t, r.List())
	assert.Empty(t, r.Symbols())
}

func TestChannel_Validate(t *testing.T) {
	tests := []struct {
		name    string
		ch      Channel
		wantErr bool
	}{
		{"symbol", Symbol("AAPL"), false},
		{"empty symbol", Symbol("  "), true},
		{"market status", MarketStatus(), false},
		{"market status with key", Channel{Kind: KindMarketStatus, Key: "X"}, true},
		{"unknown kind", Channel{Kind: "options"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ch.Validate()
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestChannel_String(t *testing.T) {
	assert.Equal(t, "stock:AAPL", Symbol("aapl").String())
	assert.Equal(t, "market_status", MarketStatus().String())
}

func TestRegistry_Concurrent(t *testing.T) {
	r := NewRegistry()
	symbols := []string{"AAPL", "MSFT", "GOOG", "AMZN"}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ch := Symbol(symbols[i%len(symbols)])
			r.Add(ch)
			r.Has(ch)
			r.List()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, len(symbols), r.Len())
}
