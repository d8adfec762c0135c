// Package subscription tracks which channels are of interest, independent of
// whether the streaming connection is currently open.
package subscription

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Kind identifies a channel family. Values are the wire subscription_type.
type Kind string

const (
	KindSymbol       Kind = "stock"
	KindMarketStatus Kind = "market_status"
	KindAllSymbols   Kind = "all_stocks"
)

// Channel is one subscription. Key is the symbol for KindSymbol and empty otherwise.
type Channel struct {
	Kind Kind   `json:"kind"`
	Key  string `json:"key,omitempty"`
}

// Symbol returns the channel for a single stock code.
func Symbol(code string) Channel {
	return Channel{Kind: KindSymbol, Key: NormalizeSymbol(code)}
}

// MarketStatus returns the market-wide status channel.
func MarketStatus() Channel {
	return Channel{Kind: KindMarketStatus}
}

// AllSymbols returns the firehose channel.
func AllSymbols() Channel {
	return Channel{Kind: KindAllSymbols}
}

// NormalizeSymbol trims and upper-cases a stock code.
func NormalizeSymbol(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Validate reports whether the channel is well formed.
func (c Channel) Validate() error {
	switch c.Kind {
	case KindSymbol:
		if c.Key == "" {
			return fmt.Errorf("symbol channel requires a stock code")
		}
	case KindMarketStatus, KindAllSymbols:
		if c.Key != "" {
			return fmt.Errorf("%s channel takes no key", c.Kind)
		}
	default:
		return fmt.Errorf("unknown channel kind %q", c.Kind)
	}
	return nil
}

func (c Channel) String() string {
	if c.Key == "" {
		return string(c.Kind)
	}
	return string(c.Kind) + ":" + c.Key
}

// Registry is a concurrency-safe set of channels.
type Registry struct {
	mu       sync.RWMutex
	channels map[Channel]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{channels: make(map[Channel]struct{})}
}

// Add inserts ch and reports whether it was newly added.
func (r *Registry) Add(ch Channel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.channels[ch]; ok {
		return false
	}
	r.channels[ch] = struct{}{}
	return true
}

// Remove deletes ch and reports whether it was present.
func (r *Registry) Remove(ch Channel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.channels[ch]; !ok {
		return false
	}
	delete(r.channels, ch)
	return true
}

// Has reports whether ch is subscribed.
func (r *Registry) Has(ch Channel) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.channels[ch]
	return ok
}

// Len returns the number of channels.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

// List returns all channels in a stable order: by kind, then key.
func (r *Registry) List() []Channel {
	r.mu.RLock()
	out := make([]Channel, 0, len(r.channels))
	for ch := range r.channels {
		out = append(out, ch)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// Symbols returns the subscribed stock codes, sorted.
func (r *Registry) Symbols() []string {
	var out []string
	for _, ch := range r.List() {
		if ch.Kind == KindSymbol {
			out = append(out, ch.Key)
		}
	}
	return out
}

// Clear removes every channel.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.channels = make(map[Channel]struct{})
	r.mu.Unlock()
}
