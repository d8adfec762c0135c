package router

import (
	"sync"

	"go.uber.org/zap"

	"github.com/rickgao/pricesync/internal/model"
)

// PriceHandler receives every accepted snapshot.
type PriceHandler func(model.PriceSnapshot)

// StatusHandler receives market status updates.
type StatusHandler func(MarketStatus)

// ErrorHandler receives server error frames.
type ErrorHandler func(error)

// Listeners is a set of callbacks keyed by registration id.
type Listeners[H any] struct {
	mu     sync.RWMutex
	nextID uint64
	items  map[uint64]H
}

func NewListeners[H any]() *Listeners[H] {
	return &Listeners[H]{items: make(map[uint64]H)}
}

// Add registers h and returns a func that removes it.
func (r *Listeners[H]) Add(h H) func() {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.items[id] = h
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.items, id)
			r.mu.Unlock()
		})
	}
}

func (r *Listeners[H]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

func (r *Listeners[H]) snapshot() []H {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]H, 0, len(r.items))
	for _, h := range r.items {
		out = append(out, h)
	}
	return out
}

// Each calls fn for every handler, isolating panics so one listener cannot
// stop delivery to the rest.
func (r *Listeners[H]) Each(logger *zap.Logger, fn func(H)) {
	for _, h := range r.snapshot() {
		func() {
			defer func() {
				if p := recover(); p != nil {
					logger.Error("listener panicked", zap.Any("panic", p))
				}
			}()
			fn(h)
		}()
	}
}
