package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/rickgao/pricesync/pkg/errors"
)

const (
	reasonCapacity = "capacity"
	reasonExpired  = "expired"
)

var (
	// ErrTooManyFactories is returned by GetOrSet when the factory bound is reached.
	ErrTooManyFactories = errors.New(errors.ErrCodeTooManyFactories, "too many concurrent cache factories")

	// ErrClosed is returned by GetOrSet after Close.
	ErrClosed = errors.New(errors.ErrCodeCacheClosed, "cache is closed")
)

// Factory produces a value for a missing key.
type Factory[V any] func(ctx context.Context) (V, error)

type entry[V any] struct {
	value          V
	createdAt      time.Time
	expiresAt      time.Time
	lastAccessedAt time.Time
	accessCount    int64
	size           int
}

func (e *entry[V]) expired(now time.Time) bool {
	return !now.Before(e.expiresAt)
}

// Stats is a point-in-time view of store counters.
type Stats struct {
	Name           string  `json:"name"`
	Hits           int64   `json:"hits"`
	Misses         int64   `json:"misses"`
	HitRate        float64 `json:"hit_rate"`
	Size           int     `json:"size"`
	MaxEntries     int     `json:"max_entries"`
	EstimatedBytes int64   `json:"estimated_bytes"`
	Evictions      int64   `json:"evictions"`
	Expirations    int64   `json:"expirations"`
}

// Store is a TTL + LFU keyed store, safe for concurrent use.
type Store[V any] struct {
	opts options
	sem  *semaphore.Weighted

	mu          sync.Mutex
	entries     map[string]*entry[V]
	bytes       int64
	hits        int64
	misses      int64
	evictions   int64
	expirations int64
	closed      bool

	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

// New creates a Store and starts its sweep goroutine if a sweep interval is set.
func New[V any](opts ...Option) *Store[V] {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	s := &Store[V]{
		opts:    o,
		entries: make(map[string]*entry[V]),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	if o.maxFactories > 0 {
		s.sem = semaphore.NewWeighted(o.maxFactories)
	}

	if o.sweepInterval > 0 {
		go s.sweepLoop()
	} else {
		close(s.doneCh)
	}

	return s
}

// Get returns the live value for key and records the access.
// An expired entry is removed and reported as a miss.
func (s *Store[V]) Get(key string) (V, bool) {
	now := s.opts.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if ok && e.expired(now) {
		s.removeLocked(key, e, reasonExpired)
		ok = false
	}
	if !ok {
		s.misses++
		s.opts.metrics.IncCacheMiss(s.opts.name)
		var zero V
		return zero, false
	}

	e.accessCount++
	e.lastAccessedAt = now
	s.hits++
	s.opts.metrics.IncCacheHit(s.opts.name)
	return e.value, true
}

// Peek returns the live value for key without touching access statistics.
func (s *Store[V]) Peek(key string) (V, bool) {
	now := s.opts.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || e.expired(now) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores value under key for ttl, or the default TTL when ttl <= 0.
// Replacing a key keeps its access count. Inserting a new key at capacity
// evicts one entry first.
func (s *Store[V]) Set(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = s.opts.defaultTTL
	}
	now := s.opts.now()
	size := len(key) + s.opts.sizeOf(value)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	if e, ok := s.entries[key]; ok {
		s.bytes += int64(size - e.size)
		e.value = value
		e.createdAt = now
		e.expiresAt = now.Add(ttl)
		e.lastAccessedAt = now
		e.size = size
		return
	}

	if len(s.entries) >= s.opts.maxEntries {
		s.evictLocked(now)
	}

	s.entries[key] = &entry[V]{
		value:          value,
		createdAt:      now,
		expiresAt:      now.Add(ttl),
		lastAccessedAt: now,
		size:           size,
	}
	s.bytes += int64(size)
	s.opts.metrics.SetCacheEntries(s.opts.name, len(s.entries))
}

// GetOrSet returns the live value for key, or runs factory and stores its
// result. A factory error is returned unchanged and nothing is stored.
func (s *Store[V]) GetOrSet(ctx context.Context, key string, factory Factory[V], ttl time.Duration) (V, error) {
	var zero V

	if v, ok := s.Get(key); ok {
		return v, nil
	}
	if s.isClosed() {
		return zero, ErrClosed
	}

	if s.sem != nil {
		if !s.sem.TryAcquire(1) {
			s.opts.logger.Warn("cache factory limit reached",
				zap.String("cache", s.opts.name),
				zap.String("key", key),
				zap.Int64("limit", s.opts.maxFactories))
			return zero, ErrTooManyFactories
		}
		defer s.sem.Release(1)
	}

	v, err := factory(ctx)
	if err != nil {
		return zero, err
	}

	s.Set(key, v, ttl)
	return v, nil
}

// Delete removes key and reports whether it was present.
func (s *Store[V]) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return false
	}
	s.removeLocked(key, e, "")
	return true
}

// Clear removes every entry. Counters are kept.
func (s *Store[V]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[string]*entry[V])
	s.bytes = 0
	s.opts.metrics.SetCacheEntries(s.opts.name, 0)
}

// Len returns the number of stored entries, including any not yet swept.
func (s *Store[V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Keys returns the keys of all live entries in no particular order.
func (s *Store[V]) Keys() []string {
	now := s.opts.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.entries))
	for k, e := range s.entries {
		if !e.expired(now) {
			keys = append(keys, k)
		}
	}
	return keys
}

// Sweep removes all expired entries and returns how many were removed.
func (s *Store[V]) Sweep() int {
	now := s.opts.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, e := range s.entries {
		if e.expired(now) {
			s.removeLocked(k, e, reasonExpired)
			removed++
		}
	}
	return removed
}

// Stats returns current counters.
func (s *Store[V]) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rate float64
	if total := s.hits + s.misses; total > 0 {
		rate = float64(s.hits) / float64(total)
	}

	return Stats{
		Name:           s.opts.name,
		Hits:           s.hits,
		Misses:         s.misses,
		HitRate:        rate,
		Size:           len(s.entries),
		MaxEntries:     s.opts.maxEntries,
		EstimatedBytes: s.bytes,
		Evictions:      s.evictions,
		Expirations:    s.expirations,
	}
}

// Close stops the sweep and drops all entries. Later Sets are ignored and
// GetOrSet returns ErrClosed. Close is idempotent.
func (s *Store[V]) Close() {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		<-s.doneCh

		s.mu.Lock()
		s.closed = true
		s.entries = make(map[string]*entry[V])
		s.bytes = 0
		s.mu.Unlock()

		s.opts.metrics.SetCacheEntries(s.opts.name, 0)
		s.opts.logger.Debug("cache closed", zap.String("cache", s.opts.name))
	})
}

func (s *Store[V]) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Store[V]) sweepLoop() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.opts.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				s.opts.logger.Debug("swept expired cache entries",
					zap.String("cache", s.opts.name),
					zap.Int("removed", n))
			}
		}
	}
}

// evictLocked frees one slot. An expired entry is preferred; otherwise the
// entry with the lowest access count goes, ties broken by oldest access.
func (s *Store[V]) evictLocked(now time.Time) {
	var (
		victimKey string
		victim    *entry[V]
	)

	for k, e := range s.entries {
		if e.expired(now) {
			s.removeLocked(k, e, reasonExpired)
			return
		}
		if victim == nil ||
			e.accessCount < victim.accessCount ||
			(e.accessCount == victim.accessCount && e.lastAccessedAt.Before(victim.lastAccessedAt)) {
			victimKey, victim = k, e
		}
	}

	if victim == nil {
		return
	}

	s.opts.logger.Debug("evicting cache entry",
		zap.String("cache", s.opts.name),
		zap.String("key", victimKey),
		zap.Int64("access_count", victim.accessCount))
	s.removeLocked(victimKey, victim, reasonCapacity)
}

// removeLocked deletes key. reason is empty for explicit deletes.
func (s *Store[V]) removeLocked(key string, e *entry[V], reason string) {
	delete(s.entries, key)
	s.bytes -= int64(e.size)

	switch reason {
	case reasonCapacity:
		s.evictions++
	case reasonExpired:
		s.expirations++
	}
	if reason != "" {
		s.opts.metrics.IncCacheEviction(s.opts.name, reason)
	}
	s.opts.metrics.SetCacheEntries(s.opts.name, len(s.entries))
}
