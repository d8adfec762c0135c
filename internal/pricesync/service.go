package pricesync

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/moznion/go-optional"
	"go.uber.org/zap"

	"github.com/rickgao/pricesync/internal/cache"
	"github.com/rickgao/pricesync/internal/connection"
	"github.com/rickgao/pricesync/internal/logger"
	"github.com/rickgao/pricesync/internal/model"
	"github.com/rickgao/pricesync/internal/router"
	"github.com/rickgao/pricesync/internal/subscription"
	"github.com/rickgao/pricesync/pkg/errors"
)

// Status is a point-in-time view of the connection for display.
type Status struct {
	Connected     bool             `json:"connected"`
	State         connection.State `json:"state"`
	SessionID     string           `json:"session_id,omitempty"`
	LastUpdate    *time.Time       `json:"last_update"`
	LastError     string           `json:"last_error,omitempty"`
	Attempts      int              `json:"reconnect_attempts"`
	Subscriptions []string         `json:"subscriptions"`
}

// Service is the Synchronization Facade.
type Service struct {
	cfg    Config
	logger *zap.Logger

	registry   *subscription.Registry
	manager    *connection.Manager
	dispatcher *router.Dispatcher
	prices     *cache.Store[model.PriceSnapshot]
	memo       *cache.Store[[]byte]

	onError *router.Listeners[router.ErrorHandler]
	lastErr atomic.Value // string

	lifeMu    sync.Mutex
	started   bool
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// New builds a Service. Nothing runs until Start.
func New(cfg Config, log *zap.Logger, opts ...Option) *Service {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultConfig().ShutdownTimeout
	}

	log = logger.OrNop(log)
	s := &Service{
		cfg:      cfg,
		logger:   log.Named("pricesync"),
		registry: subscription.NewRegistry(),
		onError:  router.NewListeners[router.ErrorHandler](),
	}
	s.lastErr.Store("")

	base := []cache.Option{cache.WithLogger(log), cache.WithMetrics(o.metrics)}
	s.prices = cache.New[model.PriceSnapshot](append(append(base, cfg.PriceCache.options("prices")...), o.cacheOpts...)...)
	s.memo = cache.New[[]byte](append(append(base, cfg.MemoCache.options("memo")...), o.cacheOpts...)...)

	managerOpts := append([]connection.ManagerOption{connection.WithMetrics(o.metrics)}, o.managerOpts...)
	s.manager = connection.NewManager(cfg.Connection, s.registry, log, managerOpts...)

	s.dispatcher = router.NewDispatcher(cfg.Dispatch, s.prices, s.manager.Messages(), log, router.WithMetrics(o.metrics))
	s.dispatcher.OnError(s.reportError)

	return s
}

// Start runs the Connection Manager and the Message Dispatcher. It does not
// connect; call Connect for that.
func (s *Service) Start(ctx context.Context) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	if s.started {
		return nil
	}
	if err := s.dispatcher.Start(ctx); err != nil {
		return err
	}
	if err := s.manager.Start(ctx); err != nil {
		return err
	}
	s.started = true

	s.wg.Add(1)
	go s.watch()

	s.logger.Info("price sync started")
	return nil
}

// Close disconnects, stops all goroutines and destroys both caches.
// Safe to call more than once.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()

		if err := s.manager.Stop(ctx); err != nil {
			s.closeErr = err
		}
		if err := s.dispatcher.Stop(ctx); err != nil && s.closeErr == nil {
			s.closeErr = err
		}
		s.wg.Wait()

		s.prices.Close()
		s.memo.Close()
		s.logger.Info("price sync closed")
	})
	return s.closeErr
}

// Connect opens the streaming connection and re-enables automatic
// reconnection. Returns connection.ErrManagerStopped before Start or after
// Close.
func (s *Service) Connect() error {
	return s.manager.Connect()
}

// Disconnect closes the connection and suppresses reconnection until the
// next Connect. Safe to call repeatedly.
func (s *Service) Disconnect() error {
	return s.manager.Disconnect()
}

// Subscribe adds a symbol subscription.
func (s *Service) Subscribe(symbol string) error {
	return s.SubscribeChannel(subscription.Symbol(symbol))
}

// Unsubscribe removes a symbol subscription.
func (s *Service) Unsubscribe(symbol string) error {
	return s.UnsubscribeChannel(subscription.Symbol(symbol))
}

// SubscribeChannel registers ch. A subscribe frame goes out now if the
// connection is Open, otherwise on the next Open.
func (s *Service) SubscribeChannel(ch subscription.Channel) error {
	err := s.manager.Subscribe(ch)
	if err != nil && !errors.HasCode(err, errors.ErrCodeInvalidPayload) {
		s.reportError(err)
	}
	return err
}

// UnsubscribeChannel removes ch. Nothing is queued when not connected.
func (s *Service) UnsubscribeChannel(ch subscription.Channel) error {
	err := s.manager.Unsubscribe(ch)
	if err != nil {
		s.reportError(err)
	}
	return err
}

// Subscriptions lists registered channels.
func (s *Service) Subscriptions() []subscription.Channel {
	return s.registry.List()
}

// Symbols lists subscribed symbol codes.
func (s *Service) Symbols() []string {
	return s.registry.Symbols()
}

// IsConnected reports whether the connection is Open.
func (s *Service) IsConnected() bool {
	return s.manager.IsConnected()
}

// State returns the connection state.
func (s *Service) State() connection.State {
	return s.manager.State()
}

// LastUpdate returns when the last frame arrived, or zero.
func (s *Service) LastUpdate() time.Time {
	return s.manager.LastUpdate()
}

// LastError returns the most recent transport or server error message.
// It is cleared whenever the connection opens.
func (s *Service) LastError() string {
	return s.lastErr.Load().(string)
}

// Status returns a snapshot of connection state for display.
func (s *Service) Status() Status {
	st := Status{
		Connected:     s.manager.IsConnected(),
		State:         s.manager.State(),
		SessionID:     s.manager.SessionID(),
		LastError:     s.LastError(),
		Attempts:      s.manager.Attempts(),
		Subscriptions: make([]string, 0, s.registry.Len()),
	}
	if t := s.manager.LastUpdate(); !t.IsZero() {
		st.LastUpdate = &t
	}
	for _, ch := range s.registry.List() {
		st.Subscriptions = append(st.Subscriptions, ch.String())
	}
	return st
}

// CurrentPrice returns the cached snapshot for symbol, if live.
func (s *Service) CurrentPrice(symbol string) optional.Option[model.PriceSnapshot] {
	snap, ok := s.prices.Get(subscription.NormalizeSymbol(symbol))
	if !ok {
		return optional.None[model.PriceSnapshot]()
	}
	return optional.Some(snap)
}

// ApplySnapshot feeds a snapshot from outside the stream, such as a REST
// quote. The same monotonic overwrite rule applies.
func (s *Service) ApplySnapshot(snap model.PriceSnapshot) bool {
	return s.dispatcher.ApplySnapshot(snap)
}

// OnPrice registers fn for every accepted snapshot.
func (s *Service) OnPrice(fn func(model.PriceSnapshot)) (unregister func()) {
	return s.dispatcher.OnPrice(fn)
}

// OnMarketStatus registers fn for market status frames.
func (s *Service) OnMarketStatus(fn func(router.MarketStatus)) (unregister func()) {
	return s.dispatcher.OnMarketStatus(fn)
}

// OnError registers fn for server error frames and transport errors.
func (s *Service) OnError(fn func(error)) (unregister func()) {
	return s.onError.Add(fn)
}

// Cache returns the generic memoization cache.
func (s *Service) Cache() *cache.Store[[]byte] {
	return s.memo
}

// Prices returns the live price cache.
func (s *Service) Prices() *cache.Store[model.PriceSnapshot] {
	return s.prices
}

// History returns the snapshot history buffer, or nil when disabled.
func (s *Service) History() *router.GrowableBuffer[model.PriceSnapshot] {
	return s.dispatcher.History()
}

// DispatchStats returns Message Dispatcher counters.
func (s *Service) DispatchStats() router.Stats {
	return s.dispatcher.Stats()
}

func (s *Service) watch() {
	defer s.wg.Done()

	for ev := range s.manager.Events() {
		switch ev.Type {
		case connection.EventStateChanged:
			if ev.State == connection.StateOpen {
				s.lastErr.Store("")
			}
		case connection.EventError:
			s.reportError(ev.Err)
		case connection.EventReconnectScheduled:
			s.logger.Debug("reconnect pending",
				zap.Int("attempt", ev.Attempt),
				zap.Duration("delay", ev.Delay))
		}
	}
}

func (s *Service) reportError(err error) {
	if err == nil {
		return
	}
	s.lastErr.Store(err.Error())
	s.onError.Each(s.logger, func(h router.ErrorHandler) { h(err) })
}
