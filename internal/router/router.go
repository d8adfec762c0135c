package router

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/rickgao/pricesync/internal/cache"
	"github.com/rickgao/pricesync/internal/connection"
	"github.com/rickgao/pricesync/internal/logger"
	"github.com/rickgao/pricesync/internal/metrics"
	"github.com/rickgao/pricesync/internal/model"
	"github.com/rickgao/pricesync/internal/subscription"
	"github.com/rickgao/pricesync/pkg/errors"
)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMetrics records frame and protocol error counts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// Dispatcher parses raw frames and routes them by type.
type Dispatcher struct {
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	// Input from the Connection Manager; may be nil when frames are pushed
	// through Dispatch directly.
	input <-chan connection.RawMessage

	prices  *cache.Store[model.PriceSnapshot]
	history *GrowableBuffer[model.PriceSnapshot]

	onPrice  *Listeners[PriceHandler]
	onStatus *Listeners[StatusHandler]
	onError  *Listeners[ErrorHandler]

	// Serializes the stale check and write per snapshot.
	applyMu sync.Mutex

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	received           atomic.Int64
	pricesApplied      atomic.Int64
	statuses           atomic.Int64
	connectionStatuses atomic.Int64
	heartbeats         atomic.Int64
	serverErrors       atomic.Int64
	parseErrors        atomic.Int64
	unknown            atomic.Int64
	stale              atomic.Int64
}

// NewDispatcher creates a Message Dispatcher writing into prices.
func NewDispatcher(cfg Config, prices *cache.Store[model.PriceSnapshot], input <-chan connection.RawMessage, log *zap.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		cfg:      cfg,
		logger:   logger.OrNop(log).Named("dispatcher"),
		input:    input,
		prices:   prices,
		onPrice:  NewListeners[PriceHandler](),
		onStatus: NewListeners[StatusHandler](),
		onError:  NewListeners[ErrorHandler](),
	}
	if cfg.HistoryBufferSize > 0 {
		d.history = NewBoundedBuffer[model.PriceSnapshot](cfg.HistoryBufferSize, cfg.HistoryMaxBuffer)
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start begins consuming the input channel.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.ctx, d.cancel = context.WithCancel(ctx)

	if d.input != nil {
		d.wg.Add(1)
		go d.routeLoop()
	}

	d.logger.Info("message dispatcher started",
		zap.Duration("price_ttl", d.cfg.PriceTTL),
		zap.Bool("history", d.history != nil))

	return nil
}

// Stop waits for the route loop to exit and closes the history buffer.
func (d *Dispatcher) Stop(ctx context.Context) error {
	if d.cancel != nil {
		d.cancel()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("message dispatcher stopped")
	case <-ctx.Done():
		d.logger.Warn("message dispatcher stop timed out")
	}

	if d.history != nil {
		d.history.Close()
	}
	return nil
}

// History returns the snapshot history buffer, or nil when disabled.
func (d *Dispatcher) History() *GrowableBuffer[model.PriceSnapshot] {
	return d.history
}

// OnPrice registers a price listener and returns its unregister func.
func (d *Dispatcher) OnPrice(h PriceHandler) func() { return d.onPrice.Add(h) }

// OnMarketStatus registers a status listener and returns its unregister func.
func (d *Dispatcher) OnMarketStatus(h StatusHandler) func() { return d.onStatus.Add(h) }

// OnError registers an error listener and returns its unregister func.
func (d *Dispatcher) OnError(h ErrorHandler) func() { return d.onError.Add(h) }

// Stats returns current statistics.
func (d *Dispatcher) Stats() Stats {
	s := Stats{
		Received:           d.received.Load(),
		Prices:             d.pricesApplied.Load(),
		Statuses:           d.statuses.Load(),
		ConnectionStatuses: d.connectionStatuses.Load(),
		Heartbeats:         d.heartbeats.Load(),
		ServerErrors:       d.serverErrors.Load(),
		ParseErrors:        d.parseErrors.Load(),
		Unknown:            d.unknown.Load(),
		Stale:              d.stale.Load(),
	}
	if d.history != nil {
		s.History = d.history.Stats()
	}
	return s
}

func (d *Dispatcher) routeLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case raw, ok := <-d.input:
			if !ok {
				d.logger.Info("input channel closed")
				return
			}
			d.Dispatch(raw)
		}
	}
}

// Dispatch decodes and routes one frame. The returned error is a protocol
// error for malformed or unknown frames; it has already been logged.
func (d *Dispatcher) Dispatch(raw connection.RawMessage) error {
	d.received.Add(1)

	in, err := Decode(raw)
	if err != nil {
		return d.protocolError(err, raw)
	}

	switch in.Kind {
	case KindPriceUpdate:
		snap, err := parsePriceUpdate(in)
		if err != nil {
			return d.protocolError(err, raw)
		}
		d.ApplySnapshot(snap)

	case KindMarketStatus:
		status, err := parseMarketStatus(in)
		if err != nil {
			return d.protocolError(err, raw)
		}
		d.statuses.Add(1)
		d.logger.Info("market status", zap.String("status", string(status.Status)), zap.String("market", status.Market))
		d.onStatus.Each(d.logger, func(h StatusHandler) { h(status) })

	case KindConnectionStatus:
		var cs ConnectionStatus
		if len(in.Payload) > 0 {
			if err := json.Unmarshal(in.Payload, &cs); err != nil {
				return d.protocolError(errors.Wrap(errors.ErrCodeInvalidPayload, "decode connection_status", err), raw)
			}
		}
		d.connectionStatuses.Add(1)
		d.logger.Info("server connection status", zap.String("status", cs.Status), zap.String("message", cs.Message))

	case KindHeartbeat:
		d.heartbeats.Add(1)
		d.logger.Debug("heartbeat received", zap.Time("timestamp", in.Timestamp))

	case KindError:
		serr := parseServerError(in)
		d.serverErrors.Add(1)
		wrapped := errors.Wrap(errors.ErrCodeServer, "server error", serr)
		d.logger.Warn("server error frame", zap.String("code", serr.Code), zap.String("message", serr.Message))
		d.onError.Each(d.logger, func(h ErrorHandler) { h(wrapped) })

	default:
		d.unknown.Add(1)
		return d.protocolError(errors.Newf(errors.ErrCodeUnknownMessageType, "unknown message type %q", in.Kind), raw)
	}

	d.metrics.IncFrame(string(in.Kind))
	return nil
}

// ApplySnapshot writes s into the price cache unless the cache already holds
// a strictly newer snapshot for the symbol. Accepted snapshots are pushed to
// price listeners and the history buffer in cache write order, so listeners
// must not call ApplySnapshot themselves.
func (d *Dispatcher) ApplySnapshot(s model.PriceSnapshot) bool {
	s.Symbol = subscription.NormalizeSymbol(s.Symbol)

	d.applyMu.Lock()
	defer d.applyMu.Unlock()

	if cur, ok := d.prices.Peek(s.Symbol); ok && s.OlderThan(cur) {
		d.stale.Add(1)
		d.logger.Debug("discarding stale snapshot",
			zap.String("symbol", s.Symbol),
			zap.Time("as_of", s.AsOf),
			zap.Time("cached_as_of", cur.AsOf))
		return false
	}
	d.prices.Set(s.Symbol, s, d.cfg.PriceTTL)

	d.pricesApplied.Add(1)
	if d.history != nil {
		d.history.Send(s)
	}
	d.onPrice.Each(d.logger, func(h PriceHandler) { h(s) })
	return true
}

func (d *Dispatcher) protocolError(err error, raw connection.RawMessage) error {
	d.parseErrors.Add(1)
	d.metrics.IncProtocolError()

	preview := raw.Data
	if len(preview) > 256 {
		preview = preview[:256]
	}
	d.logger.Warn("dropping malformed frame",
		zap.Error(err),
		zap.ByteString("frame", preview))
	return err
}

// Decode parses the frame envelope.
func Decode(raw connection.RawMessage) (Inbound, error) {
	var env envelopeWire
	if err := json.Unmarshal(raw.Data, &env); err != nil {
		return Inbound{}, errors.Wrap(errors.ErrCodeMalformedFrame, "decode frame", err)
	}
	if env.Type == "" {
		return Inbound{}, errors.New(errors.ErrCodeMalformedFrame, "frame has no type")
	}

	ts := env.Timestamp.Time
	if ts.IsZero() {
		ts = raw.ReceivedAt
	}

	return Inbound{
		Kind:       Kind(env.Type),
		Payload:    env.Data,
		Error:      env.Error,
		Message:    env.Message,
		Timestamp:  ts,
		ReceivedAt: raw.ReceivedAt,
	}, nil
}

func parsePriceUpdate(in Inbound) (model.PriceSnapshot, error) {
	if len(in.Payload) == 0 || string(in.Payload) == "null" {
		return model.PriceSnapshot{}, errors.New(errors.ErrCodeInvalidPayload, "price_update has no data")
	}

	var w priceUpdateWire
	if err := json.Unmarshal(in.Payload, &w); err != nil {
		return model.PriceSnapshot{}, errors.Wrap(errors.ErrCodeInvalidPayload, "decode price_update", err)
	}
	if subscription.NormalizeSymbol(w.StockCode) == "" {
		return model.PriceSnapshot{}, errors.New(errors.ErrCodeInvalidPayload, "price_update missing stock_code")
	}
	if w.CurrentPrice == nil {
		return model.PriceSnapshot{}, errors.Newf(errors.ErrCodeInvalidPayload, "price_update for %s missing current_price", w.StockCode)
	}

	asOf := w.Timestamp.Time
	if asOf.IsZero() {
		asOf = in.Timestamp
	}

	return model.PriceSnapshot{
		Symbol:        subscription.NormalizeSymbol(w.StockCode),
		Price:         *w.CurrentPrice,
		Change:        w.PriceChange,
		ChangePct:     w.PriceChangePct,
		Volume:        w.Volume.IntPart(),
		MarketStatus:  model.NormalizeMarketStatus(w.MarketStatus),
		PreviousClose: w.PreviousClose,
		AsOf:          asOf,
		Source:        model.SourceStream,
	}, nil
}

func parseMarketStatus(in Inbound) (MarketStatus, error) {
	var w marketStatusWire
	if len(in.Payload) > 0 {
		if err := json.Unmarshal(in.Payload, &w); err != nil {
			return MarketStatus{}, errors.Wrap(errors.ErrCodeInvalidPayload, "decode market_status", err)
		}
	}

	raw := w.Status
	if raw == "" {
		raw = w.MarketStatus
	}
	asOf := w.Timestamp.Time
	if asOf.IsZero() {
		asOf = in.Timestamp
	}

	return MarketStatus{
		Status:  model.NormalizeMarketStatus(raw),
		Market:  w.Market,
		Message: w.Message,
		AsOf:    asOf,
	}, nil
}

// parseServerError extracts the error from the error field, the data
// object or the top-level message, in that order.
func parseServerError(in Inbound) *ServerError {
	for _, raw := range []json.RawMessage{in.Error, in.Payload} {
		if len(raw) == 0 || string(raw) == "null" {
			continue
		}
		var msg string
		if json.Unmarshal(raw, &msg) == nil && msg != "" {
			return &ServerError{Message: msg}
		}
		var w serverErrorWire
		if json.Unmarshal(raw, &w) == nil {
			message := w.Message
			if message == "" {
				message = w.Error
			}
			if message != "" || rawCode(w.Code) != "" {
				return &ServerError{Code: rawCode(w.Code), Message: message}
			}
		}
	}

	if in.Message != "" {
		return &ServerError{Message: in.Message}
	}
	return &ServerError{Message: "unspecified server error"}
}

// Staleness returns how long ago s was observed relative to now.
func Staleness(s model.PriceSnapshot, now time.Time) time.Duration {
	if s.AsOf.IsZero() {
		return 0
	}
	return now.Sub(s.AsOf)
}
