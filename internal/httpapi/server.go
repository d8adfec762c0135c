// Package httpapi exposes the price service over HTTP.
//
// Routes:
//
//	GET    /status                   connection and subscription status
//	GET    /prices/{symbol}          latest cached snapshot
//	PUT    /subscriptions/{symbol}   subscribe to a symbol
//	DELETE /subscriptions/{symbol}   unsubscribe from a symbol
//	POST   /connect                  open the streaming connection
//	POST   /disconnect               close it and stop reconnecting
//	GET    /cache/stats              price and memo cache statistics
//	GET    /metrics                  Prometheus metrics (path configurable)
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/moznion/go-optional"
	"go.uber.org/zap"

	"github.com/rickgao/pricesync/internal/api"
	"github.com/rickgao/pricesync/internal/cache"
	"github.com/rickgao/pricesync/internal/logger"
	"github.com/rickgao/pricesync/internal/model"
	"github.com/rickgao/pricesync/internal/pricesync"
	"github.com/rickgao/pricesync/internal/router"
	"github.com/rickgao/pricesync/internal/subscription"
	"github.com/rickgao/pricesync/pkg/errors"
)

// PriceService is the part of pricesync.Service the handlers use.
type PriceService interface {
	Status() pricesync.Status
	CurrentPrice(symbol string) optional.Option[model.PriceSnapshot]
	ApplySnapshot(snap model.PriceSnapshot) bool
	Subscribe(symbol string) error
	Unsubscribe(symbol string) error
	Connect() error
	Disconnect() error
	Prices() *cache.Store[model.PriceSnapshot]
	Cache() *cache.Store[[]byte]
}

// QuoteSource fetches a quote over REST when no streamed price is cached.
type QuoteSource interface {
	GetQuote(ctx context.Context, symbol string) (*api.QuoteResponse, error)
}

// Handler serves the HTTP surface.
type Handler struct {
	svc         PriceService
	quotes      QuoteSource
	metrics     http.Handler
	metricsPath string
	logger      *zap.Logger
	now         func() time.Time
	router      *mux.Router
}

// Option configures a Handler.
type Option func(*Handler)

// WithQuoteSource enables REST fallback on /prices/{symbol} cache misses.
func WithQuoteSource(q QuoteSource) Option {
	return func(h *Handler) { h.quotes = q }
}

// WithMetrics mounts m at path. An empty path means /metrics.
func WithMetrics(path string, m http.Handler) Option {
	if path == "" {
		path = "/metrics"
	}
	return func(h *Handler) {
		h.metrics = m
		h.metricsPath = path
	}
}

// WithLogger sets the request logger.
func WithLogger(l *zap.Logger) Option {
	return func(h *Handler) { h.logger = logger.OrNop(l).Named("http") }
}

// WithClock overrides the time source used for snapshot age.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// New builds the router.
func New(svc PriceService, opts ...Option) *Handler {
	h := &Handler{
		svc:    svc,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}

	r := mux.NewRouter()
	r.Use(h.logRequests)

	r.HandleFunc("/status", h.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/prices/{symbol}", h.handlePrice).Methods(http.MethodGet)
	r.HandleFunc("/subscriptions/{symbol}", h.handleSubscribe).Methods(http.MethodPut)
	r.HandleFunc("/subscriptions/{symbol}", h.handleUnsubscribe).Methods(http.MethodDelete)
	r.HandleFunc("/connect", h.handleConnect).Methods(http.MethodPost)
	r.HandleFunc("/disconnect", h.handleDisconnect).Methods(http.MethodPost)
	r.HandleFunc("/cache/stats", h.handleCacheStats).Methods(http.MethodGet)
	if h.metrics != nil {
		r.Handle(h.metricsPath, h.metrics).Methods(http.MethodGet)
	}

	h.router = r
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// priceResponse is a snapshot plus how long ago it was observed.
type priceResponse struct {
	model.PriceSnapshot
	AgeMillis int64 `json:"age_ms"`
}

type cacheStatsResponse struct {
	Prices cache.Stats `json:"prices"`
	Memo   cache.Stats `json:"memo"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code,omitempty"`
}

func (h *Handler) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Status())
}

func (h *Handler) handlePrice(w http.ResponseWriter, r *http.Request) {
	symbol := subscription.NormalizeSymbol(mux.Vars(r)["symbol"])

	snap, err := h.svc.CurrentPrice(symbol).Take()
	if err != nil {
		if h.quotes == nil {
			writeError(w, http.StatusNotFound, errors.Newf(errors.ErrCodeNotConnected, "no price for %s", symbol))
			return
		}

		q, qerr := h.quotes.GetQuote(r.Context(), symbol)
		if qerr != nil {
			status := http.StatusBadGateway
			var apiErr *api.APIError
			if errors.As(qerr, &apiErr) && apiErr.IsNotFound() {
				status = http.StatusNotFound
			}
			writeError(w, status, qerr)
			return
		}
		snap = q.Snapshot(h.now())
		h.svc.ApplySnapshot(snap)
	}

	writeJSON(w, http.StatusOK, priceResponse{
		PriceSnapshot: snap,
		AgeMillis:     router.Staleness(snap, h.now()).Milliseconds(),
	})
}

func (h *Handler) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, h.svc.Subscribe(mux.Vars(r)["symbol"]))
}

func (h *Handler) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, h.svc.Unsubscribe(mux.Vars(r)["symbol"]))
}

func (h *Handler) handleConnect(w http.ResponseWriter, _ *http.Request) {
	h.mutate(w, h.svc.Connect())
}

func (h *Handler) handleDisconnect(w http.ResponseWriter, _ *http.Request) {
	h.mutate(w, h.svc.Disconnect())
}

func (h *Handler) handleCacheStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, cacheStatsResponse{
		Prices: h.svc.Prices().Stats(),
		Memo:   h.svc.Cache().Stats(),
	})
}

// mutate answers a state-changing request with the resulting status.
func (h *Handler) mutate(w http.ResponseWriter, err error) {
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, h.svc.Status())
}

func statusFor(err error) int {
	switch {
	case errors.IsCategory(err, errors.CategoryProtocol):
		return http.StatusBadRequest
	case errors.Transient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: int(errors.GetCode(err))})
}

// statusRecorder captures the response code for logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		h.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}
