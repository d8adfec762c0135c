package pricesync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rickgao/pricesync/internal/cache"
	"github.com/rickgao/pricesync/internal/connection"
	"github.com/rickgao/pricesync/internal/model"
	"github.com/rickgao/pricesync/internal/subscription"
	"github.com/rickgao/pricesync/pkg/errors"
)

// streamServer answers every symbol subscribe with a canned price_update
// frame. Extra frames are pushed through push; drop kills the socket
// without a close frame.
type streamServer struct {
	srv        *httptest.Server
	quotes     map[string]string
	push       chan string
	drop       chan struct{}
	subscribes chan string
	accepts    atomic.Int32
}

func newStreamServer(t *testing.T, quotes map[string]string) *streamServer {
	s := &streamServer{
		quotes:     quotes,
		push:       make(chan string, 16),
		drop:       make(chan struct{}, 1),
		subscribes: make(chan string, 64),
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		s.accepts.Add(1)

		cmds := make(chan connection.Command, 16)
		go func() {
			defer close(cmds)
			for {
				_, data, err := conn.ReadMessage()
				if err != nil {
					return
				}
				var cmd connection.Command
				if json.Unmarshal(data, &cmd) == nil {
					cmds <- cmd
				}
			}
		}()

		for {
			select {
			case cmd, ok := <-cmds:
				if !ok {
					return
				}
				if cmd.Type != connection.CommandSubscribe || cmd.Data == nil {
					continue
				}
				select {
				case s.subscribes <- cmd.Data.StockCode:
				default:
				}
				if frame, ok := s.quotes[cmd.Data.StockCode]; ok {
					conn.WriteMessage(websocket.TextMessage, []byte(frame))
				}
			case frame := <-s.push:
				conn.WriteMessage(websocket.TextMessage, []byte(frame))
			case <-s.drop:
				conn.UnderlyingConn().Close()
				return
			}
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *streamServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *streamServer) nextSubscribe(t *testing.T) string {
	t.Helper()
	select {
	case code := <-s.subscribes:
		return code
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for subscribe frame")
	}
	return ""
}

func testConfig(url string) Config {
	cfg := DefaultConfig()
	cfg.Connection.URL = url
	cfg.Connection.HeartbeatInterval = time.Hour
	cfg.Connection.ReconnectBaseDelay = 10 * time.Millisecond
	cfg.Connection.ReconnectMaxDelay = 40 * time.Millisecond
	cfg.Connection.JitterMax = 0
	cfg.Connection.MaxReconnectAttempts = 3
	cfg.PriceCache.SweepInterval = 0
	cfg.MemoCache.SweepInterval = 0
	cfg.ShutdownTimeout = 2 * time.Second
	return cfg
}

func newTestService(t *testing.T, cfg Config, opts ...Option) *Service {
	t.Helper()
	svc := New(cfg, zaptest.NewLogger(t), opts...)
	t.Cleanup(func() { svc.Close() })
	return svc
}

func startService(t *testing.T, cfg Config, opts ...Option) *Service {
	t.Helper()
	svc := newTestService(t, cfg, opts...)
	require.NoError(t, svc.Start(context.Background()))
	return svc
}

func priceFrame(code string, price, change int, ts int64) string {
	return fmt.Sprintf(`{"type":"price_update","data":{"stock_code":%q,"current_price":%d,"price_change":%d,"price_change_pct":0.8,"volume":120000,"market_status":"open","timestamp":%d}}`,
		code, price, change, ts)
}

func TestService_PriceUpdateReachesCache(t *testing.T) {
	server := newStreamServer(t, map[string]string{
		"7203": priceFrame("7203", 2500, 20, 1709303400),
	})
	svc := startService(t, testConfig(server.url()))

	pushed := make(chan model.PriceSnapshot, 4)
	svc.OnPrice(func(s model.PriceSnapshot) { pushed <- s })

	require.NoError(t, svc.Connect())
	require.NoError(t, svc.Subscribe("7203"))
	assert.Equal(t, "7203", server.nextSubscribe(t))

	select {
	case snap := <-pushed:
		assert.Equal(t, "7203", snap.Symbol)
	case <-time.After(2 * time.Second):
		t.Fatal("no price pushed")
	}

	price := svc.CurrentPrice("7203")
	require.True(t, price.IsSome())
	snap := price.Unwrap()
	assert.True(t, decimal.NewFromInt(2500).Equal(snap.Price))
	assert.True(t, decimal.NewFromInt(20).Equal(snap.Change))
	assert.Equal(t, int64(120000), snap.Volume)
	assert.Equal(t, model.MarketStatusOpen, snap.MarketStatus)
	assert.True(t, svc.IsConnected())
	assert.False(t, svc.LastUpdate().IsZero())
}

func TestService_UnexpectedCloseReconnectsAndReplays(t *testing.T) {
	server := newStreamServer(t, nil)
	svc := startService(t, testConfig(server.url()))

	require.NoError(t, svc.Subscribe("6758"))
	require.NoError(t, svc.Connect())
	assert.Equal(t, "6758", server.nextSubscribe(t))

	server.drop <- struct{}{}

	// Replay on the new session.
	assert.Equal(t, "6758", server.nextSubscribe(t))
	assert.EqualValues(t, 2, server.accepts.Load())
	require.Eventually(t, svc.IsConnected, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return svc.LastError() == "" }, 2*time.Second, 5*time.Millisecond)
}

func TestService_DroppedSocketSurfacesError(t *testing.T) {
	server := newStreamServer(t, nil)
	svc := startService(t, testConfig(server.url()))

	type report struct {
		err       error
		lastError string
	}
	got := make(chan report, 4)
	// Listeners run on the goroutine that clears LastError on reopen, so the
	// value read here is the one set for this error.
	svc.OnError(func(err error) { got <- report{err: err, lastError: svc.LastError()} })

	require.NoError(t, svc.Subscribe("6758"))
	require.NoError(t, svc.Connect())
	assert.Equal(t, "6758", server.nextSubscribe(t))

	server.drop <- struct{}{}

	select {
	case r := <-got:
		assert.Equal(t, errors.ErrCodeConnectionLost, errors.GetCode(r.err))
		assert.NotEmpty(t, r.lastError)
		assert.Contains(t, r.lastError, "1006")
	case <-time.After(2 * time.Second):
		t.Fatal("dropped socket was not reported")
	}

	// Recovery still replays and clears the error.
	assert.Equal(t, "6758", server.nextSubscribe(t))
	require.Eventually(t, func() bool { return svc.LastError() == "" }, 2*time.Second, 5*time.Millisecond)
}

func TestService_ServerErrorKeepsConnection(t *testing.T) {
	server := newStreamServer(t, nil)
	svc := startService(t, testConfig(server.url()))

	got := make(chan error, 1)
	svc.OnError(func(err error) { got <- err })

	require.NoError(t, svc.Connect())
	require.Eventually(t, svc.IsConnected, 2*time.Second, 5*time.Millisecond)

	server.push <- `{"type":"error","error":{"code":429,"message":"rate limited"}}`

	select {
	case err := <-got:
		assert.Equal(t, errors.ErrCodeServer, errors.GetCode(err))
	case <-time.After(2 * time.Second):
		t.Fatal("error listener not called")
	}
	assert.Contains(t, svc.LastError(), "rate limited")
	assert.True(t, svc.IsConnected())
}

func TestService_MalformedFrameKeepsConnection(t *testing.T) {
	server := newStreamServer(t, nil)
	svc := startService(t, testConfig(server.url()))

	require.NoError(t, svc.Connect())
	require.Eventually(t, svc.IsConnected, 2*time.Second, 5*time.Millisecond)

	server.push <- `{"type":"price_update","data":`
	server.push <- priceFrame("9984", 7000, -50, 1709303400)

	require.Eventually(t, func() bool { return svc.CurrentPrice("9984").IsSome() }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, svc.IsConnected())
	assert.Empty(t, svc.LastError())
	assert.Equal(t, int64(1), svc.DispatchStats().ParseErrors)
}

func TestService_DisconnectDoesNotReconnect(t *testing.T) {
	server := newStreamServer(t, nil)
	svc := startService(t, testConfig(server.url()))

	require.NoError(t, svc.Connect())
	require.Eventually(t, svc.IsConnected, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, svc.Disconnect())
	require.NoError(t, svc.Disconnect())
	assert.Equal(t, connection.StateClosed, svc.State())

	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 1, server.accepts.Load())
	assert.Equal(t, connection.StateClosed, svc.State())

	require.NoError(t, svc.Connect())
	require.Eventually(t, svc.IsConnected, 2*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 2, server.accepts.Load())
}

func TestService_SubscribeRoundTripOffline(t *testing.T) {
	svc := newTestService(t, testConfig("ws://127.0.0.1:1"))

	require.NoError(t, svc.Subscribe("aapl"))
	require.NoError(t, svc.Subscribe("AAPL"))
	assert.Equal(t, []string{"AAPL"}, svc.Symbols())

	require.NoError(t, svc.Unsubscribe("AAPL"))
	assert.Empty(t, svc.Subscriptions())
}

func TestService_SubscribeChannelInvalid(t *testing.T) {
	svc := newTestService(t, testConfig("ws://127.0.0.1:1"))

	err := svc.SubscribeChannel(subscription.Channel{Kind: subscription.KindSymbol})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidPayload, errors.GetCode(err))
	assert.Empty(t, svc.LastError())
}

func TestService_ConnectBeforeStart(t *testing.T) {
	svc := newTestService(t, testConfig("ws://127.0.0.1:1"))
	assert.True(t, errors.Is(svc.Connect(), connection.ErrManagerStopped))
	assert.NoError(t, svc.Disconnect())
}

func TestService_ReconnectExhaustedSurfaced(t *testing.T) {
	svc := startService(t, testConfig("ws://127.0.0.1:1"))

	var mu sync.Mutex
	var seen []error
	svc.OnError(func(err error) {
		mu.Lock()
		seen = append(seen, err)
		mu.Unlock()
	})

	require.NoError(t, svc.Connect())

	require.Eventually(t, func() bool {
		return strings.Contains(svc.LastError(), "exhausted")
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	assert.True(t, errors.Is(seen[len(seen)-1], connection.ErrReconnectExhausted))
	assert.Equal(t, errors.ErrCodeDialFailed, errors.GetCode(seen[0]))
}

func TestService_CurrentPriceAndApplySnapshot(t *testing.T) {
	svc := newTestService(t, testConfig("ws://127.0.0.1:1"))

	assert.True(t, svc.CurrentPrice("7203").IsNone())

	asOf := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	require.True(t, svc.ApplySnapshot(model.PriceSnapshot{Symbol: "7203", Price: decimal.NewFromInt(2500), AsOf: asOf, Source: model.SourceREST}))
	assert.False(t, svc.ApplySnapshot(model.PriceSnapshot{Symbol: "7203", Price: decimal.NewFromInt(2400), AsOf: asOf.Add(-time.Minute)}))

	snap, err := svc.CurrentPrice(" 7203 ").Take()
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(2500).Equal(snap.Price))
	assert.Equal(t, 1, svc.Prices().Len())
}

func TestService_MemoCache(t *testing.T) {
	svc := newTestService(t, testConfig("ws://127.0.0.1:1"))
	memo := svc.Cache()

	calls := 0
	factory := func(context.Context) ([]byte, error) {
		calls++
		return []byte(`{"name":"Toyota"}`), nil
	}

	for i := 0; i < 3; i++ {
		v, err := memo.GetOrSet(context.Background(), "symbol:7203", factory, time.Minute)
		require.NoError(t, err)
		assert.JSONEq(t, `{"name":"Toyota"}`, string(v))
	}
	assert.Equal(t, 1, calls)

	stats := memo.Stats()
	assert.Equal(t, "memo", stats.Name)
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)

	memo.Clear()
	assert.Zero(t, memo.Len())
}

func TestService_Status(t *testing.T) {
	svc := newTestService(t, testConfig("ws://127.0.0.1:1"))
	require.NoError(t, svc.SubscribeChannel(subscription.MarketStatus()))
	require.NoError(t, svc.Subscribe("6758"))

	st := svc.Status()
	assert.False(t, st.Connected)
	assert.Equal(t, connection.StateIdle, st.State)
	assert.Nil(t, st.LastUpdate)
	assert.Equal(t, []string{"market_status", "stock:6758"}, st.Subscriptions)

	data, err := json.Marshal(st)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"state":"idle"`)
}

func TestService_CloseIsIdempotentAndDestroysCaches(t *testing.T) {
	svc := New(testConfig("ws://127.0.0.1:1"), zaptest.NewLogger(t))
	require.NoError(t, svc.Start(context.Background()))

	require.NoError(t, svc.Close())
	require.NoError(t, svc.Close())

	assert.True(t, errors.Is(svc.Connect(), connection.ErrManagerStopped))

	svc.Cache().Set("k", []byte("v"), time.Minute)
	assert.Zero(t, svc.Cache().Len())

	_, err := svc.Cache().GetOrSet(context.Background(), "k", func(context.Context) ([]byte, error) {
		return []byte("v"), nil
	}, time.Minute)
	assert.True(t, errors.Is(err, cache.ErrClosed))
}
