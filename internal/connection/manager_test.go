package connection

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rickgao/pricesync/internal/subscription"
	"github.com/rickgao/pricesync/pkg/errors"
)

// wsHarness is a stream server that records every decoded command.
type wsHarness struct {
	server   *httptest.Server
	received chan Command
	conns    chan *websocket.Conn
	accepts  atomic.Int32
}

func newHarness(t *testing.T) *wsHarness {
	h := &wsHarness{
		received: make(chan Command, 256),
		conns:    make(chan *websocket.Conn, 16),
	}
	h.server = mockWSServer(t, func(conn *websocket.Conn) {
		h.accepts.Add(1)
		h.conns <- conn
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var cmd Command
			if json.Unmarshal(data, &cmd) == nil {
				h.received <- cmd
			}
		}
	})
	t.Cleanup(h.server.Close)
	return h
}

func (h *wsHarness) url() string { return wsURL(h.server) }

func (h *wsHarness) nextCommand(t *testing.T) Command {
	t.Helper()
	select {
	case cmd := <-h.received:
		return cmd
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for command")
	}
	return Command{}
}

// nextOfType skips frames of other types, such as heartbeats.
func (h *wsHarness) nextOfType(t *testing.T, typ string) Command {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case cmd := <-h.received:
			if cmd.Type == typ {
				return cmd
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s command", typ)
			return Command{}
		}
	}
}

func (h *wsHarness) assertQuiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case cmd := <-h.received:
		t.Fatalf("unexpected command %+v", cmd)
	case <-time.After(d):
	}
}

func (h *wsHarness) conn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-h.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for connection")
	}
	return nil
}

func testManagerConfig(url string) ManagerConfig {
	cfg := DefaultManagerConfig()
	cfg.URL = url
	cfg.HeartbeatInterval = time.Hour
	cfg.ReconnectBaseDelay = 10 * time.Millisecond
	cfg.ReconnectMaxDelay = 40 * time.Millisecond
	cfg.JitterMax = 0
	cfg.MaxReconnectAttempts = 3
	cfg.MessageBufferSize = 64
	return cfg
}

func startManager(t *testing.T, cfg ManagerConfig, registry *subscription.Registry, opts ...ManagerOption) *Manager {
	t.Helper()
	m := NewManager(cfg, registry, zaptest.NewLogger(t), opts...)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		m.Stop(ctx)
	})
	return m
}

func waitState(t *testing.T, m *Manager, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return m.State() == want },
		2*time.Second, 5*time.Millisecond, "state never became %s (last %s)", want, m.State())
}

func waitEvent(t *testing.T, m *Manager, match func(Event) bool) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-m.Events():
			if !ok {
				t.Fatal("events channel closed")
			}
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatal("timeout waiting for event")
			return Event{}
		}
	}
}

func TestManager_ConnectReplaysSubscriptions(t *testing.T) {
	h := newHarness(t)
	registry := subscription.NewRegistry()
	registry.Add(subscription.Symbol("AAPL"))
	registry.Add(subscription.MarketStatus())

	m := startManager(t, testManagerConfig(h.url()), registry)
	assert.Equal(t, StateIdle, m.State())

	require.NoError(t, m.Connect())
	waitState(t, m, StateOpen)
	assert.NotEmpty(t, m.SessionID())

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		cmd := h.nextCommand(t)
		require.Equal(t, CommandSubscribe, cmd.Type)
		require.NotNil(t, cmd.Data)
		got[string(cmd.Data.SubscriptionType)+":"+cmd.Data.StockCode] = true
	}
	assert.Equal(t, map[string]bool{"stock:AAPL": true, "market_status:": true}, got)

	// Connect while Open is a no-op.
	require.NoError(t, m.Connect())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), h.accepts.Load())
}

func TestManager_SubscribeWhileOpen(t *testing.T) {
	h := newHarness(t)
	m := startManager(t, testManagerConfig(h.url()), nil)

	require.NoError(t, m.Connect())
	waitState(t, m, StateOpen)

	require.NoError(t, m.Subscribe(subscription.Symbol("msft")))
	cmd := h.nextCommand(t)
	assert.Equal(t, CommandSubscribe, cmd.Type)
	assert.Equal(t, "MSFT", cmd.Data.StockCode)
	assert.Equal(t, subscription.KindSymbol, cmd.Data.SubscriptionType)

	// Re-subscribing sends nothing.
	require.NoError(t, m.Subscribe(subscription.Symbol("MSFT")))
	h.assertQuiet(t, 50*time.Millisecond)

	require.NoError(t, m.Unsubscribe(subscription.Symbol("MSFT")))
	cmd = h.nextCommand(t)
	assert.Equal(t, CommandUnsubscribe, cmd.Type)
	assert.Equal(t, "MSFT", cmd.Data.StockCode)
	assert.Zero(t, m.Registry().Len())
}

func TestManager_SubscribeWhileClosedIsLocal(t *testing.T) {
	h := newHarness(t)
	m := startManager(t, testManagerConfig(h.url()), nil)

	require.NoError(t, m.Subscribe(subscription.Symbol("TSLA")))
	require.NoError(t, m.Subscribe(subscription.Symbol("GOOG")))
	require.NoError(t, m.Unsubscribe(subscription.Symbol("GOOG")))
	assert.Equal(t, []string{"TSLA"}, m.Registry().Symbols())

	require.NoError(t, m.Connect())
	waitState(t, m, StateOpen)

	cmd := h.nextCommand(t)
	assert.Equal(t, CommandSubscribe, cmd.Type)
	assert.Equal(t, "TSLA", cmd.Data.StockCode)
	h.assertQuiet(t, 50*time.Millisecond)
}

func TestManager_SubscribeRejectsInvalidChannel(t *testing.T) {
	m := NewManager(testManagerConfig("ws://unused"), nil, zaptest.NewLogger(t))

	err := m.Subscribe(subscription.Symbol(""))
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidPayload))
	assert.Zero(t, m.Registry().Len())
}

func TestManager_SendWhenNotOpen(t *testing.T) {
	m := startManager(t, testManagerConfig("ws://unused"), nil)

	err := m.Send([]byte(`{}`))
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.True(t, errors.IsCategory(err, errors.CategoryCapacity))
}

func TestManager_NotStarted(t *testing.T) {
	m := NewManager(testManagerConfig("ws://unused"), nil, nil)

	assert.ErrorIs(t, m.Connect(), ErrManagerStopped)
	assert.NoError(t, m.Disconnect())
	assert.NoError(t, m.Stop(context.Background()))
	assert.ErrorIs(t, m.Start(context.Background()), ErrManagerStopped)
}

func TestManager_ForwardsFrames(t *testing.T) {
	h := newHarness(t)
	m := startManager(t, testManagerConfig(h.url()), nil)

	require.NoError(t, m.Connect())
	waitState(t, m, StateOpen)
	assert.True(t, m.LastUpdate().IsZero())

	conn := h.conn(t)
	frame := `{"type":"heartbeat","timestamp":1705328200000}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))

	select {
	case msg := <-m.Messages():
		assert.Equal(t, frame, string(msg.Data))
		assert.Equal(t, m.SessionID(), msg.SessionID)
		assert.False(t, msg.ReceivedAt.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for frame")
	}
	assert.False(t, m.LastUpdate().IsZero())
}

func TestManager_SendHeartbeats(t *testing.T) {
	h := newHarness(t)
	cfg := testManagerConfig(h.url())
	cfg.HeartbeatInterval = 20 * time.Millisecond
	m := startManager(t, cfg, nil)

	require.NoError(t, m.Connect())
	waitState(t, m, StateOpen)

	cmd := h.nextOfType(t, CommandHeartbeat)
	assert.Nil(t, cmd.Data)
	assert.NotZero(t, cmd.Timestamp)

	require.NoError(t, m.Disconnect())
	// Drain anything in flight, then expect silence.
	time.Sleep(30 * time.Millisecond)
	for len(h.received) > 0 {
		<-h.received
	}
	h.assertQuiet(t, 60*time.Millisecond)
}

func TestManager_ReconnectsAfterAbnormalClose(t *testing.T) {
	h := newHarness(t)
	registry := subscription.NewRegistry()
	registry.Add(subscription.Symbol("NVDA"))

	m := startManager(t, testManagerConfig(h.url()), registry)
	require.NoError(t, m.Connect())
	waitState(t, m, StateOpen)
	h.nextOfType(t, CommandSubscribe)
	first := m.SessionID()

	// Drop the TCP connection without a close frame.
	h.conn(t).UnderlyingConn().Close()

	ev := waitEvent(t, m, func(ev Event) bool { return ev.Type == EventReconnectScheduled })
	assert.Equal(t, 1, ev.Attempt)
	assert.Equal(t, 10*time.Millisecond, ev.Delay)

	waitState(t, m, StateOpen)
	cmd := h.nextOfType(t, CommandSubscribe)
	assert.Equal(t, "NVDA", cmd.Data.StockCode)
	assert.NotEqual(t, first, m.SessionID())
	assert.Zero(t, m.Attempts(), "counter resets on open")
}

func TestManager_ErrorEventOnAbnormalClose(t *testing.T) {
	h := newHarness(t)
	m := startManager(t, testManagerConfig(h.url()), nil)
	require.NoError(t, m.Connect())
	waitState(t, m, StateOpen)

	h.conn(t).UnderlyingConn().Close()

	waitEvent(t, m, func(ev Event) bool {
		return ev.Type == EventStateChanged && ev.State == StateErrored
	})
	ev := waitEvent(t, m, func(ev Event) bool { return ev.Type == EventError })
	assert.True(t, errors.HasCode(ev.Err, errors.ErrCodeConnectionLost))
}

func TestManager_NoReconnectOnNormalServerClose(t *testing.T) {
	h := newHarness(t)
	m := startManager(t, testManagerConfig(h.url()), nil)
	require.NoError(t, m.Connect())
	waitState(t, m, StateOpen)

	conn := h.conn(t)
	require.NoError(t, conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
		time.Now().Add(time.Second)))

	waitState(t, m, StateClosed)
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, StateClosed, m.State())
	assert.Equal(t, int32(1), h.accepts.Load())
}

func TestManager_ReconnectsOnGoingAway(t *testing.T) {
	h := newHarness(t)
	m := startManager(t, testManagerConfig(h.url()), nil)
	require.NoError(t, m.Connect())
	waitState(t, m, StateOpen)

	conn := h.conn(t)
	require.NoError(t, conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "restart"),
		time.Now().Add(time.Second)))

	ev := waitEvent(t, m, func(ev Event) bool { return ev.Type == EventError })
	assert.True(t, errors.HasCode(ev.Err, errors.ErrCodeConnectionLost))
	assert.Contains(t, ev.Err.Error(), "restart")

	waitEvent(t, m, func(ev Event) bool { return ev.Type == EventReconnectScheduled })
	h.conn(t)
	waitState(t, m, StateOpen)
	assert.Equal(t, int32(2), h.accepts.Load())
}

func TestManager_ErrorEventsSurviveFullQueue(t *testing.T) {
	m := NewManager(testManagerConfig("ws://127.0.0.1:1"), nil, zaptest.NewLogger(t))
	size := cap(m.notify)

	for i := 0; i < size; i++ {
		m.emit(Event{Type: EventStateChanged, State: StateConnecting})
	}
	m.emit(Event{Type: EventStateChanged, State: StateOpen})
	m.emitError(ErrReconnectExhausted)

	require.Len(t, m.notify, size)
	var last Event
	for i := 0; i < size; i++ {
		last = <-m.notify
		if last.Type == EventStateChanged {
			assert.Equal(t, StateConnecting, last.State, "state change past capacity is dropped")
		}
	}
	assert.Equal(t, EventError, last.Type)
	assert.True(t, errors.Is(last.Err, ErrReconnectExhausted))
}

func TestManager_DisconnectIsIdempotentAndSuppressesRetry(t *testing.T) {
	h := newHarness(t)
	m := startManager(t, testManagerConfig(h.url()), nil)
	require.NoError(t, m.Connect())
	waitState(t, m, StateOpen)

	require.NoError(t, m.Disconnect())
	assert.Equal(t, StateClosed, m.State())
	require.NoError(t, m.Disconnect())
	assert.Equal(t, StateClosed, m.State())
	assert.Equal(t, m.cfg.MaxReconnectAttempts, m.Attempts())
	assert.Empty(t, m.SessionID())

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, int32(1), h.accepts.Load(), "no automatic reconnect after disconnect")

	// An explicit connect resumes cleanly.
	require.NoError(t, m.Connect())
	waitState(t, m, StateOpen)
	assert.Zero(t, m.Attempts())
}

func TestManager_GivesUpAfterMaxAttempts(t *testing.T) {
	cfg := testManagerConfig("ws://127.0.0.1:1")
	cfg.MaxReconnectAttempts = 2
	cfg.HandshakeTimeout = 200 * time.Millisecond
	m := startManager(t, cfg, nil)

	require.NoError(t, m.Connect())

	ev := waitEvent(t, m, func(ev Event) bool {
		return ev.Type == EventError && errors.HasCode(ev.Err, errors.ErrCodeReconnectExhausted)
	})
	assert.ErrorIs(t, ev.Err, ErrReconnectExhausted)
	waitState(t, m, StateClosed)
	assert.Equal(t, 2, m.Attempts())
}

func TestManager_OfflineShortCircuitsAndOnlineFastPath(t *testing.T) {
	h := newHarness(t)
	network := NewStaticMonitor(false)
	m := startManager(t, testManagerConfig(h.url()), nil, WithNetworkMonitor(network))

	require.NoError(t, m.Connect())
	waitEvent(t, m, func(ev Event) bool {
		return ev.Type == EventError && errors.HasCode(ev.Err, errors.ErrCodeNetworkOffline)
	})
	assert.Equal(t, StateClosed, m.State())
	assert.Zero(t, h.accepts.Load())

	network.Set(true)
	waitState(t, m, StateOpen)
	assert.Equal(t, int32(1), h.accepts.Load())
}

func TestManager_OfflineCloseWaitsForConnectivity(t *testing.T) {
	h := newHarness(t)
	network := NewStaticMonitor(true)
	m := startManager(t, testManagerConfig(h.url()), nil, WithNetworkMonitor(network))

	require.NoError(t, m.Connect())
	waitState(t, m, StateOpen)
	conn := h.conn(t)

	// Flip offline silently so the close is seen before any change event.
	network.online.Store(false)
	conn.UnderlyingConn().Close()

	waitState(t, m, StateClosed)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(1), h.accepts.Load(), "no retry while offline")
	assert.Zero(t, m.Attempts())

	network.Set(true)
	waitState(t, m, StateOpen)
}

func TestManager_StopClosesChannels(t *testing.T) {
	h := newHarness(t)
	m := NewManager(testManagerConfig(h.url()), nil, zaptest.NewLogger(t))
	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Connect())
	waitState(t, m, StateOpen)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Stop(ctx))

	assert.Equal(t, StateClosed, m.State())
	_, ok := <-m.Messages()
	assert.False(t, ok)
	for range m.Events() {
	}
	assert.ErrorIs(t, m.Connect(), ErrManagerStopped)
}
