package connection

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rickgao/pricesync/internal/logger"
	"github.com/rickgao/pricesync/internal/metrics"
	"github.com/rickgao/pricesync/internal/subscription"
	"github.com/rickgao/pricesync/pkg/errors"
)

type eventKind int

const (
	evConnect eventKind = iota
	evOpened
	evDialFailed
	evClosed
	evSend
	evSubscribe
	evUnsubscribe
	evDisconnect
)

// event is applied by the loop goroutine. Heartbeat ticks, retry timers and
// network changes are selected on directly by the loop.
type event struct {
	kind     eventKind
	clientID uint64
	client   Client
	err      error
	code     int
	reason   string
	data     []byte
	channel  subscription.Channel
	reply    chan error
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithClientFactory overrides how a Client is built for each attempt.
func WithClientFactory(f ClientFactory) ManagerOption {
	return func(m *Manager) {
		if f != nil {
			m.newClient = f
		}
	}
}

// WithNetworkMonitor gates connection attempts on connectivity.
func WithNetworkMonitor(n NetworkMonitor) ManagerOption {
	return func(m *Manager) {
		m.network = n
	}
}

// WithScheduler replaces the scheduler built from ManagerConfig.
func WithScheduler(s *Scheduler) ManagerOption {
	return func(m *Manager) {
		if s != nil {
			m.scheduler = s
		}
	}
}

// WithMetrics records connection state and reconnects.
func WithMetrics(mt *metrics.Metrics) ManagerOption {
	return func(m *Manager) {
		m.metrics = mt
	}
}

// Manager owns the streaming connection.
type Manager struct {
	cfg       ManagerConfig
	registry  *subscription.Registry
	network   NetworkMonitor
	newClient ClientFactory
	scheduler *Scheduler
	logger    *zap.Logger
	metrics   *metrics.Metrics

	events chan event
	out    chan RawMessage
	notify chan Event

	state      atomic.Int32
	lastUpdate atomic.Int64
	session    atomic.Value
	running    atomic.Bool

	lifeMu  sync.Mutex
	started bool
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	doneCh  chan struct{}
	pumps   sync.WaitGroup

	// Owned by the loop goroutine.
	client     Client
	clientID   uint64
	dialCancel context.CancelFunc
	pumpStop   chan struct{}
	wanted     bool
	deliberate bool
	heartbeat  *time.Ticker
	retry      *time.Timer
}

// NewManager creates a Connection Manager. Call Start before Connect.
func NewManager(cfg ManagerConfig, registry *subscription.Registry, log *zap.Logger, opts ...ManagerOption) *Manager {
	def := DefaultManagerConfig()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.MessageBufferSize <= 0 {
		cfg.MessageBufferSize = def.MessageBufferSize
	}
	if registry == nil {
		registry = subscription.NewRegistry()
	}

	m := &Manager{
		cfg:       cfg,
		registry:  registry,
		newClient: NewClient,
		logger:    logger.OrNop(log).Named("connection"),
		events:    make(chan event, 64),
		out:       make(chan RawMessage, cfg.MessageBufferSize),
		notify:    make(chan Event, 64),
		doneCh:    make(chan struct{}),
	}
	m.session.Store("")
	for _, opt := range opts {
		opt(m)
	}
	if m.scheduler == nil {
		m.scheduler = NewScheduler(cfg.schedulerConfig())
	}
	return m
}

// Start runs the event loop until ctx is cancelled or Stop is called.
func (m *Manager) Start(ctx context.Context) error {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	if m.stopped {
		return ErrManagerStopped
	}
	if m.started {
		return nil
	}
	m.started = true
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.running.Store(true)
	m.metrics.SetConnectionState(int(m.State()))

	go m.loop()

	m.logger.Info("connection manager started", zap.String("url", m.cfg.URL))
	return nil
}

// Stop closes the socket, cancels timers and waits for the loop to exit.
// Messages() and Events() are closed once it returns nil.
func (m *Manager) Stop(ctx context.Context) error {
	m.lifeMu.Lock()
	if !m.stopped {
		m.stopped = true
		if !m.started {
			close(m.out)
			close(m.notify)
			close(m.doneCh)
		} else {
			m.cancel()
		}
	}
	m.lifeMu.Unlock()

	select {
	case <-m.doneCh:
		return nil
	case <-ctx.Done():
		m.logger.Warn("shutdown timeout, connection loop still running")
		return ctx.Err()
	}
}

// Connect opens the connection if it is not already Connecting or Open and
// re-enables automatic reconnection.
func (m *Manager) Connect() error {
	return m.request(event{kind: evConnect})
}

// Disconnect closes the socket with a normal closure, cancels any pending
// retry and heartbeat, and suppresses reconnection until Connect. Safe to
// call repeatedly.
func (m *Manager) Disconnect() error {
	err := m.request(event{kind: evDisconnect})
	if errors.Is(err, ErrManagerStopped) {
		return nil
	}
	return err
}

// Send transmits data immediately. It returns ErrNotConnected, and drops the
// frame, unless the connection is Open.
func (m *Manager) Send(data []byte) error {
	return m.request(event{kind: evSend, data: data})
}

// SendCommand encodes cmd and sends it.
func (m *Manager) SendCommand(cmd Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return errors.Wrap(errors.ErrCodeInvalidPayload, "encode command", err)
	}
	return m.Send(data)
}

// Subscribe adds ch to the registry and sends a subscribe frame if Open.
// When not Open the frame is deferred to the next Open replay.
func (m *Manager) Subscribe(ch subscription.Channel) error {
	if err := ch.Validate(); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidPayload, "subscribe", err)
	}
	if !m.running.Load() {
		m.registry.Add(ch)
		return nil
	}
	return m.request(event{kind: evSubscribe, channel: ch})
}

// Unsubscribe removes ch from the registry and sends an unsubscribe frame if
// Open. Nothing is queued when not Open.
func (m *Manager) Unsubscribe(ch subscription.Channel) error {
	if !m.running.Load() {
		m.registry.Remove(ch)
		return nil
	}
	return m.request(event{kind: evUnsubscribe, channel: ch})
}

// State returns the current connection state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// IsConnected reports whether the state is Open.
func (m *Manager) IsConnected() bool {
	return m.State() == StateOpen
}

// LastUpdate returns when the last inbound frame was read, or zero.
func (m *Manager) LastUpdate() time.Time {
	ns := m.lastUpdate.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// SessionID identifies the current socket session; empty when not Open.
func (m *Manager) SessionID() string {
	return m.session.Load().(string)
}

// Attempts returns the reconnect attempts made since the last reset.
func (m *Manager) Attempts() int {
	return m.scheduler.Attempts()
}

// Registry returns the subscription registry replayed on every Open.
func (m *Manager) Registry() *subscription.Registry {
	return m.registry
}

// Messages returns the inbound frame channel for the Message Dispatcher.
func (m *Manager) Messages() <-chan RawMessage {
	return m.out
}

// Events returns state, error and reconnect notifications. Events are
// dropped when the receiver falls behind.
func (m *Manager) Events() <-chan Event {
	return m.notify
}

func (m *Manager) request(ev event) error {
	if !m.running.Load() {
		return ErrManagerStopped
	}

	ev.reply = make(chan error, 1)
	select {
	case m.events <- ev:
	case <-m.doneCh:
		return ErrManagerStopped
	}

	select {
	case err := <-ev.reply:
		return err
	case <-m.doneCh:
		select {
		case err := <-ev.reply:
			return err
		default:
			return ErrManagerStopped
		}
	}
}

func (m *Manager) post(ev event) bool {
	select {
	case m.events <- ev:
		return true
	case <-m.ctx.Done():
		return false
	}
}

func (m *Manager) loop() {
	defer close(m.doneCh)

	var changes <-chan bool
	if m.network != nil {
		changes = m.network.Changes()
	}

	for {
		var tickC, retryC <-chan time.Time
		if m.heartbeat != nil {
			tickC = m.heartbeat.C
		}
		if m.retry != nil {
			retryC = m.retry.C
		}

		select {
		case <-m.ctx.Done():
			m.shutdown()
			return

		case ev := <-m.events:
			m.handle(ev)

		case <-tickC:
			m.onHeartbeat()

		case <-retryC:
			m.retry = nil
			m.onRetry()

		case online, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			m.onNetworkChange(online)
		}
	}
}

func (m *Manager) handle(ev event) {
	switch ev.kind {
	case evConnect:
		m.onConnect()
		ev.reply <- nil
	case evOpened:
		m.onOpened(ev)
	case evDialFailed:
		m.onDialFailed(ev)
	case evClosed:
		m.onClosed(ev)
	case evSend:
		ev.reply <- m.write(ev.data)
	case evSubscribe:
		ev.reply <- m.onSubscribe(ev.channel)
	case evUnsubscribe:
		ev.reply <- m.onUnsubscribe(ev.channel)
	case evDisconnect:
		m.onDisconnect()
		ev.reply <- nil
	}
}

func (m *Manager) onConnect() {
	m.wanted = true
	m.deliberate = false
	m.scheduler.Reset()

	switch m.State() {
	case StateConnecting, StateOpen:
		return
	}
	m.stopRetry()
	m.dial()
}

// dial starts one connection attempt, or falls back to Closed when offline.
func (m *Manager) dial() {
	if m.network != nil && !m.network.Online() {
		m.logger.Info("network offline, skipping connection attempt")
		m.emitError(ErrNetworkOffline)
		m.setState(StateClosed)
		return
	}

	m.setState(StateConnecting)

	m.clientID++
	id := m.clientID
	c := m.newClient(m.cfg.clientConfig(), m.logger)
	m.client = c

	ctx, cancel := context.WithCancel(m.ctx)
	m.dialCancel = cancel

	go func() {
		err := c.Connect(ctx)
		kind := evOpened
		if err != nil {
			kind = evDialFailed
		}
		if !m.post(event{kind: kind, clientID: id, client: c, err: err}) && err == nil {
			c.Close(CloseNormal, "shutdown")
		}
	}()
}

func (m *Manager) onOpened(ev event) {
	if ev.clientID != m.clientID {
		ev.client.Close(CloseNormal, "superseded")
		return
	}
	m.cancelDial()

	session := uuid.NewString()
	m.session.Store(session)
	m.scheduler.Reset()
	m.setState(StateOpen)

	m.heartbeat = time.NewTicker(m.cfg.HeartbeatInterval)
	m.replay()

	m.pumpStop = make(chan struct{})
	m.pumps.Add(1)
	go m.pump(ev.clientID, ev.client, session, m.pumpStop)

	m.logger.Info("connection open", zap.String("session", session))
}

func (m *Manager) onDialFailed(ev event) {
	if ev.clientID != m.clientID {
		return
	}
	m.cancelDial()
	m.client = nil

	m.logger.Warn("dial failed", zap.Error(ev.err))
	m.setState(StateErrored)
	m.emitError(errors.Wrap(errors.ErrCodeDialFailed, "dial stream", ev.err))
	m.setState(StateClosed)
	m.scheduleRetry(false)
}

func (m *Manager) onClosed(ev event) {
	if ev.clientID != m.clientID {
		return
	}
	m.dropClient("")

	if err := closeError(ev, m.deliberate); err != nil {
		m.logger.Warn("connection lost", zap.Int("code", ev.code), zap.Error(err))
		m.setState(StateErrored)
		m.emitError(err)
	}
	m.setState(StateClosed)
	m.logger.Info("connection closed", zap.Int("code", ev.code))

	m.scheduleRetry(m.deliberate || ev.code == CloseNormal)
}

func (m *Manager) onDisconnect() {
	m.wanted = false
	m.deliberate = true
	m.stopRetry()
	m.scheduler.Suppress()
	m.cancelDial()

	if m.client != nil {
		m.clientID++
		m.setState(StateClosing)
		m.dropClient("client disconnect")
	}

	switch m.State() {
	case StateIdle, StateClosed:
	default:
		m.setState(StateClosed)
	}
}

func (m *Manager) onRetry() {
	if !m.wanted {
		return
	}
	switch m.State() {
	case StateConnecting, StateOpen:
		return
	}
	m.logger.Info("reconnecting", zap.Int("attempt", m.scheduler.Attempts()))
	m.dial()
}

// onNetworkChange reconnects immediately when connectivity returns, skipping
// any pending backoff.
func (m *Manager) onNetworkChange(online bool) {
	m.logger.Info("network state changed", zap.Bool("online", online))
	if !online || !m.wanted || m.scheduler.Exhausted() {
		return
	}
	switch m.State() {
	case StateConnecting, StateOpen:
		return
	}
	m.stopRetry()
	m.dial()
}

func (m *Manager) onHeartbeat() {
	if m.State() != StateOpen {
		return
	}
	if err := m.sendCommand(NewHeartbeatCommand(time.Now())); err != nil {
		m.logger.Warn("heartbeat failed", zap.Error(err))
		return
	}
	m.logger.Debug("heartbeat sent")
}

func (m *Manager) onSubscribe(ch subscription.Channel) error {
	if !m.registry.Add(ch) || m.State() != StateOpen {
		return nil
	}
	return m.sendCommand(NewChannelCommand(CommandSubscribe, ch, time.Now()))
}

func (m *Manager) onUnsubscribe(ch subscription.Channel) error {
	if !m.registry.Remove(ch) || m.State() != StateOpen {
		return nil
	}
	return m.sendCommand(NewChannelCommand(CommandUnsubscribe, ch, time.Now()))
}

// replay re-sends a subscribe frame for every registered channel.
func (m *Manager) replay() {
	channels := m.registry.List()
	now := time.Now()
	for _, ch := range channels {
		if err := m.sendCommand(NewChannelCommand(CommandSubscribe, ch, now)); err != nil {
			m.logger.Warn("failed to replay subscription",
				zap.Stringer("channel", ch),
				zap.Error(err))
		}
	}
	if len(channels) > 0 {
		m.logger.Info("subscriptions replayed", zap.Int("count", len(channels)))
	}
}

func (m *Manager) scheduleRetry(deliberate bool) {
	online := m.network == nil || m.network.Online()
	d := m.scheduler.Next(online, deliberate)

	switch d.Reason {
	case ReasonScheduled:
		m.retry = time.NewTimer(d.Delay)
		m.metrics.IncReconnect()
		m.logger.Info("reconnect scheduled",
			zap.Int("attempt", d.Attempt),
			zap.Int("max_attempts", m.scheduler.MaxAttempts()),
			zap.Duration("delay", d.Delay))
		m.emit(Event{Type: EventReconnectScheduled, State: m.State(), Attempt: d.Attempt, Delay: d.Delay})
	case ReasonExhausted:
		m.logger.Error("reconnect attempts exhausted", zap.Int("attempts", d.Attempt))
		m.emitError(ErrReconnectExhausted)
	case ReasonOffline:
		m.logger.Info("network offline, waiting for connectivity")
	case ReasonDeliberate:
		m.logger.Debug("deliberate close, not reconnecting")
	}
}

func (m *Manager) sendCommand(cmd Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return errors.Wrap(errors.ErrCodeInvalidPayload, "encode command", err)
	}
	return m.write(data)
}

func (m *Manager) write(data []byte) error {
	if m.State() != StateOpen || m.client == nil {
		m.logger.Debug("dropping frame, not connected")
		return ErrNotConnected
	}
	if err := m.client.Send(data); err != nil {
		return errors.Wrap(errors.ErrCodeWriteFailed, "write frame", err)
	}
	return nil
}

func (m *Manager) pump(id uint64, c Client, session string, stop <-chan struct{}) {
	defer m.pumps.Done()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-stop:
			return
		case msg := <-c.Messages():
			m.forward(msg, session)
		case err := <-c.Errors():
			// Frames read before the failure still go out first.
		drain:
			for {
				select {
				case msg := <-c.Messages():
					m.forward(msg, session)
				default:
					break drain
				}
			}
			code, reason, cause := closeCode(err)
			m.post(event{kind: evClosed, clientID: id, code: code, reason: reason, err: cause})
			return
		}
	}
}

func (m *Manager) forward(msg TimestampedMessage, session string) {
	m.lastUpdate.Store(msg.ReceivedAt.UnixNano())

	select {
	case m.out <- RawMessage{Data: msg.Data, SessionID: session, ReceivedAt: msg.ReceivedAt}:
	default:
		m.logger.Warn("message buffer full, dropping frame")
	}
}

// closeCode maps a read error to a close code and reason. A close frame from
// the peer is not an error, but gorilla reports a dropped socket as a
// synthetic 1006 close, which is.
func closeCode(err error) (int, string, error) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case websocket.CloseAbnormalClosure, websocket.CloseNoStatusReceived:
			return ce.Code, ce.Text, err
		}
		return ce.Code, ce.Text, nil
	}
	return CloseAbnormal, "", err
}

// closeError describes why an undeliberate close happened, or nil when the
// peer closed normally.
func closeError(ev event, deliberate bool) error {
	if ev.err != nil {
		return errors.Wrapf(errors.ErrCodeConnectionLost, ev.err, "read stream (close %d)", ev.code)
	}
	if deliberate || ev.code == CloseNormal {
		return nil
	}
	if ev.reason == "" {
		return errors.Newf(errors.ErrCodeConnectionLost, "stream closed by peer (close %d)", ev.code)
	}
	return errors.Newf(errors.ErrCodeConnectionLost, "stream closed by peer (close %d): %s", ev.code, ev.reason)
}

func (m *Manager) dropClient(reason string) {
	m.stopHeartbeat()
	if m.pumpStop != nil {
		close(m.pumpStop)
		m.pumpStop = nil
	}
	if m.client != nil {
		m.client.Close(CloseNormal, reason)
		m.client = nil
	}
	m.session.Store("")
}

func (m *Manager) cancelDial() {
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
}

func (m *Manager) stopHeartbeat() {
	if m.heartbeat != nil {
		m.heartbeat.Stop()
		m.heartbeat = nil
	}
}

func (m *Manager) stopRetry() {
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
}

func (m *Manager) shutdown() {
	m.running.Store(false)
	m.wanted = false
	m.stopRetry()
	m.cancelDial()
	if m.client != nil {
		m.clientID++
		m.setState(StateClosing)
		m.dropClient("shutdown")
	}
	switch m.State() {
	case StateIdle, StateClosed:
	default:
		m.setState(StateClosed)
	}

	m.pumps.Wait()
	close(m.out)
	close(m.notify)
	m.logger.Info("connection manager stopped")
}

func (m *Manager) setState(s State) {
	prev := State(m.state.Swap(int32(s)))
	if prev == s {
		return
	}
	m.metrics.SetConnectionState(int(s))
	m.logger.Debug("state changed", zap.Stringer("from", prev), zap.Stringer("to", s))
	m.emit(Event{Type: EventStateChanged, State: s, Prev: prev})
}

func (m *Manager) emitError(err error) {
	m.emit(Event{Type: EventError, State: m.State(), Err: err})
}

func (m *Manager) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case m.notify <- ev:
		return
	default:
	}
	if ev.Type != EventError {
		m.logger.Debug("event dropped, receiver not keeping up", zap.String("type", string(ev.Type)))
		return
	}

	// Errors evict the oldest queued event. The loop is the only sender, so
	// the second send always finds room.
	select {
	case old := <-m.notify:
		m.logger.Debug("event evicted for error", zap.String("type", string(old.Type)))
	default:
	}
	select {
	case m.notify <- ev:
	default:
		m.logger.Warn("error event dropped", zap.Error(ev.Err))
	}
}
