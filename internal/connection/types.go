package connection

import (
	"time"

	"github.com/rickgao/pricesync/internal/subscription"
	"github.com/rickgao/pricesync/pkg/errors"
)

// Errors
var (
	ErrNotConnected       = errors.New(errors.ErrCodeNotConnected, "not connected")
	ErrAlreadyClosed      = errors.New(errors.ErrCodeConnectionLost, "already closed")
	ErrManagerStopped     = errors.New(errors.ErrCodeManagerStopped, "connection manager not running")
	ErrNetworkOffline     = errors.New(errors.ErrCodeNetworkOffline, "network offline")
	ErrReconnectExhausted = errors.New(errors.ErrCodeReconnectExhausted, "reconnect attempts exhausted")
)

// Close codes used by the manager.
const (
	CloseNormal   = 1000
	CloseAbnormal = 1006
)

// State is the lifecycle state of the streaming connection.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name produced by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	for st := StateIdle; st <= StateErrored; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return errors.Newf(errors.ErrCodeInvalidPayload, "unknown connection state %q", text)
}

// TimestampedMessage wraps raw message data with receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw message bytes from WebSocket
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// RawMessage is a frame handed from the Manager to the Message Dispatcher.
type RawMessage struct {
	Data       []byte
	SessionID  string    // Identifies the socket session the frame arrived on
	ReceivedAt time.Time // Local timestamp when the client read the frame
}

// Outbound command types.
const (
	CommandSubscribe   = "subscribe"
	CommandUnsubscribe = "unsubscribe"
	CommandHeartbeat   = "heartbeat"
)

// Command is an outbound frame.
type Command struct {
	Type      string       `json:"type"`
	Data      *CommandData `json:"data,omitempty"`
	Timestamp int64        `json:"timestamp"` // Unix milliseconds
}

// CommandData carries the channel a subscribe or unsubscribe refers to.
type CommandData struct {
	SubscriptionType subscription.Kind `json:"subscription_type"`
	StockCode        string            `json:"stock_code,omitempty"`
}

// NewChannelCommand builds a subscribe or unsubscribe frame for ch.
func NewChannelCommand(typ string, ch subscription.Channel, now time.Time) Command {
	return Command{
		Type: typ,
		Data: &CommandData{
			SubscriptionType: ch.Kind,
			StockCode:        ch.Key,
		},
		Timestamp: now.UnixMilli(),
	}
}

// NewHeartbeatCommand builds a heartbeat frame.
func NewHeartbeatCommand(now time.Time) Command {
	return Command{Type: CommandHeartbeat, Timestamp: now.UnixMilli()}
}

// EventType classifies manager notifications.
type EventType string

const (
	EventStateChanged       EventType = "state_changed"
	EventError              EventType = "error"
	EventReconnectScheduled EventType = "reconnect_scheduled"
)

// Event is a notification emitted on Manager.Events().
type Event struct {
	Type    EventType
	State   State
	Prev    State
	Err     error
	Attempt int
	Delay   time.Duration
	At      time.Time
}

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	URL              string        // WebSocket URL (e.g., wss://stream.example.com/ws)
	APIKey           string        // Sent as a bearer token when set
	UserAgent        string        // User-Agent header for the handshake
	HandshakeTimeout time.Duration // Dial handshake deadline
	WriteTimeout     time.Duration // Write deadline for sends
	BufferSize       int           // Message channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		BufferSize:       1024,
	}
}

// ManagerConfig configures the Connection Manager.
type ManagerConfig struct {
	URL                  string
	APIKey               string
	UserAgent            string
	HeartbeatInterval    time.Duration // Interval between heartbeat frames while Open
	HandshakeTimeout     time.Duration
	WriteTimeout         time.Duration
	ReconnectBaseDelay   time.Duration // Delay before the first retry
	ReconnectMaxDelay    time.Duration // Cap on the exponential part of the delay
	MaxReconnectAttempts int           // Retries allowed before giving up
	JitterMax            time.Duration // Upper bound of the random delay added to each retry
	MessageBufferSize    int           // Buffer size for the output frame channel
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		HeartbeatInterval:    30 * time.Second,
		HandshakeTimeout:     10 * time.Second,
		WriteTimeout:         5 * time.Second,
		ReconnectBaseDelay:   1 * time.Second,
		ReconnectMaxDelay:    30 * time.Second,
		MaxReconnectAttempts: 5,
		JitterMax:            1 * time.Second,
		MessageBufferSize:    4096,
	}
}

func (c ManagerConfig) clientConfig() ClientConfig {
	cc := DefaultClientConfig()
	cc.URL = c.URL
	cc.APIKey = c.APIKey
	cc.UserAgent = c.UserAgent
	if c.HandshakeTimeout > 0 {
		cc.HandshakeTimeout = c.HandshakeTimeout
	}
	if c.WriteTimeout > 0 {
		cc.WriteTimeout = c.WriteTimeout
	}
	return cc
}

func (c ManagerConfig) schedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		BaseDelay:   c.ReconnectBaseDelay,
		MaxDelay:    c.ReconnectMaxDelay,
		MaxAttempts: c.MaxReconnectAttempts,
		JitterMax:   c.JitterMax,
	}
}
