package connection

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/rickgao/pricesync/internal/logger"
)

// NetworkMonitor reports device connectivity.
type NetworkMonitor interface {
	// Online returns the last known connectivity.
	Online() bool

	// Changes delivers the new value on every online/offline transition.
	Changes() <-chan bool
}

// StaticMonitor is a NetworkMonitor whose state is set by the caller.
type StaticMonitor struct {
	online  atomic.Bool
	changes chan bool
}

// NewStaticMonitor creates a monitor with the given initial state.
func NewStaticMonitor(online bool) *StaticMonitor {
	m := &StaticMonitor{changes: make(chan bool, 8)}
	m.online.Store(online)
	return m
}

func (m *StaticMonitor) Online() bool { return m.online.Load() }

func (m *StaticMonitor) Changes() <-chan bool { return m.changes }

// Set updates the state and reports a transition if it changed.
func (m *StaticMonitor) Set(online bool) {
	if m.online.Swap(online) == online {
		return
	}
	select {
	case m.changes <- online:
	default:
	}
}

// ProbeConfig configures a ProbeMonitor.
type ProbeConfig struct {
	Address  string        // host:port dialed on every probe
	Interval time.Duration // time between probes
	Timeout  time.Duration // per-probe dial timeout
}

// ProbeMonitor infers connectivity by periodically opening a TCP connection.
type ProbeMonitor struct {
	cfg     ProbeConfig
	dial    func(ctx context.Context, network, address string) (net.Conn, error)
	logger  *zap.Logger
	online  atomic.Bool
	changes chan bool
}

// NewProbeMonitor creates a ProbeMonitor. It reports online until the first
// probe says otherwise.
func NewProbeMonitor(cfg ProbeConfig, log *zap.Logger) *ProbeMonitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}

	d := &net.Dialer{}
	m := &ProbeMonitor{
		cfg:     cfg,
		dial:    d.DialContext,
		logger:  logger.OrNop(log).Named("network"),
		changes: make(chan bool, 8),
	}
	m.online.Store(true)
	return m
}

func (m *ProbeMonitor) Online() bool { return m.online.Load() }

func (m *ProbeMonitor) Changes() <-chan bool { return m.changes }

// Run probes immediately and then on every interval until ctx is done.
func (m *ProbeMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}

// Probe dials once, records the result and returns it.
func (m *ProbeMonitor) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	conn, err := m.dial(ctx, "tcp", m.cfg.Address)
	online := err == nil
	if conn != nil {
		conn.Close()
	}

	if m.online.Swap(online) != online {
		m.logger.Info("network connectivity changed",
			zap.Bool("online", online),
			zap.String("probe", m.cfg.Address),
			zap.Error(err))
		select {
		case m.changes <- online:
		default:
			m.logger.Warn("network change dropped, receiver not keeping up")
		}
	}
	return online
}
