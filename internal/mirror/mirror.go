// Package mirror copies accepted price snapshots into Redis so other
// processes can read the latest price without a streaming connection.
package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rickgao/pricesync/internal/logger"
	"github.com/rickgao/pricesync/internal/model"
	"github.com/rickgao/pricesync/internal/subscription"
	"github.com/rickgao/pricesync/pkg/errors"
)

const (
	DefaultKeyPrefix = "prices:latest:"
	DefaultTTL       = 24 * time.Hour

	// UpdatesChannel receives every published snapshot.
	UpdatesChannel = "prices:updates"

	publishTimeout = 2 * time.Second
)

// Config controls key naming and expiry.
type Config struct {
	KeyPrefix string
	TTL       time.Duration
}

// RedisMirror writes the latest snapshot per symbol to Redis.
type RedisMirror struct {
	client redis.UniversalClient
	cfg    Config
	logger *zap.Logger
}

// New creates a mirror over an existing Redis client.
func New(client redis.UniversalClient, cfg Config, log *zap.Logger) *RedisMirror {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	return &RedisMirror{
		client: client,
		cfg:    cfg,
		logger: logger.OrNop(log).Named("mirror"),
	}
}

// Ping checks the connection to the Redis server.
func (m *RedisMirror) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

// Key returns the Redis key holding the latest snapshot for symbol.
func (m *RedisMirror) Key(symbol string) string {
	return m.cfg.KeyPrefix + subscription.NormalizeSymbol(symbol)
}

// Publish stores the snapshot under its latest-price key and announces it
// on UpdatesChannel in one round trip.
func (m *RedisMirror) Publish(ctx context.Context, snap model.PriceSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return errors.Wrap(errors.ErrCodeInvalidPayload, "encode snapshot", err)
	}

	pipe := m.client.Pipeline()
	pipe.Set(ctx, m.Key(snap.Symbol), data, m.cfg.TTL)
	pipe.Publish(ctx, UpdatesChannel, data)

	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(errors.ErrCodeWriteFailed, err, "mirror %s", snap.Symbol)
	}
	return nil
}

// Latest reads the mirrored snapshot for symbol. The second return value
// is false when no snapshot is stored.
func (m *RedisMirror) Latest(ctx context.Context, symbol string) (model.PriceSnapshot, bool, error) {
	var snap model.PriceSnapshot

	data, err := m.client.Get(ctx, m.Key(symbol)).Bytes()
	if errors.Is(err, redis.Nil) {
		return snap, false, nil
	}
	if err != nil {
		return snap, false, fmt.Errorf("get %s: %w", symbol, err)
	}

	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, false, errors.Wrap(errors.ErrCodeInvalidPayload, "decode snapshot", err)
	}
	return snap, true, nil
}

// Handler returns a price listener that publishes each snapshot. Failures
// are logged; the listener never blocks the dispatcher for longer than the
// publish timeout.
func (m *RedisMirror) Handler(ctx context.Context) func(model.PriceSnapshot) {
	return func(snap model.PriceSnapshot) {
		pctx, cancel := context.WithTimeout(ctx, publishTimeout)
		defer cancel()

		if err := m.Publish(pctx, snap); err != nil {
			m.logger.Warn("mirror publish failed",
				zap.String("symbol", snap.Symbol),
				zap.Error(err),
			)
		}
	}
}
