package relay

import (
	"fmt"

	"github.com/usfsci/bridge-x/pkg/bridgex/o11y"
	"go.uber.org/zap"
)

// PeerConfig holds the settings for a Peer. Use NewPeerConfig() and chain
// methods, then call Build().
//
// Example:
//
//	peer, err := relay.NewPeerConfig[[]byte]().
//	    WithName("to-ble").
//	    WithCapacity(32).
//	    WithLogger(logger).
//	    Build()
type PeerConfig[T any] struct {
	name     string
	capacity int
	logger   *zap.Logger
	metrics  o11y.MetricsProvider
}

// NewPeerConfig returns a PeerConfig with DefaultCapacity and a no-op logger.
func NewPeerConfig[T any]() *PeerConfig[T] {
	return &PeerConfig[T]{
		name:     "peer",
		capacity: DefaultCapacity,
		logger:   zap.NewNop(),
	}
}

// WithName sets the name used in logs and metric labels.
func (c *PeerConfig[T]) WithName(name string) *PeerConfig[T] {
	if name != "" {
		c.name = name
	}
	return c
}

// WithCapacity sets how many messages are retained for slow subscribers.
// Non-positive values keep the current setting.
//
// Default: 16
func (c *PeerConfig[T]) WithCapacity(capacity int) *PeerConfig[T] {
	if capacity > 0 {
		c.capacity = capacity
	}
	return c
}

func (c *PeerConfig[T]) WithLogger(logger *zap.Logger) *PeerConfig[T] {
	if logger != nil {
		c.logger = logger
	}
	return c
}

// WithMetrics enables publish, lag and subscriber metrics.
func (c *PeerConfig[T]) WithMetrics(provider o11y.MetricsProvider) *PeerConfig[T] {
	c.metrics = provider
	return c
}

// IsValid returns an error describing what is wrong with the configuration.
func (c *PeerConfig[T]) IsValid() error {
	if c.capacity <= 0 {
		return fmt.Errorf("invalid peer configuration: capacity %d", c.capacity)
	}
	if c.logger == nil {
		return fmt.Errorf("invalid peer configuration, missing: [Logger]")
	}
	return nil
}

// Build creates the Peer.
func (c *PeerConfig[T]) Build() (*Peer[T], error) {
	if err := c.IsValid(); err != nil {
		return nil, err
	}

	return &Peer[T]{
		name:    c.name,
		logger:  c.logger.With(zap.String("peer", c.name)),
		ring:    make([]T, c.capacity),
		notify:  make(chan struct{}),
		metrics: newRelayMetrics(c.metrics, c.name),
	}, nil
}
