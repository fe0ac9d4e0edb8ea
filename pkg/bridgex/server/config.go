package server

import (
	"fmt"
	"time"

	"github.com/usfsci/bridge-x/pkg/bridgex/frame"
	"github.com/usfsci/bridge-x/pkg/bridgex/o11y"
	"github.com/usfsci/bridge-x/pkg/bridgex/relay"
	"go.uber.org/zap"
)

// ListenerConfig holds the configuration for creating a gateway Listener.
// Use NewListenerConfig() to create a new configuration and chain methods
// to set the required parameters before calling Build().
type ListenerConfig struct {
	socketPath   string
	logger       *zap.Logger
	toBLE        *relay.Peer[[]byte]
	toClients    *relay.Peer[[]byte]
	queueSize    int
	writeTimeout time.Duration
	maxFrameSize int
	errorReplies bool
	metrics      o11y.MetricsProvider
	tracing      o11y.TracingProvider
}

const (
	// DefaultSocketPath is where the gateway listens unless told otherwise.
	DefaultSocketPath = "/tmp/gateway.sock"

	// DefaultQueueSize is the default number of outbound payloads buffered
	// per connection before relayed traffic starts getting dropped.
	DefaultQueueSize = 256

	// DefaultWriteTimeout is the default timeout for writing one frame to a
	// client. Should be short enough to detect stuck clients quickly.
	DefaultWriteTimeout = 10 * time.Second
)

// NewListenerConfig creates a new ListenerConfig for building a Listener.
// Use the fluent methods to set the required Logger and relay Peers, then
// call Build().
//
// Example:
//
//	pair := relay.NewPeerPair[[]byte](16)
//	listener, err := server.NewListenerConfig().
//	    WithLogger(logger).
//	    WithSocketPath("/run/bridgex.sock").
//	    WithRelay(pair.A, pair.B).
//	    WithQueueSize(512).
//	    Build()
func NewListenerConfig() *ListenerConfig {
	return &ListenerConfig{
		socketPath:   DefaultSocketPath,
		queueSize:    DefaultQueueSize,
		writeTimeout: DefaultWriteTimeout,
		maxFrameSize: frame.MaxFrameSize,
	}
}

// WithSocketPath sets the filesystem path of the Unix socket.
//
// Default: /tmp/gateway.sock
func (c *ListenerConfig) WithSocketPath(path string) *ListenerConfig {
	if path != "" {
		c.socketPath = path
	}
	return c
}

// WithLogger sets the Logger for the Listener and its connections.
func (c *ListenerConfig) WithLogger(logger *zap.Logger) *ListenerConfig {
	c.logger = logger
	return c
}

// WithRelay sets the two relay directions. Every frame a client sends is
// published on toBLE; every item published on toClients is delivered to all
// connected clients.
func (c *ListenerConfig) WithRelay(toBLE, toClients *relay.Peer[[]byte]) *ListenerConfig {
	c.toBLE = toBLE
	c.toClients = toClients
	return c
}

// WithQueueSize sets how many outbound payloads each connection buffers.
// Must be positive.
//
// Default: 256 payloads per connection
func (c *ListenerConfig) WithQueueSize(size int) *ListenerConfig {
	if size > 0 {
		c.queueSize = size
	}
	return c
}

// WithWriteTimeout sets the deadline for writing a single frame.
//
// Default: 10 seconds
func (c *ListenerConfig) WithWriteTimeout(timeout time.Duration) *ListenerConfig {
	if timeout > 0 {
		c.writeTimeout = timeout
	}
	return c
}

// WithMaxFrameSize sets the largest payload accepted from or sent to a
// client. A client announcing a larger frame is disconnected.
//
// Default: 64 KiB
func (c *ListenerConfig) WithMaxFrameSize(size int) *ListenerConfig {
	if size > 0 {
		c.maxFrameSize = size
	}
	return c
}

// WithErrorReplies makes the gateway answer undecodable requests with a
// 400 response when their id can be recovered. Off by default: malformed
// frames are logged and otherwise ignored.
func (c *ListenerConfig) WithErrorReplies(enabled bool) *ListenerConfig {
	c.errorReplies = enabled
	return c
}

// WithMetrics enables connection and frame metrics.
//
// Default: nil (no metrics)
func (c *ListenerConfig) WithMetrics(provider o11y.MetricsProvider) *ListenerConfig {
	c.metrics = provider
	return c
}

// WithTracing wraps the handling of every request in a span.
//
// Default: nil (no tracing)
func (c *ListenerConfig) WithTracing(provider o11y.TracingProvider) *ListenerConfig {
	c.tracing = provider
	return c
}

// IsValid checks if the configuration has all required parameters set.
// Returns nil if the configuration is valid, or an error describing what's missing.
func (c *ListenerConfig) IsValid() error {
	var missing []string
	if c.logger == nil {
		missing = append(missing, "Logger")
	}
	if c.toBLE == nil {
		missing = append(missing, "ToBLE")
	}
	if c.toClients == nil {
		missing = append(missing, "ToClients")
	}

	if len(missing) > 0 {
		return fmt.Errorf("invalid listener configuration, missing: %v", missing)
	}

	return nil
}

// Build creates a new Listener from the configuration. The socket is not
// bound until Listen or ListenAndServe is called.
func (c *ListenerConfig) Build() (*Listener, error) {
	if err := c.IsValid(); err != nil {
		return nil, err
	}

	return newListener(c), nil
}
