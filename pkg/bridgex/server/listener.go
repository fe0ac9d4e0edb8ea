// Package server accepts gateway clients on a Unix domain socket and wires
// each connection to the relay.
//
// Every connection runs three goroutines: a reader that decodes incoming
// frames, publishes them toward BLE and queues acknowledgements; a relay
// pump that forwards BLE traffic to the client; and a writer that owns the
// socket's write side.
package server

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrNotSocket is returned when the socket path exists and is not a socket.
	ErrNotSocket = errors.New("server: path exists and is not a socket")

	// ErrSocketInUse is returned when another process is accepting on the
	// socket path.
	ErrSocketInUse = errors.New("server: socket is in use")

	// ErrAlreadyListening is returned when Listen is called twice.
	ErrAlreadyListening = errors.New("server: already listening")
)

// Listener accepts Unix socket connections and manages their lifecycle.
type Listener struct {
	logger  *zap.Logger
	config  *ListenerConfig
	metrics *GatewayMetrics

	mu       sync.Mutex
	listener net.Listener

	// Connection tracking for graceful shutdown
	connections  map[*Connection]struct{}
	connMutex    sync.RWMutex
	nextID       atomic.Uint64
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// newListener creates a Listener from a validated configuration.
// Use NewListenerConfig().Build() instead.
func newListener(config *ListenerConfig) *Listener {
	return &Listener{
		logger:      config.logger,
		config:      config,
		metrics:     NewGatewayMetrics(config.metrics),
		connections: make(map[*Connection]struct{}),
		shutdown:    make(chan struct{}),
	}
}

// Listen binds the socket path. A leftover socket file from an earlier run
// is removed first; anything else at the path is an error.
func (l *Listener) Listen() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.listener != nil {
		return ErrAlreadyListening
	}

	path := l.config.socketPath
	if err := removeStaleSocket(path); err != nil {
		return err
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", path, err)
	}
	l.listener = ln

	l.logger.Info("Gateway listening", zap.String("socket", path))
	return nil
}

// removeStaleSocket deletes path if it is a socket nobody is accepting on.
func removeStaleSocket(path string) error {
	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("server: stat %s: %w", path, err)
	}
	if info.Mode()&fs.ModeSocket == 0 {
		return fmt.Errorf("%w: %s", ErrNotSocket, path)
	}

	if conn, err := net.DialTimeout("unix", path, 100*time.Millisecond); err == nil {
		conn.Close()
		return fmt.Errorf("%w: %s", ErrSocketInUse, path)
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("server: remove stale socket %s: %w", path, err)
	}
	return nil
}

// Addr returns the socket path the Listener was configured with.
func (l *Listener) Addr() string {
	return l.config.socketPath
}

// ListenAndServe binds the socket and serves until ctx is cancelled.
func (l *Listener) ListenAndServe(ctx context.Context) error {
	if err := l.Listen(); err != nil {
		return err
	}
	return l.Serve(ctx)
}

// Serve accepts connections until ctx is cancelled or Shutdown is called.
// Listen must have been called first. Serve returns nil on a clean stop.
func (l *Listener) Serve(ctx context.Context) error {
	l.mu.Lock()
	ln := l.listener
	l.mu.Unlock()
	if ln == nil {
		return errors.New("server: Serve called before Listen")
	}

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-l.shutdown:
				return nil
			default:
			}
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			l.logger.Error("Failed to accept connection", zap.Error(err))
			return fmt.Errorf("server: accept: %w", err)
		}

		go l.serveConn(ctx, conn)
	}
}

func (l *Listener) serveConn(ctx context.Context, conn net.Conn) {
	// Checked under connMutex so Shutdown's snapshot of connections cannot
	// miss one registered after it closed l.shutdown.
	l.connMutex.Lock()
	select {
	case <-l.shutdown:
		l.connMutex.Unlock()
		l.logger.Debug("Rejecting new connection due to shutdown")
		conn.Close()
		return
	default:
	}
	connection := newConnection(l.nextID.Add(1), conn, l.config, l.metrics)
	l.connections[connection] = struct{}{}
	connCount := len(l.connections)
	l.connMutex.Unlock()

	l.metrics.RecordConnectionStart(ctx)
	l.metrics.RecordConnectionActive(ctx, connCount)
	l.logger.Debug("Connection tracked",
		zap.Uint64("conn", connection.id),
		zap.Int("active_connections", connCount),
	)

	started := time.Now()
	connection.Start(ctx)

	l.connMutex.Lock()
	delete(l.connections, connection)
	connCount = len(l.connections)
	l.connMutex.Unlock()

	l.metrics.RecordConnectionEnd(ctx, time.Since(started))
	l.metrics.RecordConnectionActive(ctx, connCount)
	l.logger.Debug("Connection removed from tracking",
		zap.Uint64("conn", connection.id),
		zap.Int("active_connections", connCount),
	)
}

// Shutdown stops accepting, closes every active connection and waits for
// them to finish, or for ctx to be done.
func (l *Listener) Shutdown(ctx context.Context) error {
	l.shutdownOnce.Do(func() {
		l.logger.Info("Starting graceful gateway shutdown")

		close(l.shutdown)

		l.mu.Lock()
		if l.listener != nil {
			l.listener.Close()
		}
		l.mu.Unlock()

		l.connMutex.RLock()
		connections := make([]*Connection, 0, len(l.connections))
		for conn := range l.connections {
			connections = append(connections, conn)
		}
		l.connMutex.RUnlock()

		if len(connections) == 0 {
			l.logger.Info("No active connections to close")
			return
		}

		l.logger.Info("Closing active connections", zap.Int("connection_count", len(connections)))
		for _, conn := range connections {
			conn.Close()
		}
	})

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		remaining := l.ConnectionCount()
		if remaining == 0 {
			l.logger.Info("All connections closed")
			return nil
		}

		select {
		case <-ctx.Done():
			l.logger.Warn("Shutdown timeout reached with active connections",
				zap.Int("remaining_connections", remaining),
			)
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ConnectionCount returns the current number of active connections.
func (l *Listener) ConnectionCount() int {
	l.connMutex.RLock()
	defer l.connMutex.RUnlock()
	return len(l.connections)
}
