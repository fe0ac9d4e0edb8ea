// Package client is a small SMSG client for the gateway's Unix socket, used
// by the CLI and by tests.
package client

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/usfsci/bridge-x/pkg/bridgex/frame"
	"github.com/usfsci/bridge-x/pkg/bridgex/smsg"
	"go.uber.org/zap"
)

// DefaultDialTimeout bounds Dial when ctx carries no deadline.
const DefaultDialTimeout = 5 * time.Second

// Client is a connection to the gateway. Send and Receive may be used from
// different goroutines.
type Client struct {
	conn   net.Conn
	logger *zap.Logger

	writeMu sync.Mutex
	writer  *frame.Writer

	readMu sync.Mutex
	reader *frame.Reader

	nextID    atomic.Uint64
	closeOnce sync.Once
}

// Option configures Dial.
type Option func(*options)

type options struct {
	logger       *zap.Logger
	maxFrameSize int
	dialTimeout  time.Duration
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithMaxFrameSize(size int) Option {
	return func(o *options) { o.maxFrameSize = size }
}

func WithDialTimeout(timeout time.Duration) Option {
	return func(o *options) {
		if timeout > 0 {
			o.dialTimeout = timeout
		}
	}
}

// Dial connects to the gateway socket at path.
func Dial(ctx context.Context, path string, opts ...Option) (*Client, error) {
	o := options{
		logger:      zap.NewNop(),
		dialTimeout: DefaultDialTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}

	dialer := net.Dialer{Timeout: o.dialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", path, err)
	}

	o.logger.Debug("Connected to gateway", zap.String("socket", path))
	return &Client{
		conn:   conn,
		logger: o.logger,
		writer: frame.NewWriter(conn, frame.NewCodec(o.maxFrameSize)),
		reader: frame.NewReader(conn, frame.NewCodec(o.maxFrameSize)),
	}, nil
}

// NextID returns a fresh request id, starting at 1.
func (c *Client) NextID() uint64 {
	return c.nextID.Add(1)
}

// Send encodes msg and writes it as one frame.
func (c *Client) Send(msg smsg.Message) error {
	payload, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("client: encode: %w", err)
	}
	return c.SendRaw(payload)
}

// SendRaw writes payload as one frame without interpreting it.
func (c *Client) SendRaw(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writer.WriteFrame(payload)
}

// Receive blocks until the next frame arrives, or ctx is done, and returns
// its payload.
func (c *Client) Receive(ctx context.Context) ([]byte, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	// Zero when ctx has no deadline, which clears any earlier one.
	deadline, _ := ctx.Deadline()
	c.conn.SetReadDeadline(deadline)
	interrupted := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetReadDeadline(time.Now())
		close(interrupted)
	})
	defer func() {
		// An interrupt already in flight must land before the next call
		// sets its own deadline.
		if !stop() {
			<-interrupted
		}
	}()

	payload, err := c.reader.ReadFrame()
	if err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return payload, err
}

// ReceiveMessage receives the next frame and decodes it.
func (c *Client) ReceiveMessage(ctx context.Context) (smsg.Message, error) {
	payload, err := c.Receive(ctx)
	if err != nil {
		return nil, err
	}
	return smsg.Decode(payload)
}

// Request sends req and waits for the response carrying the same id.
// Frames that are not that response are logged and skipped.
func (c *Client) Request(ctx context.Context, req *smsg.Request) (*smsg.Response, error) {
	if err := c.Send(req); err != nil {
		return nil, err
	}

	for {
		payload, err := c.Receive(ctx)
		if err != nil {
			return nil, err
		}
		msg, err := smsg.Decode(payload)
		if err != nil {
			c.logger.Debug("Skipping undecodable frame", zap.Error(err))
			continue
		}

		resp, ok := msg.(*smsg.Response)
		if !ok || resp.ID != req.ID {
			c.logger.Debug("Skipping unrelated message", zap.Object("msg", msg))
			continue
		}
		return resp, nil
	}
}

// Close closes the connection.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}
