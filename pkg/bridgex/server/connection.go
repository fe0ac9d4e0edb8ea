package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/usfsci/bridge-x/pkg/bridgex/frame"
	"github.com/usfsci/bridge-x/pkg/bridgex/o11y"
	"github.com/usfsci/bridge-x/pkg/bridgex/relay"
	"github.com/usfsci/bridge-x/pkg/bridgex/smsg"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// outboundFrame is a payload waiting for the writer, tagged with where it
// came from for logs and metrics.
type outboundFrame struct {
	payload []byte
	source  string
}

const (
	sourceReply = "reply"
	sourceRelay = "relay"
)

// Connection is one client attached to the gateway. It is created on
// accept, subscribed to the client-bound relay immediately, and torn down
// when any of its flows ends.
type Connection struct {
	id      uint64
	conn    net.Conn
	logger  *zap.Logger
	config  *ListenerConfig
	metrics *GatewayMetrics

	codec *frame.Codec
	sub   *relay.Subscription[[]byte]

	outbound chan outboundFrame
	unsent   atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	closed bool

	cleanupOnce sync.Once
}

func newConnection(id uint64, conn net.Conn, config *ListenerConfig, metrics *GatewayMetrics) *Connection {
	return &Connection{
		id:       id,
		conn:     conn,
		logger:   config.logger.With(zap.Uint64("conn", id)),
		config:   config,
		metrics:  metrics,
		codec:    frame.NewCodec(config.maxFrameSize),
		sub:      config.toClients.Subscribe(),
		outbound: make(chan outboundFrame, config.queueSize),
	}
}

// Start runs the connection's flows and blocks until all of them have
// stopped. The connection is closed when Start returns.
func (c *Connection) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)

	c.mu.Lock()
	c.cancel = cancel
	closed := c.closed
	c.mu.Unlock()
	if closed {
		cancel()
	}

	c.logger.Debug("Starting connection handler")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		err := c.readLoop(ctx)
		if err == nil {
			c.awaitFlush(ctx)
		}
		return err
	})
	g.Go(func() error {
		defer cancel()
		return c.relayLoop(ctx)
	})
	g.Go(func() error {
		defer cancel()
		return c.writeLoop(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		// Unblocks the reader.
		c.conn.Close()
		return nil
	})

	if err := g.Wait(); err != nil {
		c.logger.Debug("Connection ended", zap.Error(err))
	}

	c.cleanup()
}

// Close stops the connection. It is safe to call at any time, including
// before Start.
func (c *Connection) Close() {
	c.mu.Lock()
	c.closed = true
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	} else {
		c.conn.Close()
	}
}

func (c *Connection) cleanup() {
	c.cleanupOnce.Do(func() {
		c.sub.Close()
		if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			c.logger.Debug("Close error (may be expected)", zap.Error(err))
		}
		c.logger.Debug("Connection cleanup completed")
	})
}

// readLoop handles the inbound flow: every frame is published toward BLE
// and then decoded. Requests are acknowledged.
func (c *Connection) readLoop(ctx context.Context) error {
	defer c.logger.Debug("Frame reader stopped")

	reader := frame.NewReader(c.conn, c.codec)
	for {
		payload, err := reader.ReadFrame()
		if discarded := reader.Discarded(); discarded > 0 {
			c.metrics.RecordDiscarded(ctx, discarded)
			c.logger.Warn("Discarded bytes before frame marker", zap.Int("bytes", discarded))
		}
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return nil
			case errors.Is(err, io.EOF):
				c.logger.Debug("Client closed connection")
				return nil
			case errors.Is(err, frame.ErrFrameTooLarge):
				c.logger.Warn("Oversized frame, closing connection", zap.Error(err))
				return err
			default:
				c.logger.Debug("Failed to read frame", zap.Error(err))
				return err
			}
		}

		c.metrics.RecordFrameReceived(ctx, len(payload))
		c.handleFrame(ctx, payload)
	}
}

func (c *Connection) handleFrame(ctx context.Context, payload []byte) {
	c.publishToBLE(payload)

	msg, err := smsg.Decode(payload)
	if err != nil {
		reason := decodeErrorReason(err)
		c.metrics.RecordDecodeError(ctx, reason)
		c.logger.Warn("Failed to decode message",
			zap.Error(err),
			zap.Int("payload_length", len(payload)),
		)
		if c.config.errorReplies {
			c.replyToMalformed(ctx, payload, reason)
		}
		return
	}

	switch m := msg.(type) {
	case *smsg.Request:
		c.handleRequest(ctx, m)
	case *smsg.Response:
		c.logger.Debug("Received response", zap.Object("msg", m))
	}
}

func (c *Connection) publishToBLE(payload []byte) {
	framed, err := c.codec.Append(make([]byte, 0, frame.HeaderLen+len(payload)), payload)
	if err != nil {
		c.logger.Warn("Cannot re-frame payload for relay", zap.Error(err))
		return
	}
	if n := c.config.toBLE.Publish(framed); n == 0 {
		c.logger.Debug("No BLE subscriber for relayed frame")
	}
}

func (c *Connection) handleRequest(ctx context.Context, req *smsg.Request) {
	done := c.metrics.RecordRequest(ctx, req.Action)
	defer done()

	var span o11y.Span
	if c.config.tracing != nil {
		ctx, span = c.config.tracing.StartSpan(ctx, "smsg.request")
		span.SetAttributes(
			o11y.Label{Key: "smsg.action", Value: req.Action},
			o11y.Label{Key: "smsg.kind", Value: req.Kind},
			o11y.Label{Key: "smsg.id", Value: strconv.FormatUint(req.ID, 10)},
		)
		defer span.End()
	}

	c.logger.Debug("Received request", zap.Object("msg", req))

	if err := c.reply(ctx, req.Reply(200, "OK", nil)); err != nil {
		if span != nil {
			span.SetStatus(o11y.SpanStatusError, err.Error())
		}
		return
	}
	if span != nil {
		span.SetStatus(o11y.SpanStatusOK, "")
	}
}

// replyToMalformed answers an undecodable frame with 400 when a numeric id
// can be found in either request or response position.
func (c *Connection) replyToMalformed(ctx context.Context, payload []byte, reason string) {
	id, ok := recoverID(payload)
	if !ok {
		return
	}
	_ = c.reply(ctx, smsg.NewResponse(id, 400, reason, nil))
}

func (c *Connection) reply(ctx context.Context, resp *smsg.Response) error {
	payload, err := resp.Encode()
	if err != nil {
		c.logger.Error("Failed to encode reply", zap.Error(err))
		return err
	}

	// Replies block for queue space, relayed frames do not.
	c.unsent.Add(1)
	select {
	case c.outbound <- outboundFrame{payload: payload, source: sourceReply}:
		c.metrics.RecordReply(ctx, resp.Code)
		return nil
	case <-ctx.Done():
		c.unsent.Add(-1)
		return ctx.Err()
	}
}

// awaitFlush gives the writer up to one write timeout to send what is
// already queued, so a client that half-closes still gets its replies.
func (c *Connection) awaitFlush(ctx context.Context) {
	deadline := time.NewTimer(c.config.writeTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for c.unsent.Load() > 0 {
		select {
		case <-ticker.C:
		case <-deadline.C:
			c.logger.Debug("Gave up flushing outbound queue", zap.Int64("unsent", c.unsent.Load()))
			return
		case <-ctx.Done():
			return
		}
	}
}

// relayLoop handles the outbound flow from BLE to this client.
func (c *Connection) relayLoop(ctx context.Context) error {
	defer c.logger.Debug("Relay pump stopped")

	for {
		item, err := c.sub.Recv(ctx)
		if err != nil {
			var lagged *relay.LaggedError
			switch {
			case errors.As(err, &lagged):
				c.metrics.RecordRelayDropped(ctx, "lagged")
				c.logger.Warn("Relay subscriber lagged", zap.Uint64("missed", lagged.Missed))
				continue
			case errors.Is(err, relay.ErrClosed):
				c.logger.Debug("Client relay closed")
				return nil
			default:
				return nil
			}
		}

		payload, err := frame.Decode(item)
		if err != nil {
			c.metrics.RecordRelayDropped(ctx, "invalid_frame")
			c.logger.Warn("Dropping invalid relayed frame", zap.Error(err), zap.Int("length", len(item)))
			continue
		}

		c.unsent.Add(1)
		select {
		case c.outbound <- outboundFrame{payload: payload, source: sourceRelay}:
		default:
			c.unsent.Add(-1)
			c.metrics.RecordRelayDropped(ctx, "queue_full")
			c.logger.Warn("Outbound queue full, dropping relayed frame")
		}
	}
}

// writeLoop is the only goroutine that writes to the socket.
func (c *Connection) writeLoop(ctx context.Context) error {
	defer c.logger.Debug("Frame writer stopped")

	writer := frame.NewWriter(c.conn, c.codec)
	for {
		select {
		case out := <-c.outbound:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.config.writeTimeout)); err != nil {
				return err
			}
			err := writer.WriteFrame(out.payload)
			c.unsent.Add(-1)
			if errors.Is(err, frame.ErrFrameTooLarge) {
				c.logger.Warn("Dropping oversized outbound payload",
					zap.Int("length", len(out.payload)),
					zap.String("source", out.source),
				)
				continue
			}
			if err != nil {
				c.metrics.RecordWriteError(ctx)
				c.logger.Warn("Failed to write frame", zap.Error(err))
				return err
			}
			c.metrics.RecordFrameSent(ctx, len(out.payload), out.source)

		case <-ctx.Done():
			return nil
		}
	}
}

// decodeErrorReason maps a decode error to a single-token reason text.
func decodeErrorReason(err error) string {
	switch {
	case errors.Is(err, smsg.ErrNoStartLine):
		return "NoStartLine"
	case errors.Is(err, smsg.ErrMalformedStartLine):
		return "MalformedStartLine"
	case errors.Is(err, smsg.ErrInvalidUTF8):
		return "InvalidUTF8"
	case errors.Is(err, smsg.ErrInvalidBody):
		return "InvalidBody"
	case errors.Is(err, smsg.ErrInvalidID):
		return "InvalidID"
	case errors.Is(err, smsg.ErrInvalidCode):
		return "InvalidCode"
	}
	return "BadRequest"
}

// recoverID looks for a numeric id in the start line of a payload that
// failed to decode: first token for requests, second for responses.
func recoverID(payload []byte) (uint64, bool) {
	line, _, _ := bytes.Cut(payload, []byte{'\n'})
	fields := bytes.Fields(line)
	for i := 0; i < len(fields) && i < 2; i++ {
		if id, err := strconv.ParseUint(string(fields[i]), 10, 64); err == nil {
			return id, true
		}
	}
	return 0, false
}
