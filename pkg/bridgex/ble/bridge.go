package ble

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/usfsci/bridge-x/pkg/bridgex/frame"
	"github.com/usfsci/bridge-x/pkg/bridgex/o11y"
	"github.com/usfsci/bridge-x/pkg/bridgex/relay"
	"go.uber.org/zap"
)

// BridgeConfig holds the configuration for a Bridge. Use NewBridgeConfig()
// and chain methods, then call Build().
type BridgeConfig struct {
	peripheral   Peripheral
	toBLE        *relay.Peer[[]byte]
	toClients    *relay.Peer[[]byte]
	logger       *zap.Logger
	chunkSize    int
	maxFrameSize int
	metrics      o11y.MetricsProvider
}

func NewBridgeConfig() *BridgeConfig {
	return &BridgeConfig{
		chunkSize:    DefaultChunkSize,
		maxFrameSize: frame.MaxFrameSize,
	}
}

func (c *BridgeConfig) WithPeripheral(p Peripheral) *BridgeConfig {
	c.peripheral = p
	return c
}

// WithRelay sets the relay directions: frames published on toBLE go out as
// notifications, frames written by the central are published on toClients.
func (c *BridgeConfig) WithRelay(toBLE, toClients *relay.Peer[[]byte]) *BridgeConfig {
	c.toBLE = toBLE
	c.toClients = toClients
	return c
}

func (c *BridgeConfig) WithLogger(logger *zap.Logger) *BridgeConfig {
	c.logger = logger
	return c
}

// WithChunkSize sets the largest notification sent to the central.
//
// Default: 20 bytes
func (c *BridgeConfig) WithChunkSize(size int) *BridgeConfig {
	if size > 0 {
		c.chunkSize = size
	}
	return c
}

// WithMaxFrameSize bounds frames reassembled from central writes.
func (c *BridgeConfig) WithMaxFrameSize(size int) *BridgeConfig {
	if size > 0 {
		c.maxFrameSize = size
	}
	return c
}

func (c *BridgeConfig) WithMetrics(provider o11y.MetricsProvider) *BridgeConfig {
	c.metrics = provider
	return c
}

// IsValid checks if the configuration has all required parameters set.
func (c *BridgeConfig) IsValid() error {
	var missing []string
	if c.peripheral == nil {
		missing = append(missing, "Peripheral")
	}
	if c.toBLE == nil {
		missing = append(missing, "ToBLE")
	}
	if c.toClients == nil {
		missing = append(missing, "ToClients")
	}
	if c.logger == nil {
		missing = append(missing, "Logger")
	}

	if len(missing) > 0 {
		return fmt.Errorf("invalid bridge configuration, missing: %v", missing)
	}
	return nil
}

func (c *BridgeConfig) Build() (*Bridge, error) {
	if err := c.IsValid(); err != nil {
		return nil, err
	}

	b := &Bridge{
		peripheral: c.peripheral,
		toBLE:      c.toBLE,
		toClients:  c.toClients,
		logger:     c.logger.With(zap.String("component", "ble")),
		chunkSize:  c.chunkSize,
		codec:      frame.NewCodec(c.maxFrameSize),
	}
	if c.metrics != nil {
		b.notified = c.metrics.Counter("ble_notifications_total")
		b.framesIn = c.metrics.Counter("ble_frames_received_total")
		b.dropped = c.metrics.Counter("ble_frames_dropped_total")
	}
	return b, nil
}

// Bridge moves frames between the relay and a Peripheral. Outbound frames
// are split into chunks small enough for one notification; inbound writes
// are reassembled into frames before they are published.
type Bridge struct {
	peripheral Peripheral
	toBLE      *relay.Peer[[]byte]
	toClients  *relay.Peer[[]byte]
	logger     *zap.Logger
	chunkSize  int

	mu      sync.Mutex
	codec   *frame.Codec
	inbound bytes.Buffer

	notified o11y.Counter
	framesIn o11y.Counter
	dropped  o11y.Counter
}

// Run starts the peripheral and forwards traffic until ctx is cancelled or
// the BLE-bound Peer is closed. The peripheral is stopped on return.
func (b *Bridge) Run(ctx context.Context) error {
	sub := b.toBLE.Subscribe()
	defer sub.Close()

	if err := b.peripheral.Start(ctx, b.handleWrite); err != nil {
		return err
	}
	defer func() {
		if err := b.peripheral.Stop(); err != nil {
			b.logger.Warn("Failed to stop peripheral", zap.Error(err))
		}
	}()

	b.logger.Debug("BLE bridge running", zap.Int("chunk_size", b.chunkSize))

	for {
		item, err := sub.Recv(ctx)
		if err != nil {
			var lagged *relay.LaggedError
			if errors.As(err, &lagged) {
				b.count(b.dropped, int64(lagged.Missed))
				b.logger.Warn("BLE relay lagged", zap.Uint64("missed", lagged.Missed))
				continue
			}
			return nil
		}

		if err := b.send(item); err != nil {
			b.count(b.dropped, 1)
			b.logger.Warn("Failed to notify frame", zap.Error(err), zap.Int("length", len(item)))
		}
	}
}

// send writes item to the peripheral in chunkSize pieces.
func (b *Bridge) send(item []byte) error {
	for _, chunk := range Chunk(item, b.chunkSize) {
		if err := b.peripheral.Notify(chunk); err != nil {
			return err
		}
		b.count(b.notified, 1)
	}
	return nil
}

// handleWrite accumulates a central write and publishes every frame it
// completes.
func (b *Bridge) handleWrite(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.inbound.Write(data)
	for {
		payload, err := b.codec.Decode(&b.inbound)
		if discarded := b.codec.Discarded(); discarded > 0 {
			b.logger.Warn("Discarded bytes from central before frame marker", zap.Int("bytes", discarded))
		}
		if err != nil {
			b.count(b.dropped, 1)
			b.logger.Warn("Resetting BLE receive buffer", zap.Error(err))
			b.inbound.Reset()
			return
		}
		if payload == nil {
			return
		}

		framed, err := b.codec.Append(nil, payload)
		if err != nil {
			b.logger.Warn("Cannot re-frame BLE payload", zap.Error(err))
			continue
		}
		b.count(b.framesIn, 1)
		if n := b.toClients.Publish(framed); n == 0 {
			b.logger.Debug("No client connected for BLE frame")
		}
	}
}

func (b *Bridge) count(c o11y.Counter, n int64) {
	if c != nil {
		c.Add(context.Background(), n)
	}
}

// Chunk splits data into pieces of at most size bytes. The pieces share
// data's backing array.
func Chunk(data []byte, size int) [][]byte {
	if size <= 0 || len(data) <= size {
		return [][]byte{data}
	}
	chunks := make([][]byte, 0, (len(data)+size-1)/size)
	for len(data) > size {
		chunks = append(chunks, data[:size])
		data = data[size:]
	}
	return append(chunks, data)
}
