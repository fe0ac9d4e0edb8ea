package ble

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/usfsci/bridge-x/pkg/bridgex/frame"
	"github.com/usfsci/bridge-x/pkg/bridgex/o11y"
	"github.com/usfsci/bridge-x/pkg/bridgex/relay"
	"go.uber.org/zap/zaptest"
)

func startBridge(t *testing.T, peripheral Peripheral, configure func(*BridgeConfig)) *relay.PeerPair[[]byte] {
	t.Helper()

	pair := relay.NewPeerPair[[]byte](16)
	config := NewBridgeConfig().
		WithPeripheral(peripheral).
		WithRelay(pair.A, pair.B).
		WithLogger(zaptest.NewLogger(t))
	if configure != nil {
		configure(config)
	}
	bridge, err := config.Build()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bridge.Run(ctx) }()

	require.Eventually(t, func() bool { return pair.A.SubscriberCount() == 1 }, time.Second, time.Millisecond)

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Error("bridge did not stop")
		}
	})
	return pair
}

func TestChunk(t *testing.T) {
	data := []byte("0123456789")

	assert.Equal(t, [][]byte{[]byte("0123"), []byte("4567"), []byte("89")}, Chunk(data, 4))
	assert.Equal(t, [][]byte{data}, Chunk(data, 10))
	assert.Equal(t, [][]byte{data}, Chunk(data, 0))
	assert.Equal(t, [][]byte{{}}, Chunk([]byte{}, 4))
}

func TestOutboundFramesAreChunked(t *testing.T) {
	loop := NewLoopback(false)
	pair := startBridge(t, loop, func(c *BridgeConfig) { c.WithChunkSize(8) })

	framed, err := frame.Encode([]byte("1 set led SMSG/0.1\n{\"on\":true}"))
	require.NoError(t, err)
	pair.A.Publish(framed)

	require.Eventually(t, func() bool {
		return len(bytes.Join(loop.Notifications(), nil)) == len(framed)
	}, time.Second, time.Millisecond)

	chunks := loop.Notifications()
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), 8)
	}
	assert.Equal(t, framed, bytes.Join(chunks, nil))
}

func TestCentralWritesAreReassembled(t *testing.T) {
	loop := NewLoopback(false)
	pair := startBridge(t, loop, nil)
	clients := pair.B.Subscribe()

	payload := []byte("SMSG/0.1 4 200 OK\n{\"temp\":21.5}")
	framed, err := frame.Encode(payload)
	require.NoError(t, err)

	// Noise, then the frame split at awkward points.
	require.NoError(t, loop.Write([]byte{0x00, 0x01}))
	for _, chunk := range Chunk(framed, 3) {
		require.NoError(t, loop.Write(chunk))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	item, err := clients.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, framed, item)
}

func TestOversizedCentralFrameResetsBuffer(t *testing.T) {
	loop := NewLoopback(false)
	metrics := o11y.NewStandaloneMetricsProvider()
	pair := startBridge(t, loop, func(c *BridgeConfig) {
		c.WithMaxFrameSize(64).WithMetrics(metrics)
	})
	clients := pair.B.Subscribe()

	require.NoError(t, loop.Write([]byte{0xFF, 0xFF, 0x01, 0x00, 0x00, 0x00}))

	framed, err := frame.Encode([]byte("ok"))
	require.NoError(t, err)
	require.NoError(t, loop.Write(framed))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	item, err := clients.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, framed, item)
	assert.Equal(t, int64(1), metrics.Snapshot().Counters["ble_frames_dropped_total"])
}

func TestEchoLoopbackRoundTrip(t *testing.T) {
	loop := NewLoopback(true)
	metrics := o11y.NewStandaloneMetricsProvider()
	pair := startBridge(t, loop, func(c *BridgeConfig) {
		c.WithChunkSize(5).WithMetrics(metrics)
	})
	clients := pair.B.Subscribe()

	framed, err := frame.Encode([]byte("9 ping device SMSG/0.1\n"))
	require.NoError(t, err)
	pair.A.Publish(framed)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	item, err := clients.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, framed, item)

	want := int64(len(Chunk(framed, 5)))
	require.Eventually(t, func() bool {
		return metrics.Snapshot().Counters["ble_notifications_total"] == want
	}, time.Second, time.Millisecond)
	assert.Equal(t, int64(1), metrics.Snapshot().Counters["ble_frames_received_total"])
}

func TestLoopbackRequiresStart(t *testing.T) {
	loop := NewLoopback(false)
	assert.ErrorIs(t, loop.Notify([]byte("x")), ErrNotStarted)
	assert.ErrorIs(t, loop.Write([]byte("x")), ErrNotStarted)
}

func TestBridgeConfigIsValid(t *testing.T) {
	_, err := NewBridgeConfig().Build()
	require.Error(t, err)
	for _, part := range []string{"Peripheral", "ToBLE", "ToClients", "Logger"} {
		assert.Contains(t, err.Error(), part)
	}
}

func TestDefaultGATTConfig(t *testing.T) {
	cfg := DefaultGATTConfig()
	assert.Equal(t, DefaultLocalName, cfg.LocalName)
	assert.Equal(t, DefaultServiceUUID, cfg.ServiceUUID)
	assert.NotEqual(t, cfg.RXUUID, cfg.TXUUID)
}
