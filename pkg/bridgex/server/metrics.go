package server

import (
	"context"
	"strconv"
	"time"

	"github.com/usfsci/bridge-x/pkg/bridgex/o11y"
)

// GatewayMetrics holds the instruments recorded by the socket side of the
// gateway. A nil *GatewayMetrics records nothing.
type GatewayMetrics struct {
	// Connection metrics
	activeConnections  o11y.Gauge
	totalConnections   o11y.Counter
	connectionDuration o11y.Histogram

	// Frame metrics
	framesReceived  o11y.Counter
	framesSent      o11y.Counter
	frameSize       o11y.Histogram
	bytesDiscarded  o11y.Counter
	decodeErrors    o11y.Counter
	repliesSent     o11y.Counter
	relayDropped    o11y.Counter
	writeErrors     o11y.Counter
	requestDuration o11y.Histogram
}

// NewGatewayMetrics creates the instruments from provider. If the provider
// is nil, returns nil.
func NewGatewayMetrics(provider o11y.MetricsProvider) *GatewayMetrics {
	if provider == nil {
		return nil
	}

	return &GatewayMetrics{
		activeConnections:  provider.Gauge("gateway_active_connections"),
		totalConnections:   provider.Counter("gateway_connections_total"),
		connectionDuration: provider.Histogram("gateway_connection_duration_seconds"),

		framesReceived:  provider.Counter("gateway_frames_received_total"),
		framesSent:      provider.Counter("gateway_frames_sent_total"),
		frameSize:       provider.Histogram("gateway_frame_size_bytes"),
		bytesDiscarded:  provider.Counter("gateway_bytes_discarded_total"),
		decodeErrors:    provider.Counter("gateway_decode_errors_total"),
		repliesSent:     provider.Counter("gateway_replies_total"),
		relayDropped:    provider.Counter("gateway_relay_dropped_total"),
		writeErrors:     provider.Counter("gateway_write_errors_total"),
		requestDuration: provider.Histogram("gateway_request_duration_seconds"),
	}
}

func (m *GatewayMetrics) RecordConnectionStart(ctx context.Context) {
	if m == nil {
		return
	}
	m.totalConnections.Add(ctx, 1)
}

func (m *GatewayMetrics) RecordConnectionActive(ctx context.Context, count int) {
	if m == nil {
		return
	}
	m.activeConnections.Set(ctx, float64(count))
}

func (m *GatewayMetrics) RecordConnectionEnd(ctx context.Context, duration time.Duration) {
	if m == nil {
		return
	}
	m.connectionDuration.Record(ctx, duration.Seconds())
}

// RecordFrameReceived records one frame read from a client.
func (m *GatewayMetrics) RecordFrameReceived(ctx context.Context, sizeBytes int) {
	if m == nil {
		return
	}
	m.framesReceived.Add(ctx, 1)
	m.frameSize.Record(ctx, float64(sizeBytes), o11y.Label{Key: "direction", Value: "received"})
}

// RecordFrameSent records one frame written to a client. Source is "reply"
// or "relay".
func (m *GatewayMetrics) RecordFrameSent(ctx context.Context, sizeBytes int, source string) {
	if m == nil {
		return
	}
	m.framesSent.Add(ctx, 1, o11y.Label{Key: "source", Value: source})
	m.frameSize.Record(ctx, float64(sizeBytes), o11y.Label{Key: "direction", Value: "sent"})
}

func (m *GatewayMetrics) RecordDiscarded(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.bytesDiscarded.Add(ctx, int64(n))
}

func (m *GatewayMetrics) RecordDecodeError(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.decodeErrors.Add(ctx, 1, o11y.Label{Key: "reason", Value: reason})
}

func (m *GatewayMetrics) RecordReply(ctx context.Context, code uint64) {
	if m == nil {
		return
	}
	m.repliesSent.Add(ctx, 1, o11y.Label{Key: "code", Value: strconv.FormatUint(code, 10)})
}

// RecordRelayDropped records a relayed item that never reached the client.
func (m *GatewayMetrics) RecordRelayDropped(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.relayDropped.Add(ctx, 1, o11y.Label{Key: "reason", Value: reason})
}

func (m *GatewayMetrics) RecordWriteError(ctx context.Context) {
	if m == nil {
		return
	}
	m.writeErrors.Add(ctx, 1)
}

// RecordRequest records the start of a request and returns a function that
// records its completion.
func (m *GatewayMetrics) RecordRequest(ctx context.Context, action string) func() {
	if m == nil {
		return func() {}
	}

	startTime := time.Now()
	return func() {
		m.requestDuration.Record(ctx, time.Since(startTime).Seconds(), o11y.Label{Key: "action", Value: action})
	}
}
