// Package otel backs the gateway's o11y hooks with OpenTelemetry. It uses
// the global meter and tracer providers, so nothing is exported until the
// process installs an SDK.
package otel

import (
	"context"
	"sort"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/usfsci/bridge-x/pkg/bridgex/o11y"
)

// Provider implements both MetricsProvider and TracingProvider using OpenTelemetry
type Provider struct {
	meter  metric.Meter
	tracer trace.Tracer

	mu     sync.Mutex
	gauges map[string]*otelGauge
}

// NewProvider creates a provider whose instruments are scoped to serviceName.
func NewProvider(serviceName, serviceVersion string) *Provider {
	return &Provider{
		meter:  otel.Meter(serviceName, metric.WithInstrumentationVersion(serviceVersion)),
		tracer: otel.Tracer(serviceName, trace.WithInstrumentationVersion(serviceVersion)),
		gauges: make(map[string]*otelGauge),
	}
}

func (p *Provider) Counter(name string) o11y.Counter {
	counter, _ := p.meter.Int64Counter(name)
	return &otelCounter{counter: counter}
}

func (p *Provider) Histogram(name string) o11y.Histogram {
	histogram, _ := p.meter.Float64Histogram(name)
	return &otelHistogram{histogram: histogram}
}

// Gauge returns a gauge backed by an UpDownCounter. The same instance is
// returned for a name so the last value per label set is shared.
func (p *Provider) Gauge(name string) o11y.Gauge {
	p.mu.Lock()
	defer p.mu.Unlock()
	if g, ok := p.gauges[name]; ok {
		return g
	}
	counter, _ := p.meter.Float64UpDownCounter(name)
	g := &otelGauge{counter: counter, last: make(map[string]float64)}
	p.gauges[name] = g
	return g
}

func (p *Provider) StartSpan(ctx context.Context, name string) (context.Context, o11y.Span) {
	ctx, span := p.tracer.Start(ctx, name)
	return ctx, &otelSpan{span: span}
}

func attributes(labels []o11y.Label) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, len(labels))
	for i, label := range labels {
		attrs[i] = attribute.String(label.Key, label.Value)
	}
	return attrs
}

type otelCounter struct {
	counter metric.Int64Counter
}

func (c *otelCounter) Add(ctx context.Context, value int64, labels ...o11y.Label) {
	c.counter.Add(ctx, value, metric.WithAttributes(attributes(labels)...))
}

type otelHistogram struct {
	histogram metric.Float64Histogram
}

func (h *otelHistogram) Record(ctx context.Context, value float64, labels ...o11y.Label) {
	h.histogram.Record(ctx, value, metric.WithAttributes(attributes(labels)...))
}

// otelGauge turns absolute Set calls into UpDownCounter deltas.
type otelGauge struct {
	counter metric.Float64UpDownCounter

	mu   sync.Mutex
	last map[string]float64
}

func (g *otelGauge) Set(ctx context.Context, value float64, labels ...o11y.Label) {
	key := labelKey(labels)

	g.mu.Lock()
	delta := value - g.last[key]
	g.last[key] = value
	g.mu.Unlock()

	if delta != 0 {
		g.counter.Add(ctx, delta, metric.WithAttributes(attributes(labels)...))
	}
}

func labelKey(labels []o11y.Label) string {
	if len(labels) == 0 {
		return ""
	}
	parts := make([]string, len(labels))
	for i, l := range labels {
		parts[i] = l.Key + "=" + l.Value
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) SetAttributes(labels ...o11y.Label) {
	s.span.SetAttributes(attributes(labels)...)
}

func (s *otelSpan) SetStatus(code o11y.SpanStatusCode, description string) {
	var otelCode codes.Code
	switch code {
	case o11y.SpanStatusOK:
		otelCode = codes.Ok
	case o11y.SpanStatusError:
		otelCode = codes.Error
	default:
		otelCode = codes.Unset
	}
	s.span.SetStatus(otelCode, description)
}

func (s *otelSpan) End() {
	s.span.End()
}
