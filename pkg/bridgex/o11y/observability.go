// Package o11y defines the metrics and tracing hooks used across the
// gateway. Every component accepts a nil provider and then records nothing.
package o11y

import (
	"context"
)

// MetricsProvider abstracts metrics collection (OpenTelemetry, in-memory, ...)
type MetricsProvider interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
	Gauge(name string) Gauge
}

// TracingProvider abstracts distributed tracing
type TracingProvider interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
}

// Counter only goes up.
type Counter interface {
	Add(ctx context.Context, value int64, labels ...Label)
}

// Histogram records samples such as sizes and durations.
type Histogram interface {
	Record(ctx context.Context, value float64, labels ...Label)
}

// Gauge holds the latest value for its label set.
type Gauge interface {
	Set(ctx context.Context, value float64, labels ...Label)
}

// Span is one traced request.
type Span interface {
	SetAttributes(labels ...Label)
	SetStatus(code SpanStatusCode, description string)
	End()
}

// Label is a metric dimension or span attribute.
type Label struct {
	Key   string
	Value string
}

type SpanStatusCode int

const (
	SpanStatusUnset SpanStatusCode = iota
	SpanStatusOK
	SpanStatusError
)

// Multi fans every instrument out to all non-nil providers. It returns nil
// when none are given so callers keep their "no metrics" fast path.
func Multi(providers ...MetricsProvider) MetricsProvider {
	var live multiProvider
	for _, p := range providers {
		if p != nil {
			live = append(live, p)
		}
	}
	switch len(live) {
	case 0:
		return nil
	case 1:
		return live[0]
	}
	return live
}

type multiProvider []MetricsProvider

type multiCounter []Counter
type multiHistogram []Histogram
type multiGauge []Gauge

func (m multiProvider) Counter(name string) Counter {
	out := make(multiCounter, len(m))
	for i, p := range m {
		out[i] = p.Counter(name)
	}
	return out
}

func (m multiProvider) Histogram(name string) Histogram {
	out := make(multiHistogram, len(m))
	for i, p := range m {
		out[i] = p.Histogram(name)
	}
	return out
}

func (m multiProvider) Gauge(name string) Gauge {
	out := make(multiGauge, len(m))
	for i, p := range m {
		out[i] = p.Gauge(name)
	}
	return out
}

func (m multiCounter) Add(ctx context.Context, value int64, labels ...Label) {
	for _, c := range m {
		c.Add(ctx, value, labels...)
	}
}

func (m multiHistogram) Record(ctx context.Context, value float64, labels ...Label) {
	for _, h := range m {
		h.Record(ctx, value, labels...)
	}
}

func (m multiGauge) Set(ctx context.Context, value float64, labels ...Label) {
	for _, g := range m {
		g.Set(ctx, value, labels...)
	}
}
