package o11y

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Snapshot is a point-in-time copy of the standalone metrics.
type Snapshot struct {
	Timestamp  time.Time                   `json:"timestamp"`
	Counters   map[string]int64            `json:"counters"`
	Histograms map[string]HistogramSummary `json:"histograms"`
	Gauges     map[string]float64          `json:"gauges"`
}

// HistogramSummary keeps the running shape of a histogram without storing
// every sample.
type HistogramSummary struct {
	Count uint64  `json:"count"`
	Sum   float64 `json:"sum"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

// StandaloneMetricsProvider keeps metrics in memory so they can be logged
// without an external collector. Labels are ignored.
type StandaloneMetricsProvider struct {
	counters   sync.Map // map[string]*standaloneCounter
	histograms sync.Map // map[string]*standaloneHistogram
	gauges     sync.Map // map[string]*standaloneGauge
}

func NewStandaloneMetricsProvider() *StandaloneMetricsProvider {
	return &StandaloneMetricsProvider{}
}

// Snapshot collects the current value of every instrument created so far.
func (s *StandaloneMetricsProvider) Snapshot() Snapshot {
	snapshot := Snapshot{
		Timestamp:  time.Now(),
		Counters:   make(map[string]int64),
		Histograms: make(map[string]HistogramSummary),
		Gauges:     make(map[string]float64),
	}

	s.counters.Range(func(key, value interface{}) bool {
		snapshot.Counters[key.(string)] = atomic.LoadInt64(&value.(*standaloneCounter).value)
		return true
	})

	s.histograms.Range(func(key, value interface{}) bool {
		snapshot.Histograms[key.(string)] = value.(*standaloneHistogram).summary()
		return true
	})

	s.gauges.Range(func(key, value interface{}) bool {
		snapshot.Gauges[key.(string)] = value.(*standaloneGauge).getValue()
		return true
	})

	return snapshot
}

func (s *StandaloneMetricsProvider) Counter(name string) Counter {
	if existing, ok := s.counters.Load(name); ok {
		return existing.(*standaloneCounter)
	}

	actual, _ := s.counters.LoadOrStore(name, &standaloneCounter{})
	return actual.(*standaloneCounter)
}

func (s *StandaloneMetricsProvider) Histogram(name string) Histogram {
	if existing, ok := s.histograms.Load(name); ok {
		return existing.(*standaloneHistogram)
	}

	actual, _ := s.histograms.LoadOrStore(name, &standaloneHistogram{})
	return actual.(*standaloneHistogram)
}

func (s *StandaloneMetricsProvider) Gauge(name string) Gauge {
	if existing, ok := s.gauges.Load(name); ok {
		return existing.(*standaloneGauge)
	}

	actual, _ := s.gauges.LoadOrStore(name, &standaloneGauge{})
	return actual.(*standaloneGauge)
}

type standaloneCounter struct {
	value int64
}

func (c *standaloneCounter) Add(ctx context.Context, value int64, labels ...Label) {
	atomic.AddInt64(&c.value, value)
}

type standaloneHistogram struct {
	mu  sync.Mutex
	sum HistogramSummary
}

func (h *standaloneHistogram) Record(ctx context.Context, value float64, labels ...Label) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sum.Count == 0 || value < h.sum.Min {
		h.sum.Min = value
	}
	if h.sum.Count == 0 || value > h.sum.Max {
		h.sum.Max = value
	}
	h.sum.Count++
	h.sum.Sum += value
}

func (h *standaloneHistogram) summary() HistogramSummary {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sum
}

type standaloneGauge struct {
	mu    sync.RWMutex
	value float64
}

func (g *standaloneGauge) Set(ctx context.Context, value float64, labels ...Label) {
	g.mu.Lock()
	g.value = value
	g.mu.Unlock()
}

func (g *standaloneGauge) getValue() float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.value
}
