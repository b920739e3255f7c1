// File: control/metrics.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Runtime metrics: named counters, gauges and latency histograms. Updates
// are single atomic operations; registration goes through a sync.Map so
// the hot path never takes a lock.

package control

import (
	"math/bits"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Counter is a monotonically increasing value.
type Counter struct{ v atomic.Uint64 }

func (c *Counter) Add(n uint64) { c.v.Add(n) }
func (c *Counter) Inc()         { c.v.Add(1) }
func (c *Counter) Load() uint64 { return c.v.Load() }

// Gauge is a value that moves both ways.
type Gauge struct{ v atomic.Int64 }

func (g *Gauge) Set(n int64) { g.v.Store(n) }
func (g *Gauge) Add(n int64) { g.v.Add(n) }
func (g *Gauge) Load() int64 { return g.v.Load() }

// histBuckets covers 1ns..~68s in powers of two.
const histBuckets = 37

// Histogram records durations into power-of-two buckets.
type Histogram struct {
	buckets [histBuckets]atomic.Uint64
	count   atomic.Uint64
	sum     atomic.Uint64
	max     atomic.Uint64
}

// Observe records d. Negative durations count as zero.
func (h *Histogram) Observe(d time.Duration) {
	ns := uint64(max(d, 0))
	i := bits.Len64(ns)
	if i >= histBuckets {
		i = histBuckets - 1
	}
	h.buckets[i].Add(1)
	h.count.Add(1)
	h.sum.Add(ns)
	for {
		m := h.max.Load()
		if ns <= m || h.max.CompareAndSwap(m, ns) {
			break
		}
	}
}

// Quantile returns the upper bound of the bucket holding quantile q.
func (h *Histogram) Quantile(q float64) time.Duration {
	total := h.count.Load()
	if total == 0 {
		return 0
	}
	rank := uint64(q * float64(total))
	if rank >= total {
		rank = total - 1
	}
	var seen uint64
	for i := range h.buckets {
		seen += h.buckets[i].Load()
		if seen > rank {
			if i == 0 {
				return 0
			}
			upper := time.Duration(uint64(1)<<i - 1)
			return min(upper, time.Duration(h.max.Load()))
		}
	}
	return time.Duration(h.max.Load())
}

// HistogramSnapshot summarizes a Histogram.
type HistogramSnapshot struct {
	Count uint64        `json:"count"`
	Mean  time.Duration `json:"mean"`
	P50   time.Duration `json:"p50"`
	P99   time.Duration `json:"p99"`
	Max   time.Duration `json:"max"`
}

// Snapshot reads the histogram without stopping writers.
func (h *Histogram) Snapshot() HistogramSnapshot {
	n := h.count.Load()
	s := HistogramSnapshot{Count: n, Max: time.Duration(h.max.Load())}
	if n > 0 {
		s.Mean = time.Duration(h.sum.Load() / n)
		s.P50 = h.Quantile(0.50)
		s.P99 = h.Quantile(0.99)
	}
	return s
}

// MetricsRegistry holds named metrics.
type MetricsRegistry struct {
	counters   sync.Map // string -> *Counter
	gauges     sync.Map // string -> *Gauge
	histograms sync.Map // string -> *Histogram
	started    time.Time
}

// NewMetricsRegistry creates an empty registry.
func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{started: time.Now()}
}

// Counter returns the counter called name, creating it on first use.
func (mr *MetricsRegistry) Counter(name string) *Counter {
	if c, ok := mr.counters.Load(name); ok {
		return c.(*Counter)
	}
	c, _ := mr.counters.LoadOrStore(name, &Counter{})
	return c.(*Counter)
}

// Gauge returns the gauge called name, creating it on first use.
func (mr *MetricsRegistry) Gauge(name string) *Gauge {
	if g, ok := mr.gauges.Load(name); ok {
		return g.(*Gauge)
	}
	g, _ := mr.gauges.LoadOrStore(name, &Gauge{})
	return g.(*Gauge)
}

// Histogram returns the histogram called name, creating it on first use.
func (mr *MetricsRegistry) Histogram(name string) *Histogram {
	if h, ok := mr.histograms.Load(name); ok {
		return h.(*Histogram)
	}
	h, _ := mr.histograms.LoadOrStore(name, &Histogram{})
	return h.(*Histogram)
}

// Snapshot is a point-in-time copy of every metric.
type Snapshot struct {
	Uptime     time.Duration                `json:"uptime"`
	Counters   map[string]uint64            `json:"counters"`
	Gauges     map[string]int64             `json:"gauges"`
	Histograms map[string]HistogramSnapshot `json:"histograms"`
}

// GetSnapshot copies all metrics.
func (mr *MetricsRegistry) GetSnapshot() Snapshot {
	s := Snapshot{
		Uptime:     time.Since(mr.started),
		Counters:   map[string]uint64{},
		Gauges:     map[string]int64{},
		Histograms: map[string]HistogramSnapshot{},
	}
	mr.counters.Range(func(k, v any) bool {
		s.Counters[k.(string)] = v.(*Counter).Load()
		return true
	})
	mr.gauges.Range(func(k, v any) bool {
		s.Gauges[k.(string)] = v.(*Gauge).Load()
		return true
	})
	mr.histograms.Range(func(k, v any) bool {
		s.Histograms[k.(string)] = v.(*Histogram).Snapshot()
		return true
	})
	return s
}

// Names lists counter names in order, for stable display.
func (s Snapshot) Names() []string {
	out := make([]string, 0, len(s.Counters))
	for k := range s.Counters {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
