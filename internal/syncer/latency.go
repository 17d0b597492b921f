package syncer

import (
	"math"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
)

// LatencyMonitor maintains running statistics over per-propagation latency.
// Percentiles come from a DDSketch with 1% relative accuracy.
type LatencyMonitor struct {
	mu sync.Mutex

	count  int64
	sum    float64
	min    float64
	max    float64
	sketch *ddsketch.DDSketch
}

// LatencySnapshot is a point-in-time view of the monitor.
type LatencySnapshot struct {
	Count int64
	Avg   time.Duration
	Min   time.Duration
	Max   time.Duration
	P50   time.Duration
	P95   time.Duration
	P99   time.Duration
}

// NewLatencyMonitor creates a latency monitor.
func NewLatencyMonitor() *LatencyMonitor {
	m := &LatencyMonitor{
		min: math.MaxFloat64,
		max: -math.MaxFloat64,
	}
	sketch, err := ddsketch.NewDefaultDDSketch(0.01)
	if err == nil {
		m.sketch = sketch
	}
	return m
}

// Record adds one propagation latency.
func (m *LatencyMonitor) Record(d time.Duration) {
	v := float64(d.Microseconds())

	m.mu.Lock()
	defer m.mu.Unlock()

	m.count++
	m.sum += v
	if v < m.min {
		m.min = v
	}
	if v > m.max {
		m.max = v
	}
	if m.sketch != nil {
		m.sketch.Add(v)
	}
}

// Quantile returns the latency at quantile q (0 < q <= 1), or zero when no
// latencies have been recorded.
func (m *LatencyMonitor) Quantile(q float64) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sketch == nil || m.count == 0 {
		return 0
	}
	v, err := m.sketch.GetValueAtQuantile(q)
	if err != nil {
		return 0
	}
	return time.Duration(v) * time.Microsecond
}

// Snapshot returns the current statistics.
func (m *LatencyMonitor) Snapshot() LatencySnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := LatencySnapshot{Count: m.count}
	if m.count == 0 {
		return snap
	}

	snap.Avg = time.Duration(m.sum/float64(m.count)) * time.Microsecond
	snap.Min = time.Duration(m.min) * time.Microsecond
	snap.Max = time.Duration(m.max) * time.Microsecond

	if m.sketch != nil {
		p50, _ := m.sketch.GetValueAtQuantile(0.50)
		p95, _ := m.sketch.GetValueAtQuantile(0.95)
		p99, _ := m.sketch.GetValueAtQuantile(0.99)
		snap.P50 = time.Duration(p50) * time.Microsecond
		snap.P95 = time.Duration(p95) * time.Microsecond
		snap.P99 = time.Duration(p99) * time.Microsecond
	}
	return snap
}

// Reset clears all recorded latencies.
func (m *LatencyMonitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.count = 0
	m.sum = 0
	m.min = math.MaxFloat64
	m.max = -math.MaxFloat64
	if sketch, err := ddsketch.NewDefaultDDSketch(0.01); err == nil {
		m.sketch = sketch
	}
}
