// Package monitor collects per-operation latency samples for the data
// access layer, computes percentile statistics on demand, and retains the
// most recent slow operations for inspection. Recording never fails and
// never blocks the caller beyond a short mutex hold; callers are expected
// to record from deferred cleanup so failing operations are captured too.
package monitor

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	defaultMaxSamples = 1024
	defaultRecentSlow = 50
	defaultThreshold  = 100 * time.Millisecond
)

// Config tunes the monitor. Zero fields fall back to defaults.
type Config struct {
	// SlowThreshold marks samples above it as slow queries.
	SlowThreshold time.Duration
	// MaxSamples bounds the per-operation sample window.
	MaxSamples int
	// RecentSlow bounds the retained slow sample list.
	RecentSlow int
}

// SlowSample is one retained slow operation occurrence.
type SlowSample struct {
	Operation string        `json:"operation"`
	Duration  time.Duration `json:"duration"`
	At        time.Time     `json:"at"`
}

// OpStats aggregates the retained samples for one operation. All values
// are in milliseconds.
type OpStats struct {
	Count  int     `json:"count"`
	Min    float64 `json:"min_ms"`
	Max    float64 `json:"max_ms"`
	Mean   float64 `json:"mean_ms"`
	Median float64 `json:"median_ms"`
	P95    float64 `json:"p95_ms"`
	P99    float64 `json:"p99_ms"`
}

// Monitor records operation durations and aggregates them on demand.
type Monitor struct {
	mu        sync.RWMutex
	samples   map[string][]time.Duration
	slow      []SlowSample
	slowTotal uint64

	cfg Config
	log *logrus.Entry

	durations    *prometheus.HistogramVec
	slowTotalCtr prometheus.Counter
}

// New builds a monitor and registers its collectors on reg. A nil reg gets
// a private registry so throwaway monitors never collide.
func New(cfg Config, reg prometheus.Registerer, log *logrus.Logger) *Monitor {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	if cfg.SlowThreshold <= 0 {
		cfg.SlowThreshold = defaultThreshold
	}
	if cfg.MaxSamples <= 0 {
		cfg.MaxSamples = defaultMaxSamples
	}
	if cfg.RecentSlow <= 0 {
		cfg.RecentSlow = defaultRecentSlow
	}

	m := &Monitor{
		samples: make(map[string][]time.Duration),
		cfg:     cfg,
		log:     log.WithField("component", "monitor"),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "contentstore_operation_duration_seconds",
			Help:    "Latency of data access operations.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		slowTotalCtr: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "contentstore_slow_queries_total",
			Help: "Operations slower than the configured threshold.",
		}),
	}
	reg.MustRegister(m.durations, m.slowTotalCtr)
	return m
}

// Record appends one duration sample for the named operation.
func (m *Monitor) Record(name string, d time.Duration) {
	m.mu.Lock()
	window := append(m.samples[name], d)
	if len(window) > m.cfg.MaxSamples {
		window = window[len(window)-m.cfg.MaxSamples:]
	}
	m.samples[name] = window

	if d > m.cfg.SlowThreshold {
		m.slowTotal++
		m.slow = append(m.slow, SlowSample{Operation: name, Duration: d, At: time.Now()})
		if len(m.slow) > m.cfg.RecentSlow {
			m.slow = m.slow[len(m.slow)-m.cfg.RecentSlow:]
		}
	}
	m.mu.Unlock()

	m.durations.WithLabelValues(name).Observe(d.Seconds())
	if d > m.cfg.SlowThreshold {
		m.slowTotalCtr.Inc()
	}
}

// Stats aggregates the retained window for every operation. Aggregation
// failures are absorbed so instrumentation can never break callers; the map
// may then be missing entries.
func (m *Monitor) Stats() (out map[string]OpStats) {
	defer func() {
		if r := recover(); r != nil {
			m.log.WithField("panic", r).Warn("Stats aggregation failed")
			if out == nil {
				out = map[string]OpStats{}
			}
		}
	}()

	m.mu.RLock()
	snapshot := make(map[string][]float64, len(m.samples))
	for name, window := range m.samples {
		ms := make([]float64, len(window))
		for i, d := range window {
			ms[i] = float64(d) / float64(time.Millisecond)
		}
		snapshot[name] = ms
	}
	m.mu.RUnlock()

	out = make(map[string]OpStats, len(snapshot))
	for name, ms := range snapshot {
		if len(ms) == 0 {
			continue
		}
		sort.Float64s(ms)
		sum := 0.0
		for _, v := range ms {
			sum += v
		}
		out[name] = OpStats{
			Count:  len(ms),
			Min:    ms[0],
			Max:    ms[len(ms)-1],
			Mean:   sum / float64(len(ms)),
			Median: percentile(ms, 0.50),
			P95:    percentile(ms, 0.95),
			P99:    percentile(ms, 0.99),
		}
	}
	return out
}

// SlowQueries returns a copy of the retained slow samples, oldest first.
func (m *Monitor) SlowQueries() []SlowSample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SlowSample, len(m.slow))
	copy(out, m.slow)
	return out
}

// SlowCount returns the total number of slow samples ever recorded,
// including ones no longer retained.
func (m *Monitor) SlowCount() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.slowTotal
}

// Reset drops all retained samples and slow history.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = make(map[string][]time.Duration)
	m.slow = nil
	m.slowTotal = 0
}

// percentile interpolates linearly between adjacent sorted ranks.
func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := q * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	if lo+1 >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}
