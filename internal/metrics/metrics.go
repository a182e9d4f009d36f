// ============================================================================
// Delegation Metrics - Prometheus Monitoring Sink
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Function: Monitoring Sink that exports every tracked operation to Prometheus
//           and keeps the sliding health window read by the Snapshot Builder
//
// Exported series:
//   - delegation_operations_total{component,operation,outcome}   counter
//   - delegation_operation_duration_seconds{component,operation} histogram
//   - delegation_latency_ms                                       summary (p50/p95/p99, window MaxAge)
//   - delegation_tasks{status}                                    gauge
//
// Health window:
//   Events from Config.ExcludeComponents are exported but never enter the
//   window, so the engine's own bookkeeping cannot raise an anomaly.
//   Events are folded into fixed-width buckets (window / 10). Buckets older
//   than the window are pruned on every write and ignored on every read, so
//   counts, burn rates, average and max latency all describe the same window.
//
//   burnRate        = (errors / calls) / errorBudget
//   remainingBudget = max(0, 1 - burnRate)
//
//   Operations with fewer than MinSamples calls in the window report no burn rate.
//
// ============================================================================

package metrics

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"

	"github.com/ArnBdev/oneagent-delegation/internal/monitoring"
	"github.com/ArnBdev/oneagent-delegation/pkg/types"
)

// Config controls the health window.
type Config struct {
	Window             time.Duration
	DefaultErrorBudget float64
	ErrorBudgets       map[string]float64 // keyed by "component.operation"
	MinSamples         int
	ExcludeComponents  []string              // exported only, kept out of the health window
	Registerer         prometheus.Registerer // nil uses prometheus.DefaultRegisterer
}

// bucket aggregates events that fall into one slice of the window.
type bucket struct {
	start      int64 // Unix ms
	success    int
	errors     int
	latencySum float64
	latencyN   int
	latencyMax float64
}

// Collector Prometheus metrics collector and health window
type Collector struct {
	// exported series
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	latency    prometheus.Summary
	tasks      *prometheus.GaugeVec

	// health window
	mu          sync.Mutex
	cfg         Config
	excluded    map[string]struct{}
	width       int64                // bucket width in ms
	perOp       map[string][]*bucket // "component.operation" -> buckets, oldest first
	overall     []*bucket            // all latency samples
	errorEvents []int64              // Unix ms of error-outcome events
	now         func() time.Time
}

// NewCollector creates the collector and registers its series.
func NewCollector(cfg Config) *Collector {
	if cfg.Window <= 0 {
		cfg.Window = 5 * time.Minute
	}
	if cfg.DefaultErrorBudget <= 0 {
		cfg.DefaultErrorBudget = 0.05
	}
	if cfg.MinSamples < 1 {
		cfg.MinSamples = 1
	}
	width := cfg.Window.Milliseconds() / 10
	if width < 1000 {
		width = 1000
	}

	c := &Collector{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "delegation_operations_total",
			Help: "Total number of tracked operations",
		}, []string{"component", "operation", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "delegation_operation_duration_seconds",
			Help:    "Duration of tracked operations in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"component", "operation"}),
		latency: prometheus.NewSummary(prometheus.SummaryOpts{
			Name:       "delegation_latency_ms",
			Help:       "Operation latency in milliseconds over the health window",
			Objectives: map[float64]float64{0.5: 0.05, 0.95: 0.01, 0.99: 0.001},
			MaxAge:     cfg.Window,
		}),
		tasks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "delegation_tasks",
			Help: "Current number of delegated tasks by status",
		}, []string{"status"}),
		cfg:      cfg,
		width:    width,
		perOp:    make(map[string][]*bucket),
		excluded: make(map[string]struct{}, len(cfg.ExcludeComponents)),
		now:      time.Now,
	}
	for _, comp := range cfg.ExcludeComponents {
		c.excluded[comp] = struct{}{}
	}

	reg := cfg.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(c.operations, c.duration, c.latency, c.tasks)

	return c
}

// TrackOperation implements monitoring.Sink.
func (c *Collector) TrackOperation(component, operation, outcome string, metadata map[string]any) {
	c.operations.WithLabelValues(component, operation, outcome).Inc()

	durationMs, hasDuration := monitoring.DurationMs(metadata)
	if hasDuration {
		c.duration.WithLabelValues(component, operation).Observe(durationMs / 1000)
	}
	if _, skip := c.excluded[component]; skip {
		return
	}
	if hasDuration {
		c.latency.Observe(durationMs)
	}

	if outcome != monitoring.OutcomeSuccess && outcome != monitoring.OutcomeError && !hasDuration {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	nowMs := c.now().UnixMilli()
	c.prune(nowMs)

	key := component + "." + operation
	switch outcome {
	case monitoring.OutcomeSuccess:
		c.current(key, nowMs).success++
	case monitoring.OutcomeError:
		c.current(key, nowMs).errors++
		c.errorEvents = append(c.errorEvents, nowMs)
	}

	if hasDuration {
		b := c.currentOverall(nowMs)
		b.latencySum += durationMs
		b.latencyN++
		if durationMs > b.latencyMax {
			b.latencyMax = durationMs
		}
	}
}

// UpdateQueueStats sets the per-status task gauges.
func (c *Collector) UpdateQueueStats(stats map[string]int) {
	for status, n := range stats {
		c.tasks.WithLabelValues(status).Set(float64(n))
	}
}

// LatencyStats returns windowed latency percentiles, average and max in ms.
func (c *Collector) LatencyStats() (types.LatencyStats, error) {
	var stats types.LatencyStats

	m := &dto.Metric{}
	if err := c.latency.Write(m); err != nil {
		return stats, fmt.Errorf("read latency summary: %w", err)
	}
	for _, q := range m.GetSummary().GetQuantile() {
		v := q.GetValue()
		if math.IsNaN(v) {
			continue
		}
		switch q.GetQuantile() {
		case 0.5:
			stats.P50 = v
		case 0.95:
			stats.P95 = v
		case 0.99:
			stats.P99 = v
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := c.cutoff()
	var sum float64
	var n int
	for _, b := range c.overall {
		if b.start < cutoff {
			continue
		}
		sum += b.latencySum
		n += b.latencyN
		if b.latencyMax > stats.Max {
			stats.Max = b.latencyMax
		}
	}
	if n > 0 {
		stats.Avg = sum / float64(n)
	}
	return stats, nil
}

// OperationCounts returns windowed success/error counts per operation.
func (c *Collector) OperationCounts() map[string]types.OperationCounts {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.cutoff()
	out := make(map[string]types.OperationCounts, len(c.perOp))
	for key, buckets := range c.perOp {
		var oc types.OperationCounts
		for _, b := range buckets {
			if b.start < cutoff {
				continue
			}
			oc.Success += b.success
			oc.Error += b.errors
		}
		if oc.Success+oc.Error > 0 {
			out[key] = oc
		}
	}
	return out
}

// BurnRates returns the burn rate of every operation with enough samples,
// highest first.
func (c *Collector) BurnRates() []types.BurnRate {
	counts := c.OperationCounts()

	out := make([]types.BurnRate, 0, len(counts))
	for op, oc := range counts {
		total := oc.Success + oc.Error
		if total < c.cfg.MinSamples {
			continue
		}
		budget := c.cfg.DefaultErrorBudget
		if b, ok := c.cfg.ErrorBudgets[op]; ok && b > 0 {
			budget = b
		}
		burn := (float64(oc.Error) / float64(total)) / budget
		out = append(out, types.BurnRate{
			Operation:       op,
			BurnRate:        burn,
			RemainingBudget: math.Max(0, 1-burn),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BurnRate != out[j].BurnRate {
			return out[i].BurnRate > out[j].BurnRate
		}
		return out[i].Operation < out[j].Operation
	})
	return out
}

// RecentErrorEvents returns the number of error-outcome events inside the window.
func (c *Collector) RecentErrorEvents() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().Add(-c.cfg.Window).UnixMilli()
	n := 0
	for _, ts := range c.errorEvents {
		if ts >= cutoff {
			n++
		}
	}
	return n
}

// cutoff must be called with c.mu held.
func (c *Collector) cutoff() int64 {
	return c.now().Add(-c.cfg.Window).UnixMilli() - c.width
}

// current must be called with c.mu held.
func (c *Collector) current(key string, nowMs int64) *bucket {
	start := nowMs - nowMs%c.width
	buckets := c.perOp[key]
	if n := len(buckets); n > 0 && buckets[n-1].start == start {
		return buckets[n-1]
	}
	b := &bucket{start: start}
	c.perOp[key] = append(buckets, b)
	return b
}

// currentOverall must be called with c.mu held.
func (c *Collector) currentOverall(nowMs int64) *bucket {
	start := nowMs - nowMs%c.width
	if n := len(c.overall); n > 0 && c.overall[n-1].start == start {
		return c.overall[n-1]
	}
	b := &bucket{start: start}
	c.overall = append(c.overall, b)
	return b
}

// prune must be called with c.mu held.
func (c *Collector) prune(nowMs int64) {
	cutoff := nowMs - c.cfg.Window.Milliseconds() - c.width
	for key, buckets := range c.perOp {
		i := 0
		for i < len(buckets) && buckets[i].start < cutoff {
			i++
		}
		if i == len(buckets) {
			delete(c.perOp, key)
			continue
		}
		c.perOp[key] = buckets[i:]
	}
	i := 0
	for i < len(c.overall) && c.overall[i].start < cutoff {
		i++
	}
	c.overall = c.overall[i:]

	j := 0
	eventCutoff := nowMs - c.cfg.Window.Milliseconds()
	for j < len(c.errorEvents) && c.errorEvents[j] < eventCutoff {
		j++
	}
	c.errorEvents = c.errorEvents[j:]
}

// Handler returns the Prometheus scrape handler for g, or for the default
// registry when g is nil.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// NewServer builds the metrics HTTP server listening on port.
func NewServer(port int, g prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
