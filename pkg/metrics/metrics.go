// Package metrics instruments the index implementations with Prometheus
// counters, histograms, and gauges.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	statusSuccess = "success"
	statusError   = "error"
)

// Metrics holds the Prometheus instruments shared across the index
// operations exercised by cmd/indexbench.
type Metrics struct {
	opsTotal      *prometheus.CounterVec
	opDuration    *prometheus.HistogramVec
	restartsTotal *prometheus.CounterVec
	latchAcquire  *prometheus.HistogramVec
	poolExhausted prometheus.Counter
	treeHeight    *prometheus.GaugeVec
	nodeCount     *prometheus.GaugeVec
	registry      *prometheus.Registry
}

// NewMetrics creates every metric and registers it on a registry owned by
// the returned Metrics, so separate instances never collide.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		opsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexbench_operations_total",
				Help: "Total number of index operations (find/insert/update/remove/scan)",
			},
			[]string{"operation", "status"},
		),
		opDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "indexbench_operation_duration_seconds",
				Help:    "Index operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		restartsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexbench_optimistic_restarts_total",
				Help: "Total number of optimistic-read restarts forced by a concurrent writer",
			},
			[]string{"component"},
		),
		latchAcquire: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "indexbench_latch_acquire_seconds",
				Help:    "Time spent acquiring a node latch, by strategy",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"strategy"},
		),
		poolExhausted: f.NewCounter(
			prometheus.CounterOpts{
				Name: "indexbench_qnode_pool_exhausted_total",
				Help: "Total number of times a queue-node pool refused an Acquire",
			},
		),
		treeHeight: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "indexbench_tree_height",
				Help: "Current height of an index, by backend",
			},
			[]string{"backend"},
		),
		nodeCount: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "indexbench_node_count",
				Help: "Current number of internal/leaf nodes, by backend",
			},
			[]string{"backend"},
		),
	}
}

// RecordOp records the outcome and latency of one index operation.
func (m *Metrics) RecordOp(operation string, success bool, duration time.Duration) {
	status := statusSuccess
	if !success {
		status = statusError
	}
	m.opsTotal.WithLabelValues(operation, status).Inc()
	m.opDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordRestart records an optimistic-read restart for the named component ("art" or "bptree").
func (m *Metrics) RecordRestart(component string) {
	m.restartsTotal.WithLabelValues(component).Inc()
}

// AddRestarts records n restarts at once, for backends that report a
// cumulative restart counter at the end of a phase.
func (m *Metrics) AddRestarts(component string, n float64) {
	m.restartsTotal.WithLabelValues(component).Add(n)
}

// AddPoolExhausted records n queue-node pool exhaustion events at once.
func (m *Metrics) AddPoolExhausted(n float64) {
	m.poolExhausted.Add(n)
}

// RecordLatchAcquire records how long a latch acquisition took under the named strategy.
func (m *Metrics) RecordLatchAcquire(strategy string, duration time.Duration) {
	m.latchAcquire.WithLabelValues(strategy).Observe(duration.Seconds())
}

// RecordPoolExhausted records a queue-node pool exhaustion event.
func (m *Metrics) RecordPoolExhausted() {
	m.poolExhausted.Inc()
}

// SetTreeHeight reports an index backend's current height.
func (m *Metrics) SetTreeHeight(backend string, height int) {
	m.treeHeight.WithLabelValues(backend).Set(float64(height))
}

// SetNodeCount reports an index backend's current node count.
func (m *Metrics) SetNodeCount(backend string, count int) {
	m.nodeCount.WithLabelValues(backend).Set(float64(count))
}

// Handler returns the HTTP handler that exposes every metric registered by NewMetrics at /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
