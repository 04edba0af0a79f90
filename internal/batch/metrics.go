package batch

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	items    *prometheus.CounterVec
	batches  *prometheus.CounterVec
	failures *prometheus.CounterVec
	duration *prometheus.HistogramVec
	active   prometheus.Gauge
	pending  prometheus.Gauge
}

// newMetrics builds the batch collectors; they are only exported when reg is
// non-nil so tests can run many services side by side.
func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relgraph",
			Subsystem: "batch",
			Name:      "items_processed_total",
			Help:      "Items handed to batch processors that completed successfully.",
		}, []string{"queue"}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relgraph",
			Subsystem: "batch",
			Name:      "batches_processed_total",
			Help:      "Batches processed successfully.",
		}, []string{"queue"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relgraph",
			Subsystem: "batch",
			Name:      "failures_total",
			Help:      "Batches whose processor returned an error; their items are dropped.",
		}, []string{"queue"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "relgraph",
			Subsystem: "batch",
			Name:      "processing_seconds",
			Help:      "Processor run time per batch.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"queue"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relgraph",
			Subsystem: "batch",
			Name:      "active_flushes",
			Help:      "Flushes currently running a processor.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relgraph",
			Subsystem: "batch",
			Name:      "pending_flushes",
			Help:      "Flushes waiting for a concurrency slot.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.items, m.batches, m.failures, m.duration, m.active, m.pending)
	}
	return m
}
