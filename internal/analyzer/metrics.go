package analyzer

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	runs     *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relgraph",
			Subsystem: "analyzer",
			Name:      "runs_total",
			Help:      "Analyzer invocations by outcome.",
		}, []string{"analyzer", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "relgraph",
			Subsystem: "analyzer",
			Name:      "run_seconds",
			Help:      "Analyzer run time, excluding the final batch flush.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"analyzer"}),
	}
	if reg != nil {
		reg.MustRegister(m.runs, m.duration)
	}
	return m
}

func (m *metrics) observe(name string, err error, d time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.runs.WithLabelValues(name, result).Inc()
	m.duration.WithLabelValues(name).Observe(d.Seconds())
}
