package downloadpool

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus instrumentation for a Pool.
type Metrics struct {
	fetchDuration *prometheus.HistogramVec
	fetchTotal    *prometheus.CounterVec
}

// NewMetrics creates and registers Pool metrics against reg. Pass a
// fresh prometheus.NewRegistry() in tests to avoid collisions with the
// default global registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		fetchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "reapack",
				Subsystem: "downloadpool",
				Name:      "fetch_duration_seconds",
				Help:      "Time spent running one fetch, by terminal state.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"state"},
		),
		fetchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "reapack",
				Subsystem: "downloadpool",
				Name:      "fetch_total",
				Help:      "Total fetches, by terminal state.",
			},
			[]string{"state"},
		),
	}

	reg.MustRegister(m.fetchDuration, m.fetchTotal)
	return m
}

// ObserveFetch records one fetch's terminal state and duration.
func (m *Metrics) ObserveFetch(state State, d time.Duration) {
	label := state.String()
	m.fetchDuration.WithLabelValues(label).Observe(d.Seconds())
	m.fetchTotal.WithLabelValues(label).Inc()
}
