package replaykit

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/replaykit/replaykit/table"
)

// PrometheusMetrics is a table.MetricsObserver backed by Prometheus
// counters and histograms. Create one per table and register it with your
// registerer; the table label keeps series apart.
type PrometheusMetrics struct {
	inserts        *prometheus.CounterVec
	samples        *prometheus.CounterVec
	mutates        prometheus.Counter
	insertDuration prometheus.Histogram
	sampleDuration prometheus.Histogram
}

var _ table.MetricsObserver = (*PrometheusMetrics)(nil)

// NewPrometheusMetrics builds and registers the collectors. tableName
// becomes the constant "table" label.
func NewPrometheusMetrics(reg prometheus.Registerer, tableName string) (*PrometheusMetrics, error) {
	labels := prometheus.Labels{"table": tableName}

	m := &PrometheusMetrics{
		inserts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "replaykit",
			Name:        "inserts_total",
			Help:        "Insert operations by outcome.",
			ConstLabels: labels,
		}, []string{"outcome"}),
		samples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "replaykit",
			Name:        "samples_total",
			Help:        "Sample operations by outcome.",
			ConstLabels: labels,
		}, []string{"outcome"}),
		mutates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "replaykit",
			Name:        "mutations_total",
			Help:        "MutateItems batches applied.",
			ConstLabels: labels,
		}),
		insertDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "replaykit",
			Name:        "insert_duration_seconds",
			Help:        "Insert latency including rate limiter waits.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(1e-6, 10, 8),
		}),
		sampleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "replaykit",
			Name:        "sample_duration_seconds",
			Help:        "Sample latency including rate limiter waits.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(1e-6, 10, 8),
		}),
	}

	for _, c := range []prometheus.Collector{m.inserts, m.samples, m.mutates, m.insertDuration, m.sampleDuration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// RecordInsert implements table.MetricsObserver.
func (m *PrometheusMetrics) RecordInsert(d time.Duration, err error) {
	m.inserts.WithLabelValues(outcome(err)).Inc()
	m.insertDuration.Observe(d.Seconds())
}

// RecordSample implements table.MetricsObserver.
func (m *PrometheusMetrics) RecordSample(d time.Duration, err error) {
	m.samples.WithLabelValues(outcome(err)).Inc()
	m.sampleDuration.Observe(d.Seconds())
}

// RecordMutate implements table.MetricsObserver.
func (m *PrometheusMetrics) RecordMutate(int, int, time.Duration) {
	m.mutates.Inc()
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
