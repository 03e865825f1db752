package outbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is safe to use as a nil pointer.
type Metrics struct {
	processed    prometheus.Counter
	failed       *prometheus.CounterVec
	deadLettered prometheus.Counter
	batchSize    prometheus.Histogram
	duration     prometheus.Histogram
}

// NewMetrics registers the outbox collectors on reg. A nil reg builds
// unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		processed: f.NewCounter(prometheus.CounterOpts{
			Namespace: "outbox",
			Name:      "messages_processed_total",
			Help:      "Outbox messages dispatched and marked processed.",
		}),
		failed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "outbox",
			Name:      "messages_failed_total",
			Help:      "Outbox dispatch failures scheduled for retry.",
		}, []string{"event_type"}),
		deadLettered: f.NewCounter(prometheus.CounterOpts{
			Namespace: "outbox",
			Name:      "messages_dead_lettered_total",
			Help:      "Outbox messages that reached the attempt limit.",
		}),
		batchSize: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "outbox",
			Name:      "batch_size",
			Help:      "Rows fetched per poll.",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 250},
		}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "outbox",
			Name:      "process_duration_seconds",
			Help:      "Duration of one ProcessOnce call.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) observeBatch(fetched, processed int, failures []string, dead int, seconds float64) {
	if m == nil {
		return
	}
	m.batchSize.Observe(float64(fetched))
	m.processed.Add(float64(processed))
	for _, eventType := range failures {
		m.failed.WithLabelValues(eventType).Inc()
	}
	m.deadLettered.Add(float64(dead))
	m.duration.Observe(seconds)
}
