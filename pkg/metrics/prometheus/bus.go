package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cardbench/scp81/pkg/metrics"
)

// busMetrics is the Prometheus implementation of metrics.BusMetrics.
type busMetrics struct {
	published *prometheus.CounterVec
	dropped   prometheus.Counter
}

// NewBusMetrics creates a new Prometheus-backed BusMetrics instance.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewBusMetrics() metrics.BusMetrics {
	if !metrics.IsEnabled() {
		return nil
	}
	return newBusMetrics(metrics.GetRegistry())
}

func newBusMetrics(reg prometheus.Registerer) *busMetrics {
	return &busMetrics{
		published: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "scp81_events_published_total",
				Help: "Total number of published events by type",
			},
			[]string{"type"},
		),
		dropped: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "scp81_events_dropped_total",
				Help: "Total number of events dropped because a subscriber queue was full",
			},
		),
	}
}

func (m *busMetrics) RecordPublished(eventType string) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(eventType).Inc()
}

func (m *busMetrics) RecordDropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}
