// Package prometheus implements the pkg/metrics interfaces on top of the
// Prometheus client library.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cardbench/scp81/pkg/metrics"
)

// serverMetrics is the Prometheus implementation of metrics.ServerMetrics.
type serverMetrics struct {
	handshakesTotal      *prometheus.CounterVec
	handshakeFailures    *prometheus.CounterVec
	handshakeDuration    prometheus.Histogram
	connectionsRejected  *prometheus.CounterVec
	sessionsActive       prometheus.Gauge
	sessionsTotal        prometheus.Counter
	sessionEnds          *prometheus.CounterVec
	sessionDuration      prometheus.Histogram
	apdusTotal           *prometheus.CounterVec
	apduRoundtrip        prometheus.Histogram
	scriptsTotal         *prometheus.CounterVec
	internalErrorsTotal  *prometheus.CounterVec
}

// NewServerMetrics creates a new Prometheus-backed ServerMetrics instance.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewServerMetrics() metrics.ServerMetrics {
	if !metrics.IsEnabled() {
		return nil
	}
	return newServerMetrics(metrics.GetRegistry())
}

func newServerMetrics(reg prometheus.Registerer) *serverMetrics {
	return &serverMetrics{
		handshakesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "scp81_handshakes_total",
				Help: "Total number of completed TLS handshakes by cipher suite",
			},
			[]string{"cipher_suite"},
		),
		handshakeFailures: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "scp81_handshake_failures_total",
				Help: "Total number of failed TLS handshakes by reason",
			},
			[]string{"reason"},
		),
		handshakeDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name: "scp81_handshake_duration_milliseconds",
				Help: "TLS handshake duration in milliseconds",
				Buckets: []float64{
					1,    // loopback bench
					5,    // LAN
					10,   // fast card
					50,   // typical UICC
					100,  // slow UICC
					500,  // congested radio
					1000, // 1s
					5000, // 5s
				},
			},
		),
		connectionsRejected: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "scp81_connections_rejected_total",
				Help: "Total number of connections rejected before the handshake by reason",
			},
			[]string{"reason"}, // "flood_guard", "limit"
		),
		sessionsActive: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "scp81_sessions_active",
				Help: "Current number of admin sessions",
			},
		),
		sessionsTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "scp81_sessions_total",
				Help: "Total number of admin sessions since start",
			},
		),
		sessionEnds: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "scp81_session_ends_total",
				Help: "Total number of ended sessions by end reason",
			},
			[]string{"reason"}, // "normal", "timeout_init", "shutdown", ...
		),
		sessionDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name: "scp81_session_duration_seconds",
				Help: "Admin session lifetime in seconds",
				Buckets: []float64{
					0.1, // handshake-only probes
					0.5,
					1,
					5,
					15,
					60,  // idle timeout territory
					120,
					300, // session cap
				},
			},
		),
		apdusTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "scp81_apdus_total",
				Help: "Total number of APDUs by direction",
			},
			[]string{"direction"}, // "sent", "received"
		),
		apduRoundtrip: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name: "scp81_apdu_roundtrip_milliseconds",
				Help: "Command-to-response latency of one APDU exchange in milliseconds",
				Buckets: []float64{
					1,
					10,
					50,
					100,  // typical card turnaround
					500,
					1000,
					5000, // timeout-mode simulators
				},
			},
		),
		scriptsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "scp81_scripts_total",
				Help: "Total number of finished scripts by outcome",
			},
			[]string{"outcome"}, // "completed", "aborted", "cancelled"
		),
		internalErrorsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "scp81_internal_errors_total",
				Help: "Total number of invariant violations by scope",
			},
			[]string{"scope"}, // "session", "listener", "store"
		),
	}
}

func (m *serverMetrics) RecordHandshake(cipherSuite string, duration time.Duration) {
	if m == nil {
		return
	}
	m.handshakesTotal.WithLabelValues(cipherSuite).Inc()
	m.handshakeDuration.Observe(duration.Seconds() * 1000)
}

func (m *serverMetrics) RecordHandshakeFailure(reason string, duration time.Duration) {
	if m == nil {
		return
	}
	m.handshakeFailures.WithLabelValues(reason).Inc()
	m.handshakeDuration.Observe(duration.Seconds() * 1000)
}

func (m *serverMetrics) RecordConnectionRejected(reason string) {
	if m == nil {
		return
	}
	m.connectionsRejected.WithLabelValues(reason).Inc()
}

func (m *serverMetrics) RecordSessionStart() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
	m.sessionsTotal.Inc()
}

func (m *serverMetrics) RecordSessionEnd(reason string, duration time.Duration) {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
	m.sessionEnds.WithLabelValues(reason).Inc()
	m.sessionDuration.Observe(duration.Seconds())
}

func (m *serverMetrics) RecordAPDU(direction string) {
	if m == nil {
		return
	}
	m.apdusTotal.WithLabelValues(direction).Inc()
}

func (m *serverMetrics) RecordAPDURoundtrip(duration time.Duration) {
	if m == nil {
		return
	}
	m.apduRoundtrip.Observe(duration.Seconds() * 1000)
}

func (m *serverMetrics) RecordScript(outcome string) {
	if m == nil {
		return
	}
	m.scriptsTotal.WithLabelValues(outcome).Inc()
}

func (m *serverMetrics) RecordInternalError(scope string) {
	if m == nil {
		return
	}
	m.internalErrorsTotal.WithLabelValues(scope).Inc()
}
