package prometheus

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gatherNames(t *testing.T, reg *prometheus.Registry) map[string]bool {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(mfs))
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	return names
}

func TestServerMetricsRegistersAndRecords(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newServerMetrics(reg)

	m.RecordHandshake("TLS_PSK_WITH_AES_128_CBC_SHA256", 12*time.Millisecond)
	m.RecordHandshakeFailure("unknown_psk_identity", 3*time.Millisecond)
	m.RecordConnectionRejected("flood_guard")
	m.RecordSessionStart()
	m.RecordAPDU("sent")
	m.RecordAPDU("received")
	m.RecordAPDURoundtrip(40 * time.Millisecond)
	m.RecordScript("completed")
	m.RecordSessionEnd("normal", 2*time.Second)
	m.RecordInternalError("session")

	names := gatherNames(t, reg)
	for _, want := range []string{
		"scp81_handshakes_total",
		"scp81_handshake_failures_total",
		"scp81_handshake_duration_milliseconds",
		"scp81_connections_rejected_total",
		"scp81_sessions_active",
		"scp81_sessions_total",
		"scp81_session_ends_total",
		"scp81_session_duration_seconds",
		"scp81_apdus_total",
		"scp81_apdu_roundtrip_milliseconds",
		"scp81_scripts_total",
		"scp81_internal_errors_total",
	} {
		assert.True(t, names[want], "missing metric %s", want)
	}
}

func TestBusMetricsRegistersAndRecords(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newBusMetrics(reg)

	m.RecordPublished("session_started")
	m.RecordPublished("session_started")
	m.RecordDropped()

	names := gatherNames(t, reg)
	assert.True(t, names["scp81_events_published_total"])
	assert.True(t, names["scp81_events_dropped_total"])
}

func TestNilReceiversNoPanic(t *testing.T) {
	var sm *serverMetrics
	sm.RecordHandshake("x", time.Second)
	sm.RecordHandshakeFailure("x", time.Second)
	sm.RecordConnectionRejected("x")
	sm.RecordSessionStart()
	sm.RecordSessionEnd("x", time.Second)
	sm.RecordAPDU("sent")
	sm.RecordAPDURoundtrip(time.Second)
	sm.RecordScript("completed")
	sm.RecordInternalError("session")

	var bm *busMetrics
	bm.RecordPublished("x")
	bm.RecordDropped()
}
