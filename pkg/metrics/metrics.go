// Package metrics defines the observability interfaces consumed by the admin
// server, session manager, and event bus. Implementations are optional: pass
// nil to disable collection with zero overhead. The Prometheus implementation
// lives in pkg/metrics/prometheus and registers against the registry managed
// here.
package metrics

import (
	"time"
)

// ServerMetrics provides observability for the admin server and its sessions.
//
// This interface is optional - pass nil to disable metrics collection with
// zero overhead.
//
// Example usage:
//
//	// With metrics enabled
//	metrics.InitRegistry()
//	serverMetrics := prometheus.NewServerMetrics()
//	srv := server.New(config, serverMetrics)
//
//	// Without metrics (pass nil for zero overhead)
//	srv := server.New(config, nil)
type ServerMetrics interface {
	// RecordHandshake records a completed TLS handshake.
	//
	// Parameters:
	//   - cipherSuite: negotiated suite name (e.g. "TLS_PSK_WITH_AES_128_CBC_SHA256")
	//   - duration: handshake duration
	RecordHandshake(cipherSuite string, duration time.Duration)

	// RecordHandshakeFailure records a failed TLS handshake.
	//
	// Parameters:
	//   - reason: stable failure reason (e.g. "unknown_psk_identity")
	//   - duration: time spent before the failure
	RecordHandshakeFailure(reason string, duration time.Duration)

	// RecordConnectionRejected records a connection refused before the
	// handshake, e.g. by the flood guard.
	RecordConnectionRejected(reason string)

	// RecordSessionStart increments the active session gauge and the total
	// session counter.
	RecordSessionStart()

	// RecordSessionEnd decrements the active session gauge and records the
	// session outcome.
	//
	// Parameters:
	//   - reason: end reason (e.g. "normal", "timeout_init", "shutdown")
	//   - duration: session lifetime
	RecordSessionEnd(reason string, duration time.Duration)

	// RecordAPDU counts one APDU by direction ("sent" or "received").
	RecordAPDU(direction string)

	// RecordAPDURoundtrip records the command-to-response latency of one
	// APDU exchange.
	RecordAPDURoundtrip(duration time.Duration)

	// RecordScript records a finished script by outcome
	// ("completed", "aborted", "cancelled").
	RecordScript(outcome string)

	// RecordInternalError counts an invariant violation by scope
	// ("session", "listener", "store").
	RecordInternalError(scope string)
}

// BusMetrics provides observability for event bus delivery.
//
// This interface is optional - pass nil to disable metrics collection.
type BusMetrics interface {
	// RecordPublished counts one published event by type.
	RecordPublished(eventType string)

	// RecordDropped counts an event dropped because a subscriber's queue
	// was full.
	RecordDropped()
}
