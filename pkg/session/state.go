package session

import "time"

// State is the lifecycle phase of an admin session.
type State int

const (
	// StateHandshaking is the initial state while the PSK-TLS handshake
	// runs. Sessions that fail here never reach the manager.
	StateHandshaking State = iota

	// StateConnected means the handshake completed and the server is
	// waiting for the card's first pull.
	StateConnected

	// StateActive means the card has issued at least one pull and the
	// command loop is running.
	StateActive

	// StateClosing means the queue drained and 204 No Content was handed
	// to the card; the connection is being torn down.
	StateClosing

	// StateClosed is the terminal state of a cleanly ended session.
	StateClosed

	// StateFailed is the terminal state of a session ended by an error
	// or timeout.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "HANDSHAKING"
	case StateConnected:
		return "CONNECTED"
	case StateActive:
		return "ACTIVE"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// canTransition encodes the lifecycle graph. Transitions only move
// forward; a terminal state is never left.
func canTransition(from, to State) bool {
	switch from {
	case StateHandshaking:
		return to == StateConnected || to == StateFailed
	case StateConnected:
		return to == StateActive || to == StateClosing || to == StateClosed || to == StateFailed
	case StateActive:
		return to == StateClosing || to == StateClosed || to == StateFailed
	case StateClosing:
		return to == StateClosed || to == StateFailed
	default:
		return false
	}
}

// Session end reasons as carried by session_ended events and persisted in
// the end_reason column.
const (
	EndReasonNormal            = "normal"
	EndReasonShutdown          = "shutdown"
	EndReasonTransport         = "transport"
	EndReasonProtocol          = "protocol"
	EndReasonMalformedResponse = "malformed_response"
	EndReasonTimeoutInit       = "timeout_init"
	EndReasonTimeoutActiveIdle = "timeout_active_idle"
	EndReasonTimeoutSessionMax = "timeout_session_max"
	EndReasonInternal          = "internal"
)

// Default deadlines, tuned for high-latency mobile bearers.
const (
	// DefaultInitTimeout bounds the wait for the card's first pull after
	// the handshake.
	DefaultInitTimeout = 30 * time.Second

	// DefaultIdleTimeout bounds the gap between pulls once active.
	DefaultIdleTimeout = 60 * time.Second

	// DefaultMaxLifetime caps the whole session regardless of activity.
	DefaultMaxLifetime = 300 * time.Second

	// closingGrace bounds how long a session lingers in CLOSING when the
	// owner never confirms the final write.
	closingGrace = 2 * time.Second
)

// Timeouts carries the three session deadlines. Zero fields take the
// defaults.
type Timeouts struct {
	Init     time.Duration
	Idle     time.Duration
	Lifetime time.Duration
}

// ApplyDefaults fills zero fields with the default deadlines.
func (t *Timeouts) ApplyDefaults() {
	if t.Init == 0 {
		t.Init = DefaultInitTimeout
	}
	if t.Idle == 0 {
		t.Idle = DefaultIdleTimeout
	}
	if t.Lifetime == 0 {
		t.Lifetime = DefaultMaxLifetime
	}
}
