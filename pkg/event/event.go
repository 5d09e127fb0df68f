// Package event defines the bench's event vocabulary and a small pub/sub bus.
// Every observable state change (server lifecycle, handshake outcomes, session
// transitions, APDU exchanges) is published as an Event; the REST facade,
// WebSocket stream, and log followers are all subscribers.
//
// Events reference sessions by id only. They never carry key material.
package event

import (
	"time"
)

// Type tags the event variant.
type Type string

const (
	TypeServerStarted      Type = "server_started"
	TypeServerStopped      Type = "server_stopped"
	TypeHandshakeCompleted Type = "handshake_completed"
	TypeHandshakeFailed    Type = "handshake_failed"
	TypeSessionStarted     Type = "session_started"
	TypeSessionEnded       Type = "session_ended"
	TypeAPDUSent           Type = "apdu_sent"
	TypeAPDUReceived       Type = "apdu_received"
	TypePSKMismatch        Type = "psk_mismatch"
	TypePSKMismatchFlood   Type = "psk_mismatch_flood"
	TypeErrorRateExceeded  Type = "error_rate_exceeded"
)

// Event is one published occurrence. Seq is assigned by the bus at publish
// time and is strictly monotonic across the process lifetime.
type Event struct {
	Seq     uint64    `json:"seq"`
	Time    time.Time `json:"time"`
	Type    Type      `json:"type"`
	Payload any       `json:"payload"`
}

// ServerStarted is published once the listener is accepting connections.
type ServerStarted struct {
	Host         string   `json:"host"`
	Port         int      `json:"port"`
	CipherSuites []string `json:"cipher_suites"`
	NullSuites   bool     `json:"null_suites,omitempty"`
}

// ServerStopped is published after the last session has drained.
type ServerStopped struct {
	Reason        string  `json:"reason"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// HandshakeCompleted carries the outcome of a successful PSK-TLS handshake.
type HandshakeCompleted struct {
	PeerAddr    string  `json:"peer_addr"`
	Identity    string  `json:"identity"`
	CipherSuite string  `json:"cipher_suite"`
	DurationMS  float64 `json:"duration_ms"`
}

// HandshakeFailed carries a failed handshake. Identity is empty unless the
// client got as far as presenting one; CipherSuite is empty unless
// negotiation succeeded.
type HandshakeFailed struct {
	PeerAddr    string  `json:"peer_addr"`
	Identity    string  `json:"identity,omitempty"`
	CipherSuite string  `json:"cipher_suite,omitempty"`
	Reason      string  `json:"reason"`
	DurationMS  float64 `json:"duration_ms"`
}

// SessionStarted is published when a session reaches CONNECTED.
type SessionStarted struct {
	SessionID string `json:"session_id"`
	Identity  string `json:"identity"`
	PeerAddr  string `json:"peer_addr"`
}

// SessionEnded is published when a session reaches CLOSED or FAILED.
type SessionEnded struct {
	SessionID  string  `json:"session_id"`
	State      string  `json:"state"`
	Reason     string  `json:"reason"`
	DurationMS float64 `json:"duration_ms"`
	Sent       int     `json:"sent"`
	Received   int     `json:"received"`
}

// APDUSent is published when a C-APDU is handed to the card.
type APDUSent struct {
	SessionID string `json:"session_id"`
	Seq       int    `json:"seq"`
	Hex       string `json:"hex"`
}

// APDUReceived is published when an R-APDU arrives and is paired with its
// command.
type APDUReceived struct {
	SessionID  string `json:"session_id"`
	Seq        int    `json:"seq"`
	Hex        string `json:"hex"`
	SW         string `json:"sw"`
	Class      string `json:"class"`
	DurationUS int64  `json:"duration_us"`
}

// PSKMismatch is published on each authentication rejection, alongside the
// handshake_failed event.
type PSKMismatch struct {
	PeerAddr string `json:"peer_addr"`
	Identity string `json:"identity,omitempty"`
	Reason   string `json:"reason"`
}

// PSKMismatchFlood is published once when a peer IP crosses the handshake
// failure threshold and connection rejection begins.
type PSKMismatchFlood struct {
	PeerIP        string `json:"peer_ip"`
	Failures      int    `json:"failures"`
	WindowSeconds int    `json:"window_seconds"`
	BlockSeconds  int    `json:"block_seconds"`
}

// ErrorRateExceeded is published once per window when session failures exceed
// the configured rate.
type ErrorRateExceeded struct {
	Failures      int `json:"failures"`
	WindowSeconds int `json:"window_seconds"`
}
