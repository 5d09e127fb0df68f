package logger

import (
	"fmt"
	"log/slog"
)

// Standard field keys for structured logging.
// Use these keys consistently across all log statements so the bench
// dashboard can aggregate and query by them. PSK key bytes must never be
// logged under any key; identities are fine, keys are not.
const (
	// ========================================================================
	// Distributed Tracing
	// ========================================================================
	KeyTraceID = "trace_id" // OpenTelemetry trace ID for request correlation
	KeySpanID  = "span_id"  // OpenTelemetry span ID for operation tracking

	// ========================================================================
	// Session & Connection
	// ========================================================================
	KeySessionID    = "session_id"    // Admin session identifier (UUIDv7)
	KeyConnectionID = "connection_id" // TCP connection identifier
	KeyPSKIdentity  = "psk_identity"  // PSK identity presented by the client
	KeyPeerAddr     = "peer_addr"     // Remote address (ip:port)
	KeyPeerIP       = "peer_ip"       // Remote IP without port
	KeyListenAddr   = "listen_addr"   // Local listen address
	KeyState        = "state"         // Session state name
	KeyPrevState    = "prev_state"    // Previous session state on transition
	KeyEndReason    = "end_reason"    // Why a session ended

	// ========================================================================
	// TLS
	// ========================================================================
	KeyCipherSuite = "cipher_suite" // Negotiated cipher suite name
	KeyTLSVersion  = "tls_version"  // Negotiated protocol version
	KeyAlert       = "alert"        // TLS alert description

	// ========================================================================
	// APDU Exchange
	// ========================================================================
	KeyINS       = "ins"       // APDU instruction byte (hex)
	KeyCLA       = "cla"       // APDU class byte (hex)
	KeySW        = "sw"        // Status word (hex)
	KeyAPDULen   = "apdu_len"  // Raw APDU length in bytes
	KeyDirection = "direction" // sent or received
	KeySeq       = "seq"       // Exchange sequence number within a session
	KeyQueueLen  = "queue_len" // Pending command queue length

	// ========================================================================
	// Events
	// ========================================================================
	KeyEventType  = "event_type" // Bus event type
	KeyEventSeq   = "event_seq"  // Bus-assigned event sequence number
	KeySubscriber = "subscriber" // Event subscriber name
	KeyDropped    = "dropped"    // Dropped event delivery count

	// ========================================================================
	// Script Engine
	// ========================================================================
	KeyScriptID    = "script_id"    // Script identifier
	KeyScriptLen   = "script_len"   // Number of commands in a script
	KeyStopOnError = "stop_on_error"

	// ========================================================================
	// Operation Metadata
	// ========================================================================
	KeyDurationMs = "duration_ms" // Operation duration in milliseconds
	KeyError      = "error"       // Error message
	KeyErrorCode  = "error_code"  // Numeric error code
	KeyReason     = "reason"      // Stable machine-readable reason string
	KeyAttempt    = "attempt"     // Retry attempt number
	KeyMaxRetries = "max_retries" // Maximum retry attempts

	// ========================================================================
	// Storage & Keystore
	// ========================================================================
	KeyStoreType = "store_type" // Store backend: memory, sqlite, postgres, badger
	KeyPath      = "path"       // File path (config, keystore, database)
	KeyKeyLen    = "key_len"    // PSK key length in bytes (never the key itself)
	KeyIdentities = "identities" // Number of identities in a keystore
)

// ============================================================================
// Field constructors for type safety
// ============================================================================

// TraceID returns a slog.Attr for OpenTelemetry trace ID
func TraceID(id string) slog.Attr {
	return slog.String(KeyTraceID, id)
}

// SpanID returns a slog.Attr for OpenTelemetry span ID
func SpanID(id string) slog.Attr {
	return slog.String(KeySpanID, id)
}

// SessionID returns a slog.Attr for the admin session identifier
func SessionID(id string) slog.Attr {
	return slog.String(KeySessionID, id)
}

// ConnectionID returns a slog.Attr for the TCP connection identifier
func ConnectionID(id uint64) slog.Attr {
	return slog.Uint64(KeyConnectionID, id)
}

// PSKIdentity returns a slog.Attr for the client PSK identity
func PSKIdentity(identity string) slog.Attr {
	return slog.String(KeyPSKIdentity, identity)
}

// PeerAddr returns a slog.Attr for the remote address
func PeerAddr(addr string) slog.Attr {
	return slog.String(KeyPeerAddr, addr)
}

// PeerIP returns a slog.Attr for the remote IP without port
func PeerIP(ip string) slog.Attr {
	return slog.String(KeyPeerIP, ip)
}

// ListenAddr returns a slog.Attr for the local listen address
func ListenAddr(addr string) slog.Attr {
	return slog.String(KeyListenAddr, addr)
}

// State returns a slog.Attr for a session state name
func State(s string) slog.Attr {
	return slog.String(KeyState, s)
}

// PrevState returns a slog.Attr for the state before a transition
func PrevState(s string) slog.Attr {
	return slog.String(KeyPrevState, s)
}

// EndReason returns a slog.Attr for a session end reason
func EndReason(r string) slog.Attr {
	return slog.String(KeyEndReason, r)
}

// CipherSuite returns a slog.Attr for the negotiated cipher suite name
func CipherSuite(name string) slog.Attr {
	return slog.String(KeyCipherSuite, name)
}

// Alert returns a slog.Attr for a TLS alert description
func Alert(desc string) slog.Attr {
	return slog.String(KeyAlert, desc)
}

// INS returns a slog.Attr for an APDU instruction byte
func INS(ins byte) slog.Attr {
	return slog.String(KeyINS, fmt.Sprintf("%02X", ins))
}

// SW returns a slog.Attr for a status word
func SW(sw uint16) slog.Attr {
	return slog.String(KeySW, fmt.Sprintf("%04X", sw))
}

// APDULen returns a slog.Attr for a raw APDU length
func APDULen(n int) slog.Attr {
	return slog.Int(KeyAPDULen, n)
}

// Direction returns a slog.Attr for an exchange direction (sent, received)
func Direction(d string) slog.Attr {
	return slog.String(KeyDirection, d)
}

// Seq returns a slog.Attr for an exchange sequence number
func Seq(n uint64) slog.Attr {
	return slog.Uint64(KeySeq, n)
}

// QueueLen returns a slog.Attr for the pending command queue length
func QueueLen(n int) slog.Attr {
	return slog.Int(KeyQueueLen, n)
}

// EventType returns a slog.Attr for a bus event type
func EventType(t string) slog.Attr {
	return slog.String(KeyEventType, t)
}

// EventSeq returns a slog.Attr for a bus event sequence number
func EventSeq(n uint64) slog.Attr {
	return slog.Uint64(KeyEventSeq, n)
}

// Subscriber returns a slog.Attr for an event subscriber name
func Subscriber(name string) slog.Attr {
	return slog.String(KeySubscriber, name)
}

// Dropped returns a slog.Attr for a dropped delivery count
func Dropped(n uint64) slog.Attr {
	return slog.Uint64(KeyDropped, n)
}

// ScriptID returns a slog.Attr for a script identifier
func ScriptID(id string) slog.Attr {
	return slog.String(KeyScriptID, id)
}

// ScriptLen returns a slog.Attr for the number of commands in a script
func ScriptLen(n int) slog.Attr {
	return slog.Int(KeyScriptLen, n)
}

// DurationMs returns a slog.Attr for duration in milliseconds
func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}

// Err returns a slog.Attr for an error
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// ErrorCode returns a slog.Attr for a numeric error code
func ErrorCode(code int) slog.Attr {
	return slog.Int(KeyErrorCode, code)
}

// Reason returns a slog.Attr for a stable machine-readable reason string
func Reason(r string) slog.Attr {
	return slog.String(KeyReason, r)
}

// Attempt returns a slog.Attr for a retry attempt number
func Attempt(n int) slog.Attr {
	return slog.Int(KeyAttempt, n)
}

// MaxRetries returns a slog.Attr for maximum retry attempts
func MaxRetries(n int) slog.Attr {
	return slog.Int(KeyMaxRetries, n)
}

// StoreType returns a slog.Attr for a store backend type
func StoreType(t string) slog.Attr {
	return slog.String(KeyStoreType, t)
}

// Path returns a slog.Attr for a file path
func Path(p string) slog.Attr {
	return slog.String(KeyPath, p)
}

// KeyLen returns a slog.Attr for a PSK key length in bytes
func KeyLen(n int) slog.Attr {
	return slog.Int(KeyKeyLen, n)
}

// Identities returns a slog.Attr for the number of identities in a keystore
func Identities(n int) slog.Attr {
	return slog.Int(KeyIdentities, n)
}
