package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Common attribute keys for admin protocol operations.
// These follow OpenTelemetry semantic conventions where applicable.
// Protocol-agnostic keys use standard prefixes, SCP81-specific use their own.
const (
	// ========================================================================
	// Client attributes (protocol-agnostic)
	// ========================================================================
	AttrClientIP   = "client.ip"
	AttrClientAddr = "client.address"

	// ========================================================================
	// Session attributes
	// ========================================================================
	AttrSessionID    = "session.id"
	AttrSessionState = "session.state"
	AttrEndReason    = "session.end_reason"

	// ========================================================================
	// TLS attributes
	// ========================================================================

	// AttrPSKIdentity carries the identity only. Key material never lands
	// in span attributes.
	AttrPSKIdentity = "tls.psk_identity"
	AttrCipherSuite = "tls.cipher_suite"

	// ========================================================================
	// APDU attributes
	// ========================================================================
	AttrINS       = "apdu.ins"
	AttrSW        = "apdu.sw"
	AttrSeq       = "apdu.seq"
	AttrDirection = "apdu.direction"
	AttrLength    = "apdu.length"

	// ========================================================================
	// Script attributes
	// ========================================================================
	AttrScriptID     = "script.id"
	AttrScriptStep   = "script.step"
	AttrScriptStatus = "script.status"
	AttrStopOnError  = "script.stop_on_error"

	// ========================================================================
	// HTTP framing attributes
	// ========================================================================
	AttrHTTPStatus = "http.status_code"

	// ========================================================================
	// Storage attributes
	// ========================================================================
	AttrStoreType = "store.type"
)

// Span names for operations.
// Format: <component>.<operation>
const (
	// Root span covering one admin session from handshake to teardown
	SpanAdminSession = "admin.session"

	// One pull cycle: card POST, queue dispatch, server reply
	SpanAdminExchange = "admin.exchange"

	// Script execution
	SpanScriptRun  = "script.run"
	SpanScriptStep = "script.step"

	// Persistence operations
	SpanStoreRecordSession = "store.record_session"
	SpanStoreAppendAPDU    = "store.append_apdu"

	// Keystore resolution during the handshake
	SpanKeystoreLookup = "keystore.lookup"
)

// ClientIP returns an attribute for client IP address
func ClientIP(ip string) attribute.KeyValue {
	return attribute.String(AttrClientIP, ip)
}

// ClientAddr returns an attribute for full client address
func ClientAddr(addr string) attribute.KeyValue {
	return attribute.String(AttrClientAddr, addr)
}

// SessionID returns an attribute for the admin session id
func SessionID(id string) attribute.KeyValue {
	return attribute.String(AttrSessionID, id)
}

// SessionState returns an attribute for the session state name
func SessionState(state string) attribute.KeyValue {
	return attribute.String(AttrSessionState, state)
}

// EndReason returns an attribute for the session end reason
func EndReason(reason string) attribute.KeyValue {
	return attribute.String(AttrEndReason, reason)
}

// PSKIdentity returns an attribute for the card's PSK identity
func PSKIdentity(identity string) attribute.KeyValue {
	return attribute.String(AttrPSKIdentity, identity)
}

// CipherSuite returns an attribute for the negotiated cipher suite name
func CipherSuite(name string) attribute.KeyValue {
	return attribute.String(AttrCipherSuite, name)
}

// INS returns an attribute for a command's instruction byte
func INS(ins byte) attribute.KeyValue {
	return attribute.String(AttrINS, fmt.Sprintf("%02X", ins))
}

// SW returns an attribute for a response status word
func SW(sw uint16) attribute.KeyValue {
	return attribute.String(AttrSW, fmt.Sprintf("%04X", sw))
}

// Seq returns an attribute for the exchange sequence number
func Seq(seq int) attribute.KeyValue {
	return attribute.Int(AttrSeq, seq)
}

// Direction returns an attribute for the exchange direction (sent/received)
func Direction(dir string) attribute.KeyValue {
	return attribute.String(AttrDirection, dir)
}

// Length returns an attribute for an APDU length in bytes
func Length(n int) attribute.KeyValue {
	return attribute.Int(AttrLength, n)
}

// ScriptID returns an attribute for a script run id
func ScriptID(id string) attribute.KeyValue {
	return attribute.String(AttrScriptID, id)
}

// ScriptStep returns an attribute for the current script step index
func ScriptStep(i int) attribute.KeyValue {
	return attribute.Int(AttrScriptStep, i)
}

// ScriptStatus returns an attribute for a finished run's outcome
func ScriptStatus(status string) attribute.KeyValue {
	return attribute.String(AttrScriptStatus, status)
}

// StopOnError returns an attribute for the script's stop-on-error flag
func StopOnError(stop bool) attribute.KeyValue {
	return attribute.Bool(AttrStopOnError, stop)
}

// HTTPStatus returns an attribute for the framing reply status
func HTTPStatus(status int) attribute.KeyValue {
	return attribute.Int(AttrHTTPStatus, status)
}

// StoreType returns an attribute for the persistence backend (sqlite/postgres)
func StoreType(t string) attribute.KeyValue {
	return attribute.String(AttrStoreType, t)
}

// StartSessionSpan starts the root span for one admin session.
// The span covers everything from the completed handshake to teardown.
func StartSessionSpan(ctx context.Context, sessionID, identity, peerAddr, suite string) (context.Context, trace.Span) {
	return StartSpan(ctx, SpanAdminSession, trace.WithAttributes(
		SessionID(sessionID),
		PSKIdentity(identity),
		ClientAddr(peerAddr),
		CipherSuite(suite),
	))
}

// StartExchangeSpan starts a span for one pull cycle within a session.
func StartExchangeSpan(ctx context.Context, sessionID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{
		SessionID(sessionID),
	}
	allAttrs = append(allAttrs, attrs...)

	return StartSpan(ctx, SpanAdminExchange, trace.WithAttributes(allAttrs...))
}

// StartScriptSpan starts a span for a script run against a session.
func StartScriptSpan(ctx context.Context, scriptID, sessionID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{
		ScriptID(scriptID),
		SessionID(sessionID),
	}
	allAttrs = append(allAttrs, attrs...)

	return StartSpan(ctx, SpanScriptRun, trace.WithAttributes(allAttrs...))
}

// StartStoreSpan starts a span for a persistence operation.
func StartStoreSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return StartSpan(ctx, "store."+operation, trace.WithAttributes(attrs...))
}
