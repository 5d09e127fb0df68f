// Package store provides the session history persistence layer.
//
// The admin server records one row per session plus an append-only APDU
// exchange log so bench runs can be inspected after the fact. Two backends
// are supported:
//   - SQLite (single-node, default)
//   - PostgreSQL
//
// A process-memory adapter backs benches that run with persistence disabled.
package store

import (
	"context"
	"errors"
)

// Common errors for session store operations.
var (
	// ErrSessionNotFound is returned when no session row has the given id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrDuplicateAPDU is returned when an exchange row with the same
	// (session id, seq) pair has already been recorded.
	ErrDuplicateAPDU = errors.New("apdu already recorded")
)

var errMissingSessionID = errors.New("session id is required")

// APDU exchange directions as persisted in the apdus table.
const (
	// DirectionSent marks a command APDU sent by the server.
	DirectionSent = "sent"

	// DirectionReceived marks a response APDU received from the card.
	DirectionReceived = "received"
)

// LoadOptions narrows a LoadSessions query.
type LoadOptions struct {
	// Identity restricts results to sessions of one PSK identity.
	// Empty matches all identities.
	Identity string

	// Limit caps the number of returned rows. Zero means no limit.
	Limit int
}

// SessionStore persists session rows and their APDU exchange history.
//
// Thread Safety: implementations must be safe for concurrent use. Callers
// serialise writes per session id; writes for different sessions may
// interleave.
//
// Rows are append-only from the protocol's point of view: a session row is
// inserted when the session is established, updated on state transitions,
// and never touched again once EndedAt is set. APDU rows are never updated.
type SessionStore interface {
	// RecordSession inserts the row for rec.ID or updates it if it already
	// exists. Connections that fail during the TLS handshake never reach
	// this call, so they leave no row behind.
	RecordSession(ctx context.Context, rec *SessionRecord) error

	// AppendAPDU appends one exchange row to the session's history.
	// Returns ErrDuplicateAPDU if (rec.SessionID, rec.Seq) was already
	// recorded.
	AppendAPDU(ctx context.Context, rec *APDURecord) error

	// GetSession returns the session row with the given id.
	// Returns ErrSessionNotFound if no such row exists.
	GetSession(ctx context.Context, id string) (*SessionRecord, error)

	// LoadSessions returns persisted sessions, newest first.
	LoadSessions(ctx context.Context, opts LoadOptions) ([]*SessionRecord, error)

	// LoadAPDUs returns the exchange history of one session in seq order.
	// Returns ErrSessionNotFound if the session was never recorded.
	LoadAPDUs(ctx context.Context, sessionID string) ([]*APDURecord, error)

	// Close releases the backend connection.
	Close() error
}
