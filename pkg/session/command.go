package session

import (
	"errors"
	"time"

	"github.com/cardbench/scp81/pkg/apdu"
)

// Errors surfaced to callers and command result sinks.
var (
	// ErrSessionClosed is returned by operations on a session that has
	// reached a terminal state.
	ErrSessionClosed = errors.New("session closed")

	// ErrSessionEnded marks results of commands that were still queued or
	// outstanding when their session ended.
	ErrSessionEnded = errors.New("session ended before command resolved")

	// ErrDropped marks results of commands removed from the queue by a
	// cancel or clear before they were sent.
	ErrDropped = errors.New("command dropped before send")

	// ErrScriptAborted marks results of commands skipped because an
	// earlier command of the same script tripped its stop condition.
	ErrScriptAborted = errors.New("script aborted by stop condition")
)

// Command is one C-APDU to feed into a session queue, with optional script
// binding and expectation.
type Command struct {
	APDU apdu.Command

	// Expect, when non-nil, is evaluated against the final status word of
	// the command (after 61xx/6Cxx continuations).
	Expect func(sw uint16) bool
}

// EnqueueOptions binds a batch of commands to their enqueuer.
type EnqueueOptions struct {
	// ScriptID tags the commands; empty for ad-hoc commands.
	ScriptID string

	// StopOnError aborts the remaining commands of this ScriptID when a
	// command resolves with an error-class status word or misses its
	// expectation.
	StopOnError bool

	// Notify receives one Result per command. The channel must have
	// capacity for every result; sends never block and overflow is
	// dropped with a logged warning. Nil disables notification.
	Notify chan<- Result
}

// Result is the resolution of one enqueued command. For commands that
// triggered 61xx/6Cxx continuations, Response is the final R-APDU and
// Duration spans from the first send to the final pairing.
type Result struct {
	SessionID string
	ScriptID  string
	Index     int
	Command   apdu.Command
	Response  apdu.Response
	Duration  time.Duration

	// Matched reports the expectation outcome; nil when the command had
	// no expectation.
	Matched *bool

	// Err is non-nil when the command never resolved (ErrSessionEnded,
	// ErrDropped, ErrScriptAborted).
	Err error
}

// OK reports whether the command resolved and met its expectation, when
// one was set.
func (r Result) OK() bool {
	if r.Err != nil {
		return false
	}
	if r.Matched != nil && !*r.Matched {
		return false
	}
	return true
}

// HistoryEntry is one admin-channel exchange as exposed over the REST
// facade. Seq numbers sent and received entries in a single sequence.
type HistoryEntry struct {
	Seq        int       `json:"seq"`
	Direction  string    `json:"direction"`
	Hex        string    `json:"hex"`
	SW         string    `json:"sw,omitempty"`
	T          time.Time `json:"t"`
	DurationUS int64     `json:"duration_us,omitempty"`
}

// Summary is a point-in-time view of one session.
type Summary struct {
	ID             string     `json:"id"`
	PSKIdentity    string     `json:"psk_identity"`
	PeerAddr       string     `json:"peer_addr"`
	CipherSuite    string     `json:"cipher_suite,omitempty"`
	State          string     `json:"state"`
	CreatedAt      time.Time  `json:"created_at"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	QueueLen       int        `json:"queue_len"`
	Outstanding    bool       `json:"outstanding"`
	Sent           int        `json:"sent"`
	Received       int        `json:"received"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	EndReason      string     `json:"end_reason,omitempty"`
}

// Detail is a Summary plus the full exchange history.
type Detail struct {
	Summary
	History []HistoryEntry `json:"history"`
}

// origin ties a queued command (and any continuation inserted for it) back
// to its enqueuer. cmd is the logical command as submitted, echoed in the
// Result even when continuations were dispatched in its place.
type origin struct {
	scriptID    string
	index       int
	cmd         apdu.Command
	expect      func(uint16) bool
	stopOnError bool
	notify      chan<- Result
	firstSent   time.Time
}

// queuedCommand is one queue slot. Continuations inserted for 61xx/6Cxx
// share the origin of the command that produced them.
type queuedCommand struct {
	cmd    apdu.Command
	raw    []byte
	origin *origin
	sentAt time.Time
}
