// Package script turns ordered APDU command lists into session queue work
// and collects their results. The engine never touches the TLS stream: it
// feeds a session's queue and waits for the session to resolve each
// command.
package script

import (
	"fmt"
	"time"

	"github.com/cardbench/scp81/internal/hexutil"
	"github.com/cardbench/scp81/pkg/apdu"
)

// Command is one scripted C-APDU.
type Command struct {
	// Hex is the full C-APDU, hex encoded. Whitespace is tolerated.
	Hex string `json:"hex" yaml:"hex"`

	// Expect is an optional four-digit status-word pattern the final SW
	// must match, with 'x' as a nibble wildcard ("9000", "61xx", "63Cx").
	Expect string `json:"expect,omitempty" yaml:"expect,omitempty"`
}

// Script is an ordered command list. It is bound to exactly one session
// when enqueued and lives until drained, aborted or its session ends.
type Script struct {
	Name        string    `json:"name,omitempty" yaml:"name,omitempty"`
	StopOnError bool      `json:"stop_on_error,omitempty" yaml:"stop_on_error,omitempty"`
	Commands    []Command `json:"commands" yaml:"commands"`
}

// Status is the lifecycle phase of a script run.
type Status string

const (
	// StatusRunning means not every command has resolved yet.
	StatusRunning Status = "running"

	// StatusCompleted means every command resolved.
	StatusCompleted Status = "completed"

	// StatusAborted means the stop-on-error policy skipped the tail of
	// the script.
	StatusAborted Status = "aborted"

	// StatusCancelled means an operator drained the remaining commands.
	StatusCancelled Status = "cancelled"

	// StatusFailed means the session ended before the script finished.
	StatusFailed Status = "failed"
)

// Outcome is the resolution of one scripted command.
type Outcome struct {
	Index      int    `json:"index"`
	Command    string `json:"command"`
	Response   string `json:"response,omitempty"`
	SW         string `json:"sw,omitempty"`
	Matched    *bool  `json:"matched,omitempty"`
	DurationUS int64  `json:"duration_us,omitempty"`

	// Error is set when the command never resolved: dropped, aborted or
	// orphaned by session end.
	Error string `json:"error,omitempty"`
}

// Result is the state of one script run as exposed over the REST facade.
type Result struct {
	ID          string     `json:"id"`
	Name        string     `json:"name,omitempty"`
	SessionID   string     `json:"session_id"`
	Status      Status     `json:"status"`
	StopOnError bool       `json:"stop_on_error"`
	QueuedAt    time.Time  `json:"queued_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	Outcomes    []Outcome  `json:"outcomes"`
}

// Done reports whether the run reached a final status.
func (r Result) Done() bool {
	return r.Status != StatusRunning
}

// ParseSWPattern compiles a status-word pattern into a predicate. The
// pattern is four characters, each a hex digit or the wildcard 'x'/'X'.
func ParseSWPattern(pattern string) (func(uint16) bool, error) {
	if len(pattern) != 4 {
		return nil, fmt.Errorf("sw pattern %q: want 4 hex digits or wildcards", pattern)
	}
	var value, mask uint16
	for i := 0; i < 4; i++ {
		c := pattern[i]
		if c == 'x' || c == 'X' {
			continue
		}
		nibble, ok := hexNibble(c)
		if !ok {
			return nil, fmt.Errorf("sw pattern %q: invalid digit %q", pattern, string(c))
		}
		shift := uint(12 - 4*i)
		mask |= 0xF << shift
		value |= uint16(nibble) << shift
	}
	return func(sw uint16) bool { return sw&mask == value }, nil
}

func hexNibble(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	default:
		return 0, false
	}
}

// compile validates the script and produces the decoded commands plus
// their expectation predicates.
func compile(sc Script) ([]apdu.Command, []func(uint16) bool, error) {
	if len(sc.Commands) == 0 {
		return nil, nil, fmt.Errorf("script %q has no commands", sc.Name)
	}
	cmds := make([]apdu.Command, len(sc.Commands))
	expects := make([]func(uint16) bool, len(sc.Commands))
	for i, c := range sc.Commands {
		raw, err := hexutil.Decode(c.Hex)
		if err != nil {
			return nil, nil, fmt.Errorf("command %d: %w", i, err)
		}
		cmd, err := apdu.DecodeCommand(raw)
		if err != nil {
			return nil, nil, fmt.Errorf("command %d: %w", i, err)
		}
		cmds[i] = cmd
		if c.Expect != "" {
			pred, err := ParseSWPattern(c.Expect)
			if err != nil {
				return nil, nil, fmt.Errorf("command %d: %w", i, err)
			}
			expects[i] = pred
		}
	}
	return cmds, expects, nil
}
