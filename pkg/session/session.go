package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cardbench/scp81/internal/hexutil"
	"github.com/cardbench/scp81/internal/logger"
	"github.com/cardbench/scp81/pkg/apdu"
	"github.com/cardbench/scp81/pkg/event"
	"github.com/cardbench/scp81/pkg/metrics"
	"github.com/cardbench/scp81/pkg/store"
)

const (
	// opBuffer bounds how many pending operations a session accepts before
	// callers block on the ops channel.
	opBuffer = 16

	// storeTimeout caps each persistence write issued from the session task.
	storeTimeout = 5 * time.Second
)

// ProtocolViolation reports a breach of the admin protocol by the card:
// a response body when no command is outstanding, a missing body when one
// is, or an undecodable R-APDU. The session is FAILED before this error is
// returned to the transport.
type ProtocolViolation struct {
	Reason string
}

func (e *ProtocolViolation) Error() string {
	return fmt.Sprintf("admin protocol violation: %s", e.Reason)
}

// Session is the server-side state of one card administration session.
// All mutable state is owned by a single goroutine started by the Manager;
// public methods hand closures to that goroutine over the ops channel, so
// callers never touch fields directly and no locking is needed.
type Session struct {
	id          string
	identity    string
	peerAddr    string
	cipherSuite string
	createdAt   time.Time
	timeouts    Timeouts

	bus     *event.Bus
	store   store.SessionStore
	metrics metrics.ServerMetrics
	onEnd   func()

	ops  chan func(*Session)
	done chan struct{}

	// Owned by the run loop. Never read or written from outside it.
	state        State
	lastActivity time.Time
	queue        []*queuedCommand
	outstanding  *queuedCommand
	history      []HistoryEntry
	sent         int
	received     int
	endedAt      time.Time
	endReason    string

	// final is written by finalize before done is closed, so reads that
	// observe the closed channel see the completed snapshot.
	final *Detail
}

func newSession(info ConnInfo, cfg Config) *Session {
	now := time.Now()
	return &Session{
		id:           uuid.Must(uuid.NewV7()).String(),
		identity:     info.Identity,
		peerAddr:     info.PeerAddr,
		cipherSuite:  info.CipherSuite,
		createdAt:    now,
		lastActivity: now,
		timeouts:     cfg.Timeouts,
		bus:          cfg.Bus,
		store:        cfg.Store,
		metrics:      cfg.Metrics,
		ops:          make(chan func(*Session), opBuffer),
		done:         make(chan struct{}),
		state:        StateHandshaking,
	}
}

// ID returns the session identifier. IDs are UUIDv7, so lexical order
// follows creation order.
func (s *Session) ID() string { return s.id }

// Identity returns the PSK identity the card authenticated with.
func (s *Session) Identity() string { return s.identity }

// PeerAddr returns the remote address of the underlying connection.
func (s *Session) PeerAddr() string { return s.peerAddr }

// CreatedAt returns when the session was accepted.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Done is closed once the session has reached a terminal state and its
// final snapshot is available.
func (s *Session) Done() <-chan struct{} { return s.done }

// run is the session task. It owns every mutable field until it returns.
func (s *Session) run() {
	s.begin()
	for !s.state.Terminal() {
		deadline, reason := s.nextDeadline()
		timer := time.NewTimer(time.Until(deadline))
		select {
		case op := <-s.ops:
			timer.Stop()
			op(s)
		case <-timer.C:
			s.expire(reason)
		}
	}
	s.finalize()
	close(s.done)
	if s.onEnd != nil {
		s.onEnd()
	}
}

func (s *Session) begin() {
	s.transition(StateConnected)
	s.persist()
	s.publish(event.TypeSessionStarted, event.SessionStarted{
		SessionID: s.id,
		Identity:  s.identity,
		PeerAddr:  s.peerAddr,
	})
	if s.metrics != nil {
		s.metrics.RecordSessionStart()
	}
	logger.Info("Session started",
		"session_id", s.id,
		"identity", s.identity,
		"peer_addr", s.peerAddr)
}

// nextDeadline computes when the session expires if no operation arrives,
// and the failure reason that applies. The session-lifetime cap overrides
// the per-state deadline when it comes first. CLOSING sessions get a short
// grace period for the transport to deliver 204 and close.
func (s *Session) nextDeadline() (time.Time, string) {
	if s.state == StateClosing {
		return s.lastActivity.Add(closingGrace), EndReasonNormal
	}

	var deadline time.Time
	var reason string
	if s.state == StateConnected {
		deadline = s.createdAt.Add(s.timeouts.Init)
		reason = EndReasonTimeoutInit
	} else {
		deadline = s.lastActivity.Add(s.timeouts.Idle)
		reason = EndReasonTimeoutActiveIdle
	}
	if limit := s.createdAt.Add(s.timeouts.Lifetime); limit.Before(deadline) {
		deadline = limit
		reason = EndReasonTimeoutSessionMax
	}
	return deadline, reason
}

func (s *Session) expire(reason string) {
	if s.state == StateClosing {
		s.end(StateClosed, EndReasonNormal)
		return
	}
	logger.Warn("Session timed out",
		"session_id", s.id,
		"state", s.state.String(),
		"reason", reason)
	s.end(StateFailed, reason)
}

// transition moves the state machine forward. An illegal transition is an
// internal error: it fails the session and shows up in the error counter.
func (s *Session) transition(to State) {
	if !canTransition(s.state, to) {
		logger.Error("Illegal session state transition",
			"session_id", s.id,
			"from", s.state.String(),
			"to", to.String())
		if s.metrics != nil {
			s.metrics.RecordInternalError("session")
		}
		s.state = StateFailed
		s.endedAt = time.Now()
		s.endReason = EndReasonInternal
		return
	}
	s.state = to
}

// end moves the session to a terminal state. It is idempotent: once
// terminal, later calls are ignored.
func (s *Session) end(to State, reason string) {
	if s.state.Terminal() {
		return
	}
	s.transition(to)
	if s.endReason == "" {
		s.endedAt = time.Now()
		s.endReason = reason
	}
}

// finalize runs exactly once, after the run loop observes a terminal state.
// It settles every unresolved command, writes the final session row, emits
// session_ended and caches the snapshot served after done closes.
func (s *Session) finalize() {
	if s.outstanding != nil {
		s.notifyError(s.outstanding.origin, ErrSessionEnded)
		s.outstanding = nil
	}
	for _, qc := range s.queue {
		s.notifyError(qc.origin, ErrSessionEnded)
	}
	s.queue = nil

	s.persist()

	duration := s.endedAt.Sub(s.createdAt)
	s.publish(event.TypeSessionEnded, event.SessionEnded{
		SessionID:  s.id,
		State:      s.state.String(),
		Reason:     s.endReason,
		DurationMS: float64(duration.Microseconds()) / 1000,
		Sent:       s.sent,
		Received:   s.received,
	})
	if s.metrics != nil {
		s.metrics.RecordSessionEnd(s.endReason, duration)
	}
	logger.Info("Session ended",
		"session_id", s.id,
		"state", s.state.String(),
		"reason", s.endReason,
		"sent", s.sent,
		"received", s.received)

	history := make([]HistoryEntry, len(s.history))
	copy(history, s.history)
	s.final = &Detail{Summary: s.summary(), History: history}
}

// pullReply is what one card pull produces: the next C-APDU body, a closing
// signal (reply 204 and tear down), or an error.
type pullReply struct {
	next    []byte
	closing bool
	err     error
}

// handlePull implements one round of the pull protocol: pair the carried
// response with the outstanding command, then either hand out the next
// queued command or signal closure.
func (s *Session) handlePull(body []byte) pullReply {
	now := time.Now()
	switch s.state {
	case StateConnected:
		s.transition(StateActive)
	case StateActive:
	default:
		return pullReply{err: ErrSessionClosed}
	}
	s.lastActivity = now

	if s.outstanding != nil {
		if len(body) == 0 {
			return s.violate("missing_response")
		}
		resp, err := apdu.DecodeResponse(body)
		if err != nil {
			logger.Warn("Undecodable R-APDU",
				"session_id", s.id,
				"error", err)
			s.end(StateFailed, EndReasonMalformedResponse)
			return pullReply{err: &ProtocolViolation{Reason: "malformed_response"}}
		}
		s.pair(now, resp, body)
		if s.state.Terminal() {
			return pullReply{err: ErrSessionClosed}
		}
	} else if len(body) > 0 {
		return s.violate("unexpected_response")
	}

	if len(s.queue) > 0 {
		return pullReply{next: s.dispatch(now)}
	}

	s.transition(StateClosing)
	return pullReply{closing: true}
}

func (s *Session) violate(reason string) pullReply {
	logger.Warn("Admin protocol violation",
		"session_id", s.id,
		"reason", reason)
	s.end(StateFailed, EndReasonProtocol)
	return pullReply{err: &ProtocolViolation{Reason: reason}}
}

// dispatch pops the queue head, marks it outstanding and records the send.
// It returns the encoded C-APDU for the transport to deliver.
func (s *Session) dispatch(now time.Time) []byte {
	qc := s.queue[0]
	s.queue = s.queue[1:]
	qc.sentAt = now
	if qc.origin != nil && qc.origin.firstSent.IsZero() {
		qc.origin.firstSent = now
	}
	s.outstanding = qc
	s.sent++

	hex := hexutil.Encode(qc.raw)
	seq := s.appendHistory(HistoryEntry{
		Direction: store.DirectionSent,
		Hex:       hex,
		T:         now,
	})
	s.persistAPDU(seq, store.DirectionSent, hex, "", now, 0)
	s.publish(event.TypeAPDUSent, event.APDUSent{
		SessionID: s.id,
		Seq:       seq,
		Hex:       hex,
	})
	if s.metrics != nil {
		s.metrics.RecordAPDU(store.DirectionSent)
	}
	return qc.raw
}

// pair matches an inbound R-APDU with the outstanding command, records it,
// and decides what happens next: a 61xx warning inserts GET RESPONSE at the
// queue head, a 6Cxx retries the same command with the corrected Le, and
// anything else resolves the originating logical command.
func (s *Session) pair(now time.Time, resp apdu.Response, raw []byte) {
	out := s.outstanding
	s.outstanding = nil
	s.received++

	sw := resp.SW()
	duration := now.Sub(out.sentAt)
	hex := hexutil.Encode(raw)
	swStr := apdu.FormatSW(sw)

	seq := s.appendHistory(HistoryEntry{
		Direction:  store.DirectionReceived,
		Hex:        hex,
		SW:         swStr,
		T:          now,
		DurationUS: duration.Microseconds(),
	})
	s.persistAPDU(seq, store.DirectionReceived, hex, swStr, now, duration)
	s.publish(event.TypeAPDUReceived, event.APDUReceived{
		SessionID:  s.id,
		Seq:        seq,
		Hex:        hex,
		SW:         swStr,
		Class:      apdu.Classify(sw).String(),
		DurationUS: duration.Microseconds(),
	})
	if s.metrics != nil {
		s.metrics.RecordAPDU(store.DirectionReceived)
		s.metrics.RecordAPDURoundtrip(duration)
	}

	if le, ok := apdu.MoreData(sw); ok {
		s.insertHead(apdu.GetResponse(le), out.origin)
		return
	}
	if le, ok := apdu.WrongLe(sw); ok {
		retry := out.cmd
		retry.Le = le
		s.insertHead(retry, out.origin)
		return
	}
	s.resolve(out.origin, resp, now)
}

// insertHead places a continuation command at the front of the queue so it
// is sent before anything enqueued later. The continuation inherits the
// origin of the command that provoked it.
func (s *Session) insertHead(cmd apdu.Command, o *origin) {
	raw, err := cmd.Encode()
	if err != nil {
		logger.Error("Failed to encode continuation APDU",
			"session_id", s.id,
			"error", err)
		if s.metrics != nil {
			s.metrics.RecordInternalError("session")
		}
		s.notifyError(o, ErrSessionEnded)
		s.end(StateFailed, EndReasonInternal)
		return
	}
	qc := &queuedCommand{cmd: cmd, raw: raw, origin: o}
	s.queue = append([]*queuedCommand{qc}, s.queue...)
}

// resolve completes a logical command: evaluates its expectation, delivers
// the Result, and applies the stop-on-error policy to the rest of its
// script.
func (s *Session) resolve(o *origin, resp apdu.Response, now time.Time) {
	if o == nil {
		return
	}
	var matched *bool
	if o.expect != nil {
		m := o.expect(resp.SW())
		matched = &m
	}
	s.deliver(o, Result{
		SessionID: s.id,
		ScriptID:  o.scriptID,
		Index:     o.index,
		Command:   o.cmd,
		Response:  resp,
		Duration:  now.Sub(o.firstSent),
		Matched:   matched,
	})

	if o.stopOnError && o.scriptID != "" {
		failed := apdu.Classify(resp.SW()) == apdu.SWClassError ||
			(matched != nil && !*matched)
		if failed {
			if n := s.dropScript(o.scriptID, ErrScriptAborted); n > 0 {
				logger.Info("Script aborted",
					"session_id", s.id,
					"script_id", o.scriptID,
					"sw", apdu.FormatSW(resp.SW()),
					"dropped", n)
			}
		}
	}
}

// deliver sends a Result without blocking the session task. A full notify
// channel drops the result; callers size the channel for the commands they
// submit.
func (s *Session) deliver(o *origin, res Result) {
	if o == nil || o.notify == nil {
		return
	}
	select {
	case o.notify <- res:
	default:
		logger.Warn("Result dropped, notify channel full",
			"session_id", s.id,
			"script_id", o.scriptID,
			"index", o.index)
	}
}

func (s *Session) notifyError(o *origin, err error) {
	if o == nil {
		return
	}
	s.deliver(o, Result{
		SessionID: s.id,
		ScriptID:  o.scriptID,
		Index:     o.index,
		Command:   o.cmd,
		Err:       err,
	})
}

// dropScript removes every queued command belonging to scriptID, settling
// each with cause. The outstanding command is never touched.
func (s *Session) dropScript(scriptID string, cause error) int {
	kept := s.queue[:0]
	removed := 0
	for _, qc := range s.queue {
		if qc.origin != nil && qc.origin.scriptID == scriptID {
			s.notifyError(qc.origin, cause)
			removed++
			continue
		}
		kept = append(kept, qc)
	}
	s.queue = kept
	return removed
}

func (s *Session) clearQueue() int {
	removed := len(s.queue)
	for _, qc := range s.queue {
		s.notifyError(qc.origin, ErrDropped)
	}
	s.queue = nil
	return removed
}

// enqueue validates and appends a batch of commands atomically. It returns
// the 1-based queue position the first command landed at.
func (s *Session) enqueue(cmds []Command, opts EnqueueOptions) (int, error) {
	if s.state == StateClosing || s.state.Terminal() {
		return 0, ErrSessionClosed
	}
	queued := make([]*queuedCommand, len(cmds))
	for i, c := range cmds {
		raw, err := c.APDU.Encode()
		if err != nil {
			return 0, fmt.Errorf("command %d: %w", i, err)
		}
		queued[i] = &queuedCommand{
			cmd: c.APDU,
			raw: raw,
			origin: &origin{
				scriptID:    opts.ScriptID,
				index:       i,
				cmd:         c.APDU,
				expect:      c.Expect,
				stopOnError: opts.StopOnError,
				notify:      opts.Notify,
			},
		}
	}
	pos := len(s.queue) + 1
	s.queue = append(s.queue, queued...)
	return pos, nil
}

func (s *Session) summary() Summary {
	sum := Summary{
		ID:             s.id,
		PSKIdentity:    s.identity,
		PeerAddr:       s.peerAddr,
		CipherSuite:    s.cipherSuite,
		State:          s.state.String(),
		CreatedAt:      s.createdAt,
		LastActivityAt: s.lastActivity,
		QueueLen:       len(s.queue),
		Outstanding:    s.outstanding != nil,
		Sent:           s.sent,
		Received:       s.received,
	}
	if !s.endedAt.IsZero() {
		t := s.endedAt
		sum.EndedAt = &t
		sum.EndReason = s.endReason
	}
	return sum
}

func (s *Session) appendHistory(e HistoryEntry) int {
	e.Seq = len(s.history) + 1
	s.history = append(s.history, e)
	return e.Seq
}

func (s *Session) persist() {
	if s.store == nil {
		return
	}
	rec := &store.SessionRecord{
		ID:          s.id,
		PSKIdentity: s.identity,
		PeerAddr:    s.peerAddr,
		CipherSuite: s.cipherSuite,
		State:       s.state.String(),
		CreatedAt:   s.createdAt,
		Sent:        s.sent,
		Received:    s.received,
	}
	if !s.endedAt.IsZero() {
		t := s.endedAt
		rec.EndedAt = &t
		rec.EndReason = s.endReason
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := s.store.RecordSession(ctx, rec); err != nil {
		logger.Warn("Failed to persist session",
			"session_id", s.id,
			"error", err)
		if s.metrics != nil {
			s.metrics.RecordInternalError("store")
		}
	}
}

func (s *Session) persistAPDU(seq int, direction, hex, sw string, t time.Time, d time.Duration) {
	if s.store == nil {
		return
	}
	rec := &store.APDURecord{
		SessionID:  s.id,
		Seq:        seq,
		Direction:  direction,
		Hex:        hex,
		SW:         sw,
		T:          t,
		DurationUS: d.Microseconds(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := s.store.AppendAPDU(ctx, rec); err != nil {
		logger.Warn("Failed to persist APDU",
			"session_id", s.id,
			"seq", seq,
			"error", err)
		if s.metrics != nil {
			s.metrics.RecordInternalError("store")
		}
	}
}

func (s *Session) publish(typ event.Type, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(typ, payload)
}

// post hands an operation to the session task. It fails with
// ErrSessionClosed once the task has exited.
func (s *Session) post(ctx context.Context, op func(*Session)) error {
	select {
	case s.ops <- op:
		return nil
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call posts an operation and waits for its reply. If the session ends
// after the operation was queued but before it ran, the caller gets
// ErrSessionClosed rather than blocking forever.
func call[T any](ctx context.Context, s *Session, fn func(*Session) T) (T, error) {
	var zero T
	ch := make(chan T, 1)
	if err := s.post(ctx, func(s *Session) { ch <- fn(s) }); err != nil {
		return zero, err
	}
	select {
	case v := <-ch:
		return v, nil
	case <-s.done:
		// The op may have run just before the task exited.
		select {
		case v := <-ch:
			return v, nil
		default:
			return zero, ErrSessionClosed
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// HandleRequest processes one pull from the card. body is the request body
// carried by the POST, empty on the very first pull. It returns the next
// encoded C-APDU, or closing=true when the queue is drained and the
// transport must answer 204 No Content and close the connection.
func (s *Session) HandleRequest(ctx context.Context, body []byte) (next []byte, closing bool, err error) {
	r, err := call(ctx, s, func(s *Session) pullReply { return s.handlePull(body) })
	if err != nil {
		return nil, false, err
	}
	return r.next, r.closing, r.err
}

// Enqueue appends commands to the session queue and returns the 1-based
// position of the first one. Results are delivered to opts.Notify as each
// logical command resolves; the channel must be buffered for at least
// len(cmds) results or deliveries may be dropped.
func (s *Session) Enqueue(ctx context.Context, cmds []Command, opts EnqueueOptions) (int, error) {
	if len(cmds) == 0 {
		return 0, errors.New("no commands to enqueue")
	}
	type reply struct {
		pos int
		err error
	}
	r, err := call(ctx, s, func(s *Session) reply {
		pos, err := s.enqueue(cmds, opts)
		return reply{pos, err}
	})
	if err != nil {
		return 0, err
	}
	return r.pos, r.err
}

// ClearQueue drops every queued command, settling each with ErrDropped.
// The outstanding command, if any, stays in flight. Returns how many
// commands were dropped.
func (s *Session) ClearQueue(ctx context.Context) (int, error) {
	return call(ctx, s, func(s *Session) int { return s.clearQueue() })
}

// CancelScript drops the queued commands of one script, settling each with
// ErrDropped. The outstanding command is left to complete.
func (s *Session) CancelScript(ctx context.Context, scriptID string) (int, error) {
	if scriptID == "" {
		return 0, errors.New("script id is required")
	}
	return call(ctx, s, func(s *Session) int { return s.dropScript(scriptID, ErrDropped) })
}

// Snapshot returns the current session summary. After the session ends it
// serves the cached final state.
func (s *Session) Snapshot(ctx context.Context) (Summary, error) {
	if d, ok := s.finalSnapshot(); ok {
		return d.Summary, nil
	}
	sum, err := call(ctx, s, func(s *Session) Summary { return s.summary() })
	if err != nil {
		if d, ok := s.finalSnapshot(); ok && errors.Is(err, ErrSessionClosed) {
			return d.Summary, nil
		}
		return Summary{}, err
	}
	return sum, nil
}

// Inspect returns the summary plus the full APDU exchange history.
func (s *Session) Inspect(ctx context.Context) (Detail, error) {
	if d, ok := s.finalSnapshot(); ok {
		return *d, nil
	}
	det, err := call(ctx, s, func(s *Session) Detail {
		history := make([]HistoryEntry, len(s.history))
		copy(history, s.history)
		return Detail{Summary: s.summary(), History: history}
	})
	if err != nil {
		if d, ok := s.finalSnapshot(); ok && errors.Is(err, ErrSessionClosed) {
			return *d, nil
		}
		return Detail{}, err
	}
	return det, nil
}

func (s *Session) finalSnapshot() (*Detail, bool) {
	select {
	case <-s.done:
		return s.final, s.final != nil
	default:
		return nil, false
	}
}

// End asks the session to close with the given reason. It returns without
// waiting; finalization happens on the session task. Safe to call at any
// time, including after the session ended.
func (s *Session) End(reason string) {
	select {
	case s.ops <- func(s *Session) { s.end(StateClosed, reason) }:
	case <-s.done:
	}
}

// Fail marks the session FAILED with the given reason. Like End, it does
// not wait for finalization.
func (s *Session) Fail(reason string) {
	select {
	case s.ops <- func(s *Session) { s.end(StateFailed, reason) }:
	case <-s.done:
	}
}
