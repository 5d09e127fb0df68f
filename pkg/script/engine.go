package script

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cardbench/scp81/internal/hexutil"
	"github.com/cardbench/scp81/internal/logger"
	"github.com/cardbench/scp81/internal/telemetry"
	"github.com/cardbench/scp81/pkg/apdu"
	"github.com/cardbench/scp81/pkg/metrics"
	"github.com/cardbench/scp81/pkg/session"
)

var (
	// ErrSessionNotFound is returned when the target session is not live.
	ErrSessionNotFound = errors.New("session not found")

	// ErrRunNotFound is returned for an unknown script run id.
	ErrRunNotFound = errors.New("script run not found")
)

// Engine binds scripts to sessions and tracks their runs. It only mutates
// sessions through their queue operations; command delivery stays with the
// session task.
type Engine struct {
	manager *session.Manager
	metrics metrics.ServerMetrics

	mu   sync.RWMutex
	runs map[string]*run

	wg sync.WaitGroup
}

// run pairs a Result with the goroutine filling it in.
type run struct {
	mu     sync.Mutex
	result Result
	done   chan struct{}
}

// NewEngine returns an Engine feeding sessions owned by manager. met may
// be nil.
func NewEngine(manager *session.Manager, met metrics.ServerMetrics) *Engine {
	return &Engine{
		manager: manager,
		metrics: met,
		runs:    make(map[string]*run),
	}
}

// Enqueue validates sc, appends its commands to the session queue and
// returns the run id. Results accumulate asynchronously; Status and Await
// expose them.
func (e *Engine) Enqueue(ctx context.Context, sessionID string, sc Script) (string, error) {
	cmds, expects, err := compile(sc)
	if err != nil {
		return "", err
	}
	sess, ok := e.manager.Get(sessionID)
	if !ok {
		return "", ErrSessionNotFound
	}

	id := uuid.Must(uuid.NewV7()).String()
	outcomes := make([]Outcome, len(cmds))
	queued := make([]session.Command, len(cmds))
	for i := range cmds {
		raw, err := cmds[i].Encode()
		if err != nil {
			return "", err
		}
		outcomes[i] = Outcome{Index: i, Command: hexutil.Encode(raw)}
		queued[i] = session.Command{APDU: cmds[i], Expect: expects[i]}
	}

	// Sized so the session can always deliver without dropping.
	notify := make(chan session.Result, len(cmds))

	sctx, span := telemetry.StartScriptSpan(ctx, id, sessionID,
		telemetry.StopOnError(sc.StopOnError))

	r := &run{
		result: Result{
			ID:          id,
			Name:        sc.Name,
			SessionID:   sessionID,
			Status:      StatusRunning,
			StopOnError: sc.StopOnError,
			QueuedAt:    time.Now(),
			Outcomes:    outcomes,
		},
		done: make(chan struct{}),
	}
	e.mu.Lock()
	e.runs[id] = r
	e.mu.Unlock()

	if _, err := sess.Enqueue(ctx, queued, session.EnqueueOptions{
		ScriptID:    id,
		StopOnError: sc.StopOnError,
		Notify:      notify,
	}); err != nil {
		e.mu.Lock()
		delete(e.runs, id)
		e.mu.Unlock()
		telemetry.RecordError(sctx, err)
		span.End()
		return "", err
	}

	logger.Info("Script enqueued",
		"script_id", id,
		"session_id", sessionID,
		"name", sc.Name,
		"commands", len(cmds))

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.collect(r, notify, len(cmds))
		r.mu.Lock()
		status := r.result.Status
		r.mu.Unlock()
		span.SetAttributes(telemetry.ScriptStatus(string(status)))
		span.End()
	}()
	return id, nil
}

// collect waits for one result per command. The session guarantees exactly
// one Result per enqueued command, including when it ends, so this loop
// always terminates. Session death outranks an abort, which outranks a
// cancel, when folding per-command errors into the run status.
func (e *Engine) collect(r *run, notify <-chan session.Result, n int) {
	status := StatusCompleted
	for i := 0; i < n; i++ {
		res := <-notify
		switch {
		case res.Err == nil:
		case errors.Is(res.Err, session.ErrScriptAborted):
			if status != StatusFailed {
				status = StatusAborted
			}
		case errors.Is(res.Err, session.ErrDropped):
			if status == StatusCompleted {
				status = StatusCancelled
			}
		default:
			status = StatusFailed
		}

		r.mu.Lock()
		if res.Index >= 0 && res.Index < len(r.result.Outcomes) {
			out := &r.result.Outcomes[res.Index]
			if res.Err != nil {
				out.Error = res.Err.Error()
			} else {
				out.Response = hexutil.Encode(res.Response.Encode())
				out.SW = apdu.FormatSW(res.Response.SW())
				out.Matched = res.Matched
				out.DurationUS = res.Duration.Microseconds()
			}
		}
		r.mu.Unlock()
	}

	r.mu.Lock()
	now := time.Now()
	r.result.Status = status
	r.result.EndedAt = &now
	id, sessionID := r.result.ID, r.result.SessionID
	r.mu.Unlock()
	close(r.done)

	if e.metrics != nil {
		e.metrics.RecordScript(string(status))
	}
	logger.Info("Script finished",
		"script_id", id,
		"session_id", sessionID,
		"status", string(status))
}

// Cancel drains the run's queued commands from its session. The
// outstanding command, if it belongs to this run, is left to resolve.
// Returns how many commands were dropped.
func (e *Engine) Cancel(ctx context.Context, runID string) (int, error) {
	r, err := e.get(runID)
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	sessionID := r.result.SessionID
	running := r.result.Status == StatusRunning
	r.mu.Unlock()
	if !running {
		return 0, nil
	}
	sess, ok := e.manager.Get(sessionID)
	if !ok {
		// Session already gone; the collector settles the run.
		return 0, nil
	}
	removed, err := sess.CancelScript(ctx, runID)
	if err != nil {
		if errors.Is(err, session.ErrSessionClosed) {
			return 0, nil
		}
		return 0, err
	}
	if removed > 0 {
		logger.Info("Script cancelled",
			"script_id", runID,
			"dropped", removed)
	}
	return removed, nil
}

// Status returns a snapshot of one run.
func (e *Engine) Status(runID string) (Result, error) {
	r, err := e.get(runID)
	if err != nil {
		return Result{}, err
	}
	return r.snapshot(), nil
}

// Await blocks until the run finishes and returns its final result.
func (e *Engine) Await(ctx context.Context, runID string) (Result, error) {
	r, err := e.get(runID)
	if err != nil {
		return Result{}, err
	}
	select {
	case <-r.done:
		return r.snapshot(), nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Runs returns snapshots of every known run, newest first.
func (e *Engine) Runs() []Result {
	e.mu.RLock()
	runs := make([]*run, 0, len(e.runs))
	for _, r := range e.runs {
		runs = append(runs, r)
	}
	e.mu.RUnlock()

	out := make([]Result, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].QueuedAt.Equal(out[j].QueuedAt) {
			return out[i].QueuedAt.After(out[j].QueuedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Shutdown waits for every collector to settle, bounded by ctx. Sessions
// must be shut down first or collectors may still be waiting on results.
func (e *Engine) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) get(runID string) (*run, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	return r, nil
}

func (r *run) snapshot() Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.result
	out.Outcomes = make([]Outcome, len(r.result.Outcomes))
	copy(out.Outcomes, r.result.Outcomes)
	if r.result.EndedAt != nil {
		t := *r.result.EndedAt
		out.EndedAt = &t
	}
	return out
}

