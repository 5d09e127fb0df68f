package handlers

import (
	"errors"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/cardbench/scp81/internal/hexutil"
	"github.com/cardbench/scp81/pkg/apdu"
	"github.com/cardbench/scp81/pkg/script"
	"github.com/cardbench/scp81/pkg/session"
	"github.com/cardbench/scp81/pkg/store"
)

// defaultListLimit caps GET /api/sessions responses when no explicit
// limit is given.
const defaultListLimit = 100

// SessionHandler handles session inspection and queue management endpoints.
type SessionHandler struct {
	manager *session.Manager
	store   store.SessionStore
}

// NewSessionHandler creates a new SessionHandler.
//
// The store parameter may be nil, in which case ended sessions are not
// served and listings cover live sessions only.
func NewSessionHandler(manager *session.Manager, st store.SessionStore) *SessionHandler {
	return &SessionHandler{manager: manager, store: st}
}

// List handles GET /api/sessions.
//
// Live sessions are merged with persisted ones; when both exist for an id
// the live summary wins. Results are newest first, capped by ?limit
// (default 100) and optionally filtered by ?identity.
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	identity := r.URL.Query().Get("identity")
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			BadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}

	live, err := h.manager.List(r.Context())
	if err != nil {
		InternalServerError(w, "Failed to list sessions")
		return
	}

	seen := make(map[string]struct{}, len(live))
	out := make([]session.Summary, 0, len(live))
	for _, sum := range live {
		if identity != "" && sum.PSKIdentity != identity {
			continue
		}
		seen[sum.ID] = struct{}{}
		out = append(out, sum)
	}

	if h.store != nil {
		recs, err := h.store.LoadSessions(r.Context(), store.LoadOptions{Identity: identity, Limit: limit})
		if err != nil {
			InternalServerError(w, "Failed to load session history")
			return
		}
		for _, rec := range recs {
			if _, ok := seen[rec.ID]; ok {
				continue
			}
			out = append(out, recordToSummary(rec))
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}

	WriteJSONOK(w, out)
}

// Get handles GET /api/sessions/{id}.
//
// Live sessions answer from the session task; ended sessions are served
// from the store, history included.
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		BadRequest(w, "Session id is required")
		return
	}

	if s, ok := h.manager.Get(id); ok {
		detail, err := s.Inspect(r.Context())
		if err == nil {
			WriteJSONOK(w, detail)
			return
		}
		if !errors.Is(err, session.ErrSessionClosed) {
			InternalServerError(w, "Failed to inspect session")
			return
		}
		// Ended between lookup and inspect; the store has the final rows.
	}

	if h.store == nil {
		NotFound(w, "Session not found")
		return
	}

	rec, err := h.store.GetSession(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			NotFound(w, "Session not found")
			return
		}
		InternalServerError(w, "Failed to load session")
		return
	}

	rows, err := h.store.LoadAPDUs(r.Context(), id)
	if err != nil && !errors.Is(err, store.ErrSessionNotFound) {
		InternalServerError(w, "Failed to load session history")
		return
	}

	detail := session.Detail{Summary: recordToSummary(rec)}
	detail.History = make([]session.HistoryEntry, 0, len(rows))
	for _, row := range rows {
		detail.History = append(detail.History, session.HistoryEntry{
			Seq:        row.Seq,
			Direction:  row.Direction,
			Hex:        row.Hex,
			SW:         row.SW,
			T:          row.T,
			DurationUS: row.DurationUS,
		})
	}
	WriteJSONOK(w, detail)
}

// EnqueueAPDURequest is the request body for POST /api/sessions/{id}/apdus.
//
// Expect optionally names a status word pattern ("9000", "61xx") the
// response must match; mismatches are reported in the command result and,
// for scripted commands, stop the script.
type EnqueueAPDURequest struct {
	Hex    string `json:"hex"`
	Expect string `json:"expect,omitempty"`
}

// EnqueueAPDUResponse is the response body for POST /api/sessions/{id}/apdus.
type EnqueueAPDUResponse struct {
	QueuedPosition int `json:"queued_position"`
}

// EnqueueAPDU handles POST /api/sessions/{id}/apdus.
// Queues a single command APDU on a live session.
func (h *SessionHandler) EnqueueAPDU(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		BadRequest(w, "Session id is required")
		return
	}

	var req EnqueueAPDURequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.Hex == "" {
		BadRequest(w, "hex is required")
		return
	}

	raw, err := hexutil.Decode(req.Hex)
	if err != nil {
		BadRequest(w, "Invalid APDU: "+err.Error())
		return
	}
	cmd, err := apdu.DecodeCommand(raw)
	if err != nil {
		BadRequest(w, "Invalid APDU: "+err.Error())
		return
	}

	var expect func(uint16) bool
	if req.Expect != "" {
		expect, err = script.ParseSWPattern(req.Expect)
		if err != nil {
			BadRequest(w, "Invalid expect pattern: "+err.Error())
			return
		}
	}

	s, ok := h.manager.Get(id)
	if !ok {
		h.liveOnly(w, r, id)
		return
	}

	pos, err := s.Enqueue(r.Context(), []session.Command{{APDU: cmd, Expect: expect}}, session.EnqueueOptions{})
	if err != nil {
		if errors.Is(err, session.ErrSessionClosed) {
			Conflict(w, "Session is closing or has ended")
			return
		}
		InternalServerError(w, "Failed to enqueue APDU")
		return
	}

	WriteJSONCreated(w, EnqueueAPDUResponse{QueuedPosition: pos})
}

// ClearQueueResponse is the response body for DELETE /api/sessions/{id}/apdus.
type ClearQueueResponse struct {
	Dropped int `json:"dropped"`
}

// ClearQueue handles DELETE /api/sessions/{id}/apdus.
// Drops all pending commands; the outstanding command is not cancelled.
func (h *SessionHandler) ClearQueue(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		BadRequest(w, "Session id is required")
		return
	}

	s, ok := h.manager.Get(id)
	if !ok {
		h.liveOnly(w, r, id)
		return
	}

	dropped, err := s.ClearQueue(r.Context())
	if err != nil {
		if errors.Is(err, session.ErrSessionClosed) {
			Conflict(w, "Session is closing or has ended")
			return
		}
		InternalServerError(w, "Failed to clear queue")
		return
	}

	WriteJSONOK(w, ClearQueueResponse{Dropped: dropped})
}

// liveOnly reports the right error for an operation that needs a live
// session: 409 when the session existed but ended, 404 when it never did.
func (h *SessionHandler) liveOnly(w http.ResponseWriter, r *http.Request, id string) {
	if h.store != nil {
		if _, err := h.store.GetSession(r.Context(), id); err == nil {
			Conflict(w, "Session has ended")
			return
		}
	}
	NotFound(w, "Session not found")
}

// recordToSummary converts a persisted session row into the live summary
// shape so listings stay uniform. Ended sessions have no queue and no
// outstanding command; last activity collapses to the end time.
func recordToSummary(rec *store.SessionRecord) session.Summary {
	sum := session.Summary{
		ID:             rec.ID,
		PSKIdentity:    rec.PSKIdentity,
		PeerAddr:       rec.PeerAddr,
		CipherSuite:    rec.CipherSuite,
		State:          rec.State,
		CreatedAt:      rec.CreatedAt,
		LastActivityAt: rec.CreatedAt,
		Sent:           rec.Sent,
		Received:       rec.Received,
		EndedAt:        rec.EndedAt,
		EndReason:      rec.EndReason,
	}
	if rec.EndedAt != nil {
		sum.LastActivityAt = *rec.EndedAt
	}
	return sum
}
