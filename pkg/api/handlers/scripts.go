package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cardbench/scp81/pkg/script"
	"github.com/cardbench/scp81/pkg/session"
)

// ScriptHandler handles script submission and run inspection endpoints.
type ScriptHandler struct {
	engine *script.Engine
}

// NewScriptHandler creates a new ScriptHandler.
func NewScriptHandler(engine *script.Engine) *ScriptHandler {
	return &ScriptHandler{engine: engine}
}

// Execute handles POST /api/sessions/{id}/scripts.
// Queues a whole script on a live session and returns the run, initially
// in running state. Poll GET /api/scripts/{run_id} for the outcome.
func (h *ScriptHandler) Execute(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		BadRequest(w, "Session id is required")
		return
	}

	var sc script.Script
	if !decodeJSONBody(w, r, &sc) {
		return
	}

	runID, err := h.engine.Enqueue(r.Context(), id, sc)
	if err != nil {
		switch {
		case errors.Is(err, script.ErrSessionNotFound):
			NotFound(w, "Session not found")
		case errors.Is(err, session.ErrSessionClosed):
			Conflict(w, "Session is closing or has ended")
		default:
			BadRequest(w, "Invalid script: "+err.Error())
		}
		return
	}

	result, err := h.engine.Status(runID)
	if err != nil {
		InternalServerError(w, "Failed to load script run")
		return
	}
	WriteJSONCreated(w, result)
}

// List handles GET /api/scripts.
// Lists all script runs of this process, newest first.
func (h *ScriptHandler) List(w http.ResponseWriter, r *http.Request) {
	WriteJSONOK(w, h.engine.Runs())
}

// Get handles GET /api/scripts/{id}.
func (h *ScriptHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		BadRequest(w, "Run id is required")
		return
	}

	result, err := h.engine.Status(id)
	if err != nil {
		if errors.Is(err, script.ErrRunNotFound) {
			NotFound(w, "Script run not found")
			return
		}
		InternalServerError(w, "Failed to load script run")
		return
	}
	WriteJSONOK(w, result)
}

// CancelScriptResponse is the response body for DELETE /api/scripts/{id}.
type CancelScriptResponse struct {
	Dropped int `json:"dropped"`
}

// Cancel handles DELETE /api/scripts/{id}.
// Drops the run's queued commands; an already dispatched command still
// resolves. Cancelling a finished run is a no-op.
func (h *ScriptHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		BadRequest(w, "Run id is required")
		return
	}

	dropped, err := h.engine.Cancel(r.Context(), id)
	if err != nil {
		if errors.Is(err, script.ErrRunNotFound) {
			NotFound(w, "Script run not found")
			return
		}
		InternalServerError(w, "Failed to cancel script run")
		return
	}
	WriteJSONOK(w, CancelScriptResponse{Dropped: dropped})
}
