package handlers

import (
	"net/http"
	"strconv"

	"github.com/cardbench/scp81/pkg/event"
)

// EventsHandler serves the recent-events catch-up endpoint backed by the
// in-memory ring. WebSocket clients call it after (re)connecting to close
// the gap to their last seen sequence number.
type EventsHandler struct {
	ring *event.Ring
}

// NewEventsHandler creates a new EventsHandler.
func NewEventsHandler(ring *event.Ring) *EventsHandler {
	return &EventsHandler{ring: ring}
}

// EventsResponse is the response body for GET /api/events.
type EventsResponse struct {
	Events  []event.Event `json:"events"`
	LastSeq uint64        `json:"last_seq"`
}

// Recent handles GET /api/events.
// Returns retained events with sequence numbers above ?since (default 0),
// oldest first. LastSeq echoes the highest returned sequence number, or
// the since value when nothing newer is retained.
func (h *EventsHandler) Recent(w http.ResponseWriter, r *http.Request) {
	var since uint64
	if raw := r.URL.Query().Get("since"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			BadRequest(w, "since must be a non-negative integer")
			return
		}
		since = n
	}

	events := h.ring.Since(since)
	last := since
	if len(events) > 0 {
		last = events[len(events)-1].Seq
	}
	if events == nil {
		events = []event.Event{}
	}
	WriteJSONOK(w, EventsResponse{Events: events, LastSeq: last})
}
