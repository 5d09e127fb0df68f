package handlers

import (
	"net/http"
)

// AdminStatus describes the PSK-TLS admin listener as exposed over
// GET /api/server/status.
type AdminStatus struct {
	Running        bool   `json:"running"`
	Host           string `json:"host"`
	Port           int    `json:"port"`
	ActiveSessions int    `json:"active_sessions"`
	TotalSessions  uint64 `json:"total_sessions"`
}

// StatusFunc reports the current state of the admin listener. The facade
// stays decoupled from the listener lifecycle by asking on every request.
type StatusFunc func() AdminStatus

// ServerStatusHandler handles admin listener status endpoints.
type ServerStatusHandler struct {
	status StatusFunc
}

// NewServerStatusHandler creates a new ServerStatusHandler.
func NewServerStatusHandler(status StatusFunc) *ServerStatusHandler {
	return &ServerStatusHandler{status: status}
}

// Get handles GET /api/server/status.
func (h *ServerStatusHandler) Get(w http.ResponseWriter, r *http.Request) {
	if h.status == nil {
		InternalServerError(w, "Admin server status not available")
		return
	}
	WriteJSONOK(w, h.status())
}
