package handlers

import (
	"net/http"
)

// HealthHandler handles health check endpoints.
//
// Health endpoints are unauthenticated and provide:
//   - Liveness probe: Is the facade process running?
//   - Readiness probe: Is the admin listener accepting card connections?
type HealthHandler struct {
	status StatusFunc
}

// NewHealthHandler creates a new health handler.
//
// The status parameter may be nil, in which case the readiness check
// reports unhealthy.
func NewHealthHandler(status StatusFunc) *HealthHandler {
	return &HealthHandler{status: status}
}

// Liveness handles GET /health - simple liveness probe.
//
// Returns 200 OK if the facade process is running. This endpoint should
// always succeed as long as the HTTP server is responsive.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, healthyResponse(map[string]string{
		"service": "scp81-admin",
	}))
}

// Readiness handles GET /health/ready - readiness probe.
//
// Returns 200 OK if the admin listener is accepting card connections,
// 503 Service Unavailable otherwise.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	if h.status == nil {
		WriteJSON(w, http.StatusServiceUnavailable, unhealthyResponse("admin listener status not available"))
		return
	}

	st := h.status()
	if !st.Running {
		WriteJSON(w, http.StatusServiceUnavailable, unhealthyResponse("admin listener not running"))
		return
	}

	WriteJSON(w, http.StatusOK, healthyResponse(map[string]any{
		"active_sessions": st.ActiveSessions,
		"total_sessions":  st.TotalSessions,
	}))
}
