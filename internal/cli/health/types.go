// Package health provides shared types for facade health responses.
package health

import "time"

const (
	// StatusHealthy is reported when the probe passed.
	StatusHealthy = "healthy"
	// StatusUnhealthy is reported when the probe failed.
	StatusUnhealthy = "unhealthy"
)

// Response represents the facade health envelope returned by
// GET /health and GET /health/ready.
type Response struct {
	Status    string         `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Healthy returns true if the probe passed.
func (r *Response) Healthy() bool {
	return r.Status == StatusHealthy
}
