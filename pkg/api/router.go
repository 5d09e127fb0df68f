package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/cardbench/scp81/internal/logger"
	"github.com/cardbench/scp81/pkg/api/handlers"
	"github.com/cardbench/scp81/pkg/event"
	"github.com/cardbench/scp81/pkg/script"
	"github.com/cardbench/scp81/pkg/session"
	"github.com/cardbench/scp81/pkg/store"
)

// Deps wires the facade to the rest of the bench.
type Deps struct {
	// Manager owns the live sessions.
	Manager *session.Manager

	// Engine runs scripts against live sessions.
	Engine *script.Engine

	// Bus feeds the WebSocket event stream.
	Bus *event.Bus

	// Ring backs GET /api/events catch-up reads.
	Ring *event.Ring

	// Store serves ended sessions. May be nil when persistence is
	// disabled; listings then cover live sessions only.
	Store store.SessionStore

	// Status reports the admin listener state for the status endpoint and
	// the readiness probe. May be nil.
	Status handlers.StatusFunc

	// Metrics, when non-nil, is mounted at GET /metrics.
	Metrics http.Handler
}

// NewRouter creates and configures the chi router with all middleware and routes.
//
// The router is configured with:
//   - Request ID middleware for request tracking
//   - Real IP extraction for proper client identification
//   - Custom request logging using the internal logger
//   - Panic recovery to prevent server crashes
//   - Request timeout on the /api group (the WebSocket stream is exempt)
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	// Middleware stack - order matters
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	healthHandler := handlers.NewHealthHandler(deps.Status)
	sessionHandler := handlers.NewSessionHandler(deps.Manager, deps.Store)
	scriptHandler := handlers.NewScriptHandler(deps.Engine)
	eventsHandler := handlers.NewEventsHandler(deps.Ring)
	statusHandler := handlers.NewServerStatusHandler(deps.Status)
	wsHandler := handlers.NewWSHandler(deps.Bus)

	// Health routes - unauthenticated
	r.Route("/health", func(r chi.Router) {
		r.Get("/", healthHandler.Liveness)
		r.Get("/ready", healthHandler.Readiness)
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", sessionHandler.List)
			r.Get("/{id}", sessionHandler.Get)
			r.Post("/{id}/apdus", sessionHandler.EnqueueAPDU)
			r.Delete("/{id}/apdus", sessionHandler.ClearQueue)
			r.Post("/{id}/scripts", scriptHandler.Execute)
		})

		r.Route("/scripts", func(r chi.Router) {
			r.Get("/", scriptHandler.List)
			r.Get("/{id}", scriptHandler.Get)
			r.Delete("/{id}", scriptHandler.Cancel)
		})

		r.Get("/events", eventsHandler.Recent)
		r.Get("/server/status", statusHandler.Get)
	})

	// The event stream holds its connection open for the client's lifetime,
	// so it lives outside the /api timeout group.
	r.Get("/ws", wsHandler.Stream)

	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	// Root redirect to health for convenience
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/health", http.StatusTemporaryRedirect)
	})

	return r
}

// requestLogger is a custom middleware that logs requests using the internal logger.
//
// It logs:
//   - Request start (DEBUG level): method, path, remote addr
//   - Request completion (INFO level): method, path, status, duration
//
// Probe and scrape paths complete at DEBUG so dashboards polling /health
// and /metrics do not flood the log.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := middleware.GetReqID(r.Context())

		logger.Debug("API request started",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
		)

		// Wrap response writer to capture status code
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		duration := time.Since(start)

		logFn := logger.Info
		if isProbePath(r.URL.Path) {
			logFn = logger.Debug
		}
		logFn("API request completed",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", duration.String(),
		)
	})
}

func isProbePath(path string) bool {
	return path == "/metrics" || path == "/health" || strings.HasPrefix(path, "/health/")
}
