package metrics

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cardbench/scp81/internal/logger"
)

// Server exposes the Prometheus scrape endpoint on its own port. The REST
// facade binds loopback by default, so external scrapers get a dedicated
// listener on all interfaces instead.
type Server struct {
	server       *http.Server
	port         int
	listener     net.Listener
	shutdownOnce sync.Once
}

// NewServer creates the metrics HTTP server serving GET /metrics from the
// process-wide registry. Call InitRegistry first or the endpoint serves 404.
func NewServer(port int) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	return &Server{
		server: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		port: port,
	}
}

// Listen binds the metrics port. It is split out from Start so callers can
// surface bind failures before the serve loop begins; Start calls it when
// the caller has not.
func (s *Server) Listen() error {
	if s.listener != nil {
		return nil
	}
	addr := net.JoinHostPort("", strconv.Itoa(s.port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics: bind %s: %w", addr, err)
	}
	s.listener = ln
	return nil
}

// Addr returns the bound listen address, or the configured address when the
// listener is not yet bound.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return net.JoinHostPort("", strconv.Itoa(s.port))
}

// Start runs the scrape endpoint and blocks until the context is cancelled
// or the server fails.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("Metrics server listening", "addr", s.Addr())

		if err := s.server.Serve(s.listener); err != nil && err != http.ErrServerClosed {
			select {
			case errChan <- err:
			default:
			}
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("metrics server failed: %w", err)
	}
}

// Stop initiates graceful shutdown. Safe to call more than once.
func (s *Server) Stop(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("metrics server shutdown error: %w", err)
		}

		// Shutdown only closes listeners that reached Serve; release the
		// bound port when Start never ran.
		if s.listener != nil {
			_ = s.listener.Close()
		}
	})
	return shutdownErr
}
