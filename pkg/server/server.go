// Package server runs the SCP81 admin listener: it accepts TCP connections,
// performs the PSK-TLS handshake, creates a session per authenticated card
// and drives the HTTP admin pull loop over the session manager.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cardbench/scp81/internal/logger"
	"github.com/cardbench/scp81/pkg/event"
	"github.com/cardbench/scp81/pkg/keystore"
	"github.com/cardbench/scp81/pkg/metrics"
	"github.com/cardbench/scp81/pkg/psktls"
	"github.com/cardbench/scp81/pkg/session"
)

// Deps wires the server's collaborators. Manager and Keys are required;
// Bus and Metrics may be nil, disabling event publication and metrics
// respectively.
type Deps struct {
	Manager *session.Manager
	Keys    keystore.KeyStore
	Bus     *event.Bus
	Metrics metrics.ServerMetrics
}

// Server is the PSK-TLS admin listener. Create one with New, bind with
// Listen (optional, Start binds too) and run with Start.
type Server struct {
	cfg     Config
	manager *session.Manager
	bus     *event.Bus
	metrics metrics.ServerMetrics

	tlsConfig *psktls.Config
	suites    []uint16
	guard     *psktls.FloodGuard
	failures  *failureRate

	listener net.Listener
	ready    chan struct{}

	connSem   chan struct{}
	connSeq   atomic.Uint64
	conns     sync.Map
	connCount atomic.Int32
	active    sync.WaitGroup

	shutdown     chan struct{}
	shutdownOnce sync.Once
	running      atomic.Bool
	startedAt    time.Time

	failSub *event.Subscription
}

// New builds a Server. The configuration is validated after defaults are
// applied; a bad cipher tier or port is a configuration error.
func New(cfg Config, deps Deps) (*Server, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Manager == nil {
		return nil, errors.New("server: session manager is required")
	}
	if deps.Keys == nil {
		return nil, errors.New("server: keystore is required")
	}

	suites := cfg.cipherSuites()
	return &Server{
		cfg:     cfg,
		manager: deps.Manager,
		bus:     deps.Bus,
		metrics: deps.Metrics,
		tlsConfig: &psktls.Config{
			CipherSuites: suites,
			PSK:          keystore.Callback(deps.Keys),
			IdentityHint: cfg.IdentityHint,
		},
		suites:   suites,
		guard:    psktls.NewFloodGuard(cfg.FloodGuard),
		failures: newFailureRate(cfg.ErrorRateThreshold, cfg.ErrorRateWindow),
		ready:    make(chan struct{}),
		connSem:  make(chan struct{}, cfg.MaxConnections),
		shutdown: make(chan struct{}),
	}, nil
}

// Listen binds the TCP listener. It is idempotent; Start calls it when the
// caller has not.
func (s *Server) Listen() error {
	if s.listener != nil {
		return nil
	}
	lc := net.ListenConfig{KeepAlive: s.cfg.KeepAlive}
	ln, err := lc.Listen(context.Background(), "tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("server: bind %s: %w", s.cfg.Addr(), err)
	}
	s.listener = ln
	close(s.ready)
	return nil
}

// Addr returns the bound listener address. It blocks until Listen has run,
// so callers binding port 0 can learn the assigned port.
func (s *Server) Addr() net.Addr {
	<-s.ready
	return s.listener.Addr()
}

// Running reports whether the listener is accepting connections.
func (s *Server) Running() bool {
	return s.running.Load()
}

// ConnCount returns the number of open connections, authenticated or not.
func (s *Server) ConnCount() int {
	return int(s.connCount.Load())
}

// Start binds, announces the server and runs the accept loop until ctx is
// cancelled, then performs the graceful shutdown sequence. A listener
// failure stops accepting but leaves live sessions running until shutdown.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.startedAt = time.Now()
	s.running.Store(true)
	s.watchFailures()
	s.announce()

	errChan := make(chan error, 1)
	go func() {
		if err := s.acceptLoop(ctx); err != nil {
			select {
			case errChan <- err:
			default:
			}
		}
	}()

	var loopErr error
	select {
	case <-ctx.Done():
	case loopErr = <-errChan:
		logger.Error("Admin listener terminated, live sessions continue",
			"error", loopErr)
		s.running.Store(false)
		<-ctx.Done()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.Stop(shutdownCtx); err != nil {
		return err
	}
	return loopErr
}

// Stop runs the shutdown sequence: stop accepting, drain live sessions
// within the drain deadline, force-close whatever remains, then announce
// the stop. Safe to call more than once.
func (s *Server) Stop(ctx context.Context) error {
	var stopErr error
	s.shutdownOnce.Do(func() {
		logger.Info("Admin server shutdown initiated")
		close(s.shutdown)
		s.running.Store(false)
		if s.listener != nil {
			_ = s.listener.Close()
		}

		// Sessions end with reason shutdown; their OnEnd hooks close the
		// connections with close_notify, unblocking the serve loops.
		drainCtx, cancel := context.WithTimeout(ctx, s.cfg.DrainTimeout)
		err := s.manager.Shutdown(drainCtx)
		cancel()
		if err != nil {
			logger.Warn("Session drain incomplete, forcing connections closed",
				"error", err)
			s.forceCloseConns()
		}

		if err := s.awaitConns(ctx); err != nil {
			s.forceCloseConns()
			graceCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			stopErr = s.awaitConns(graceCtx)
			cancel()
		}

		if s.failSub != nil {
			s.failSub.Unsubscribe()
		}

		uptime := time.Since(s.startedAt)
		s.publish(event.TypeServerStopped, event.ServerStopped{
			Reason:        "shutdown",
			UptimeSeconds: uptime.Seconds(),
		})
		logger.Info("Admin server stopped",
			"uptime_seconds", uptime.Seconds())
	})
	return stopErr
}

// announce publishes server_started once the listener is bound. Debug-tier
// NULL suites get a loud warning on top of the event flag.
func (s *Server) announce() {
	host, port := splitListenAddr(s.listener.Addr())
	names := make([]string, len(s.suites))
	for i, id := range s.suites {
		names[i] = psktls.CipherSuiteName(id)
	}
	nullSuites := psktls.ContainsNullSuite(s.suites)

	s.publish(event.TypeServerStarted, event.ServerStarted{
		Host:         host,
		Port:         port,
		CipherSuites: names,
		NullSuites:   nullSuites,
	})
	logger.Info("Admin server listening",
		logger.ListenAddr(s.listener.Addr().String()),
		"cipher_tier", s.cfg.CipherTier)
	if nullSuites {
		logger.Warn("NULL cipher suites enabled, card traffic is NOT encrypted")
	}
}

// watchFailures subscribes to session_ended events and raises
// error_rate_exceeded when FAILED sessions pile up.
func (s *Server) watchFailures() {
	if s.bus == nil {
		return
	}
	s.failSub = s.bus.Subscribe(
		func(ev event.Event) bool { return ev.Type == event.TypeSessionEnded },
		func(ev event.Event) error {
			se, ok := ev.Payload.(event.SessionEnded)
			if !ok || se.State != session.StateFailed.String() {
				return nil
			}
			if s.failures.record(time.Now()) {
				s.publish(event.TypeErrorRateExceeded, event.ErrorRateExceeded{
					Failures:      s.cfg.ErrorRateThreshold,
					WindowSeconds: int(s.cfg.ErrorRateWindow.Seconds()),
				})
				logger.Warn("Session failure rate exceeded",
					"failures", s.cfg.ErrorRateThreshold,
					"window_seconds", int(s.cfg.ErrorRateWindow.Seconds()))
			}
			return nil
		})
}

func (s *Server) acceptLoop(ctx context.Context) error {
	for {
		// Cap concurrent connections before accepting the next one.
		select {
		case s.connSem <- struct{}{}:
		case <-s.shutdown:
			return nil
		}

		conn, err := s.listener.Accept()
		if err != nil {
			<-s.connSem
			if s.isShuttingDown() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}

		ip := peerIP(conn.RemoteAddr().String())
		if s.guard.Blocked(ip) {
			s.recordRejected("flood")
			logger.Warn("Connection refused, peer is flood-blocked",
				logger.PeerIP(ip))
			abortConn(conn)
			<-s.connSem
			continue
		}

		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.SetNoDelay(true)
		}

		id := s.connSeq.Add(1)
		s.conns.Store(id, conn)
		s.connCount.Add(1)
		s.active.Add(1)
		go func() {
			defer func() {
				s.conns.Delete(id)
				s.connCount.Add(-1)
				s.active.Done()
				<-s.connSem
			}()
			s.handleConn(ctx, id, conn)
		}()
	}
}

func (s *Server) isShuttingDown() bool {
	select {
	case <-s.shutdown:
		return true
	default:
		return false
	}
}

func (s *Server) awaitConns(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("server: %d connections still open: %w",
			s.connCount.Load(), ctx.Err())
	}
}

func (s *Server) forceCloseConns() {
	s.conns.Range(func(_, v any) bool {
		if c, ok := v.(net.Conn); ok {
			_ = c.Close()
		}
		return true
	})
}

func (s *Server) publish(typ event.Type, payload any) {
	if s.bus != nil {
		s.bus.Publish(typ, payload)
	}
}

func (s *Server) recordRejected(reason string) {
	if s.metrics != nil {
		s.metrics.RecordConnectionRejected(reason)
	}
}

// abortConn closes with an RST instead of a FIN so a flood-blocked peer
// fails immediately rather than timing out on a half-open handshake.
func abortConn(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetLinger(0)
	}
	_ = conn.Close()
}

func peerIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func splitListenAddr(addr net.Addr) (string, int) {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return addr.String(), 0
	}
	return tcp.IP.String(), tcp.Port
}
