package server

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/cardbench/scp81/internal/logger"
	"github.com/cardbench/scp81/internal/telemetry"
	"github.com/cardbench/scp81/pkg/event"
	"github.com/cardbench/scp81/pkg/gpframe"
	"github.com/cardbench/scp81/pkg/psktls"
	"github.com/cardbench/scp81/pkg/session"
)

// readDeadlineGrace keeps the transport read deadline behind the session's
// idle clock, so a stalled card is classified as timeout_active_idle by the
// session rather than as a transport error by the connection.
const readDeadlineGrace = 5 * time.Second

// closeNotifyTimeout bounds the close_notify write when a session ends
// while its card is unresponsive.
const closeNotifyTimeout = time.Second

// handleConn runs one connection from handshake to teardown. It owns the
// raw conn; every return path closes it.
func (s *Server) handleConn(ctx context.Context, id uint64, raw net.Conn) {
	peer := raw.RemoteAddr().String()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Connection handler panic",
				"panic", r,
				logger.PeerAddr(peer),
				logger.ConnectionID(id))
			if s.metrics != nil {
				s.metrics.RecordInternalError("conn_handler")
			}
		}
		_ = raw.Close()
	}()

	tlsConn := psktls.Server(raw, s.tlsConfig)

	start := time.Now()
	_ = raw.SetDeadline(start.Add(s.cfg.HandshakeTimeout))
	err := tlsConn.Handshake()
	elapsed := time.Since(start)
	if err != nil {
		s.handshakeFailed(err, peer, elapsed)
		return
	}
	_ = raw.SetDeadline(time.Time{})

	state := tlsConn.ConnectionState()
	suite := psktls.CipherSuiteName(state.CipherSuite)
	s.publish(event.TypeHandshakeCompleted, event.HandshakeCompleted{
		PeerAddr:    peer,
		Identity:    state.PeerIdentity,
		CipherSuite: suite,
		DurationMS:  durationMS(elapsed),
	})
	if s.metrics != nil {
		s.metrics.RecordHandshake(suite, elapsed)
	}
	logger.Info("Handshake completed",
		logger.PSKIdentity(state.PeerIdentity),
		logger.CipherSuite(suite),
		logger.PeerAddr(peer),
		"duration_ms", durationMS(elapsed))

	sess, err := s.manager.Create(session.ConnInfo{
		Identity:    state.PeerIdentity,
		PeerAddr:    peer,
		CipherSuite: suite,
		OnEnd: func() {
			// Runs on the session task once the session is terminal; the
			// close_notify here is what unblocks a serve loop stuck in a
			// read when the session timed out or was ended externally.
			_ = tlsConn.SetWriteDeadline(time.Now().Add(closeNotifyTimeout))
			_ = tlsConn.Close()
		},
	})
	if err != nil {
		// Shutdown raced the accept.
		_ = tlsConn.Close()
		return
	}

	ctx, span := telemetry.StartSessionSpan(ctx, sess.ID(), state.PeerIdentity, peer, suite)
	defer span.End()

	// Log-trace correlation: every log line under this session carries the
	// session id, identity and trace ids.
	lc := logger.NewLogContext(peer).
		WithSession(sess.ID()).
		WithIdentity(state.PeerIdentity).
		WithTrace(telemetry.TraceID(ctx), telemetry.SpanID(ctx))
	ctx = logger.WithContext(ctx, lc)

	s.serve(ctx, tlsConn, sess)
}

// handshakeFailed publishes the failure, feeds the flood guard and emits
// psk_mismatch for authentication rejections.
func (s *Server) handshakeFailed(err error, peer string, elapsed time.Duration) {
	reason := psktls.ReasonTransport
	identity := ""
	suite := ""
	var he *psktls.HandshakeError
	if errors.As(err, &he) {
		reason = he.Reason
		identity = he.Identity
		if he.CipherSuite != 0 {
			suite = psktls.CipherSuiteName(he.CipherSuite)
		}
	}

	s.publish(event.TypeHandshakeFailed, event.HandshakeFailed{
		PeerAddr:    peer,
		Identity:    identity,
		CipherSuite: suite,
		Reason:      reason,
		DurationMS:  durationMS(elapsed),
	})
	if s.metrics != nil {
		s.metrics.RecordHandshakeFailure(reason, elapsed)
	}
	logger.Warn("Handshake failed",
		"reason", reason,
		logger.PSKIdentity(orPlaceholder(identity, "<unknown>")),
		logger.CipherSuite(orPlaceholder(suite, "<none negotiated>")),
		logger.PeerAddr(peer))

	if he != nil && he.AuthFailure() {
		s.publish(event.TypePSKMismatch, event.PSKMismatch{
			PeerAddr: peer,
			Identity: identity,
			Reason:   reason,
		})
	}

	ip := peerIP(peer)
	if s.guard.RecordFailure(ip) {
		s.publish(event.TypePSKMismatchFlood, event.PSKMismatchFlood{
			PeerIP:        ip,
			Failures:      s.cfg.FloodGuard.Threshold,
			WindowSeconds: int(s.cfg.FloodGuard.Window.Seconds()),
			BlockSeconds:  int(s.cfg.FloodGuard.Block.Seconds()),
		})
		logger.Warn("Handshake failure flood, rejecting peer",
			logger.PeerIP(ip),
			"block_seconds", int(s.cfg.FloodGuard.Block.Seconds()))
	}
}

// serve drives the HTTP admin pull loop for one authenticated session. It
// returns when the session closes, the card disconnects or the protocol is
// violated; the caller closes the connection.
func (s *Server) serve(ctx context.Context, conn *psktls.Conn, sess *session.Session) {
	br := bufio.NewReader(conn)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout + readDeadlineGrace))
		req, err := gpframe.ReadRequest(br)
		if err != nil {
			if sessionEnded(sess) {
				// The session closed the connection under us (idle
				// timeout, operator, shutdown); nothing left to report.
				return
			}
			if fe, ok := gpframe.AsFrameError(err); ok {
				logger.Warn("Malformed admin request",
					logger.SessionID(sess.ID()),
					"status", fe.Status,
					"reason", fe.Reason)
				_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
				_ = gpframe.WriteError(conn, fe.Status, fe.Reason)
				sess.Fail(session.EndReasonProtocol)
				return
			}
			sess.End(session.EndReasonTransport)
			return
		}

		exCtx, exSpan := telemetry.StartExchangeSpan(ctx, sess.ID(), telemetry.Length(len(req.Body)))
		next, closing, err := sess.HandleRequest(exCtx, req.Body)
		if err != nil {
			telemetry.RecordError(exCtx, err)
			exSpan.End()
			var pv *session.ProtocolViolation
			if errors.As(err, &pv) {
				// The session already failed itself with the reason.
				_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
				_ = gpframe.WriteError(conn, http.StatusBadRequest, pv.Reason)
			}
			return
		}
		if closing {
			exSpan.SetAttributes(telemetry.HTTPStatus(http.StatusNoContent))
		} else {
			exSpan.SetAttributes(telemetry.HTTPStatus(http.StatusOK), telemetry.INS(next[1]))
		}
		exSpan.End()

		_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		if closing {
			if err := gpframe.WriteNoContent(conn); err != nil {
				sess.End(session.EndReasonTransport)
				return
			}
			// The 204 is on the wire; confirm the clean close.
			sess.End(session.EndReasonNormal)
			return
		}
		if err := gpframe.WriteCommand(conn, next, true); err != nil {
			sess.End(session.EndReasonTransport)
			return
		}
	}
}

func sessionEnded(sess *session.Session) bool {
	select {
	case <-sess.Done():
		return true
	default:
		return false
	}
}

func durationMS(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

func orPlaceholder(v, placeholder string) string {
	if v == "" {
		return placeholder
	}
	return v
}
