package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/subtun/subtun/internal/domain"
	"github.com/subtun/subtun/internal/metrics"
	"github.com/subtun/subtun/internal/session"
	"github.com/subtun/subtun/internal/tunnelproto"
)

// handleConnect upgrades the request to a websocket and runs the tunnel
// for its whole lifetime.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	conn := session.NewWSConn(ws, s.cfg.WriteTimeout)
	sess := session.New(conn, s.log)
	defer sess.Close()

	granted, err := s.handshake(conn, sess)
	if err != nil {
		s.log.Info("handshake rejected", "remote", r.RemoteAddr, "err", err)
		return
	}

	s.log.Info("tunnel established",
		"session_id", sess.ID(),
		"principal", sess.Principal().ID,
		"subdomain", granted,
		"remote", r.RemoteAddr)
	s.recordReservation(r.Context(), sess, granted)
	metrics.ActiveSessions.Inc()

	defer func() {
		s.registry.Release(granted, sess)
		s.recordRelease(sess)
		metrics.ActiveSessions.Dec()
		s.log.Info("tunnel closed", "session_id", sess.ID(), "subdomain", granted)
	}()

	s.readLoop(sess)
}

// handshake runs the Auth exchange: the first frame must be a valid Auth
// within the auth timeout, the credential must verify, and a subdomain must
// be reservable. On success the session is Active and the grant is returned.
func (s *Server) handshake(conn *session.WSConn, sess *session.Session) (string, error) {
	if err := sess.BeginAuth(); err != nil {
		return "", err
	}

	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.AuthTimeout))
	frame, err := conn.ReadFrame()
	if err != nil {
		metrics.AuthFailures.WithLabelValues("timeout").Inc()
		return "", err
	}
	_ = conn.SetReadDeadline(time.Time{})

	if frame.Type != tunnelproto.TypeAuth {
		metrics.AuthFailures.WithLabelValues("protocol").Inc()
		s.deny(conn, tunnelproto.NewError(4000, "expected Auth frame"), "authentication required")
		return "", &domain.TunnelError{SessionID: sess.ID(), Op: "handshake", Err: domain.ErrProtocolViolation}
	}
	if frame.ProtocolVersion != tunnelproto.Version {
		metrics.AuthFailures.WithLabelValues("version").Inc()
		s.deny(conn, tunnelproto.NewError(4001, "unsupported protocol version"), "unsupported protocol version")
		return "", &domain.TunnelError{SessionID: sess.ID(), Op: "handshake", Err: domain.ErrProtocolViolation}
	}

	principal, err := s.validator.Validate(frame.Token)
	if err != nil {
		reason, msg := credentialFailure(err)
		metrics.AuthFailures.WithLabelValues(reason).Inc()
		s.deny(conn, tunnelproto.Frame{}, msg)
		return "", err
	}
	sess.SetPrincipal(principal)

	granted, err := s.registry.Reserve(frame.Subdomain, sess)
	if err != nil {
		metrics.AuthFailures.WithLabelValues("exhausted").Inc()
		s.deny(conn, tunnelproto.Frame{}, "no subdomain available")
		return "", err
	}
	if frame.Subdomain != "" && granted != frame.Subdomain {
		metrics.SubdomainFallbacks.Inc()
		s.log.Debug("requested subdomain unavailable",
			"session_id", sess.ID(), "requested", frame.Subdomain, "granted", granted)
	}

	if err := sess.Activate(granted); err != nil {
		s.registry.Release(granted, sess)
		return "", err
	}
	if err := conn.WriteFrame(tunnelproto.NewAuthGranted(granted)); err != nil {
		s.registry.Release(granted, sess)
		return "", err
	}
	return granted, nil
}

// deny sends an optional Error frame plus the failed AuthResponse. Write
// failures are ignored: the channel is being torn down either way.
func (s *Server) deny(conn *session.WSConn, errFrame tunnelproto.Frame, reason string) {
	if errFrame.Type != "" {
		_ = conn.WriteFrame(errFrame)
	}
	_ = conn.WriteFrame(tunnelproto.NewAuthDenied(reason))
}

// credentialFailure maps a validation error to a metrics reason and a
// client-safe message that does not leak which check failed internally.
func credentialFailure(err error) (reason, msg string) {
	switch {
	case errors.Is(err, domain.ErrExpiredCredential):
		return "expired", "credential expired"
	case errors.Is(err, domain.ErrMalformedCredential):
		return "malformed", "invalid credentials"
	default:
		return "invalid", "invalid credentials"
	}
}

// readLoop pumps inbound frames into the session until the channel fails
// or the client commits a protocol violation.
func (s *Server) readLoop(sess *session.Session) {
	for {
		frame, err := sess.ReadFrame()
		if err != nil {
			if sess.State() != session.StateClosed {
				s.log.Debug("channel read ended", "session_id", sess.ID(), "err", err)
			}
			return
		}
		if err := sess.HandleFrame(frame); err != nil {
			s.log.Warn("terminating session", "session_id", sess.ID(), "err", err)
			_ = sess.WriteFrame(tunnelproto.NewError(4002, "protocol violation"))
			return
		}
	}
}
