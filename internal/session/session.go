// Package session implements the tunnel session state machine and the
// correlation-id multiplexing of concurrent HTTP exchanges over one
// persistent channel.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/subtun/subtun/internal/domain"
	"github.com/subtun/subtun/internal/tunnelproto"
)

// State is the session lifecycle state.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateActive
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn is the framed transport a session owns. Implementations must make
// WriteFrame safe for concurrent use; ReadFrame is called from the single
// receive loop only.
type Conn interface {
	ReadFrame() (tunnelproto.Frame, error)
	WriteFrame(tunnelproto.Frame) error
	Close() error
}

// Session is one authenticated client connection. It owns the channel,
// tracks lifecycle state, and matches response frames to waiting exchanges
// by correlation id.
type Session struct {
	id   string
	conn Conn
	log  *slog.Logger

	mu        sync.Mutex
	state     State
	principal domain.Principal
	subdomain string
	pending   map[string]chan tunnelproto.Frame

	nextSeq          atomic.Uint64
	lastSeenUnixNano atomic.Int64
	closing          atomic.Bool
}

// New wraps conn in a fresh session in the Connecting state.
func New(conn Conn, logger *slog.Logger) *Session {
	s := &Session{
		id:      uuid.NewString(),
		conn:    conn,
		log:     logger,
		state:   StateConnecting,
		pending: make(map[string]chan tunnelproto.Frame),
	}
	s.Touch(time.Now())
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Principal returns the identity that authenticated this session. Zero
// until Activate.
func (s *Session) Principal() domain.Principal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.principal
}

// Subdomain returns the granted subdomain. Empty until Activate.
func (s *Session) Subdomain() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subdomain
}

// Touch records channel activity for idle-timeout accounting.
func (s *Session) Touch(t time.Time) {
	s.lastSeenUnixNano.Store(t.UnixNano())
}

// LastSeen returns the time of the most recent channel activity.
func (s *Session) LastSeen() time.Time {
	n := s.lastSeenUnixNano.Load()
	if n == 0 {
		return time.Unix(0, 0)
	}
	return time.Unix(0, n)
}

// BeginAuth transitions Connecting -> Authenticating when the first frame
// arrives.
func (s *Session) BeginAuth() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnecting {
		return &domain.TunnelError{SessionID: s.id, Op: "begin auth", Err: domain.ErrProtocolViolation}
	}
	s.state = StateAuthenticating
	return nil
}

// SetPrincipal records the verified identity while still authenticating,
// before a subdomain is reserved.
func (s *Session) SetPrincipal(p domain.Principal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.principal = p
}

// Activate transitions Authenticating -> Active with the granted subdomain.
func (s *Session) Activate(subdomain string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateAuthenticating {
		return &domain.TunnelError{SessionID: s.id, Op: "activate", Err: domain.ErrProtocolViolation}
	}
	s.state = StateActive
	s.subdomain = subdomain
	return nil
}

// BeginDrain stops new exchanges from being dispatched while outstanding
// ones complete or time out. No-op unless Active.
func (s *Session) BeginDrain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateActive {
		s.state = StateDraining
	}
}

// Close is terminal and idempotent: it closes the channel and cancels every
// in-flight exchange with [domain.ErrSessionClosed]. Reachable from any state.
func (s *Session) Close() {
	if !s.closing.CompareAndSwap(false, true) {
		return
	}

	s.mu.Lock()
	s.state = StateClosed
	pending := s.pending
	s.pending = make(map[string]chan tunnelproto.Frame)
	s.mu.Unlock()

	_ = s.conn.Close()
	for _, ch := range pending {
		close(ch)
	}
}

// NextCorrelationID returns a fresh id, unique and monotonic within this
// session.
func (s *Session) NextCorrelationID() string {
	return fmt.Sprintf("req_%d", s.nextSeq.Add(1))
}

// InFlight reports the number of pending exchanges.
func (s *Session) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// WriteFrame sends a frame down the channel.
func (s *Session) WriteFrame(f tunnelproto.Frame) error {
	return s.conn.WriteFrame(f)
}

// ReadFrame receives the next frame. Single caller only.
func (s *Session) ReadFrame() (tunnelproto.Frame, error) {
	return s.conn.ReadFrame()
}

// RoundTrip sends req (an HttpRequest frame carrying a correlation id) and
// blocks until the matching HttpResponse frame arrives, the ctx deadline
// expires, or the session closes. Only Active sessions accept exchanges.
func (s *Session) RoundTrip(ctx context.Context, req tunnelproto.Frame) (tunnelproto.Frame, error) {
	s.mu.Lock()
	if s.state != StateActive {
		state := s.state
		s.mu.Unlock()
		if state == StateClosed {
			return tunnelproto.Frame{}, domain.ErrSessionClosed
		}
		return tunnelproto.Frame{}, domain.ErrSessionNotActive
	}
	ch := make(chan tunnelproto.Frame, 1)
	s.pending[req.ID] = ch
	s.mu.Unlock()

	if err := s.conn.WriteFrame(req); err != nil {
		s.dropPending(req.ID)
		return tunnelproto.Frame{}, &domain.TunnelError{SessionID: s.id, Op: "write request", Err: err}
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return tunnelproto.Frame{}, domain.ErrSessionClosed
		}
		return resp, nil
	case <-ctx.Done():
		s.dropPending(req.ID)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return tunnelproto.Frame{}, domain.ErrExchangeTimeout
		}
		return tunnelproto.Frame{}, ctx.Err()
	}
}

// HandleFrame dispatches one inbound frame read off the channel. It returns
// an error only for violations that must terminate the session.
func (s *Session) HandleFrame(f tunnelproto.Frame) error {
	s.Touch(time.Now())

	switch f.Type {
	case tunnelproto.TypeHTTPResponse:
		s.resolve(f)
		return nil
	case tunnelproto.TypePing:
		return s.conn.WriteFrame(tunnelproto.NewPong(f.Timestamp))
	case tunnelproto.TypePong:
		return nil
	case tunnelproto.TypeError:
		s.log.Warn("client reported error", "session_id", s.id, "code", f.Code, "message", f.Message)
		return nil
	case tunnelproto.TypeAuth:
		// Re-authentication on a live session is a protocol violation.
		return &domain.TunnelError{SessionID: s.id, Op: "handle frame", Err: domain.ErrProtocolViolation}
	default:
		s.log.Warn("dropping frame of unexpected type", "session_id", s.id, "type", string(f.Type))
		return nil
	}
}

// resolve matches a response frame to its waiting exchange. Unknown
// correlation ids are dropped and logged, not fatal: the exchange may have
// already timed out.
func (s *Session) resolve(f tunnelproto.Frame) {
	s.mu.Lock()
	ch, ok := s.pending[f.ID]
	if ok {
		delete(s.pending, f.ID)
	}
	s.mu.Unlock()

	if !ok {
		s.log.Warn("response for unknown exchange dropped", "session_id", s.id, "id", f.ID)
		return
	}
	ch <- f
	close(ch)
}

func (s *Session) dropPending(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}
