package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for well-known failure conditions that cross package
// boundaries.  Callers should use [errors.Is] to match these.
var (
	// ErrInvalidCredential indicates an unknown API key or a token whose
	// signature does not verify.
	ErrInvalidCredential = errors.New("invalid credential")

	// ErrExpiredCredential indicates a signed token past its expiry.
	ErrExpiredCredential = errors.New("credential expired")

	// ErrMalformedCredential indicates a token missing required claims or
	// otherwise undecodable.
	ErrMalformedCredential = errors.New("malformed credential")

	// ErrProtocolViolation indicates a frame that is illegal in the
	// session's current state, e.g. anything but Auth before authentication.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrSubdomainExhausted means the registry ran out of collision-fallback
	// candidates within the configured attempt bound.
	ErrSubdomainExhausted = errors.New("subdomain candidates exhausted")

	// ErrNoRoute means no session owns the requested subdomain.
	ErrNoRoute = errors.New("no tunnel for subdomain")

	// ErrSessionNotActive means the session exists but is not accepting
	// exchanges (still authenticating, draining, or closed).
	ErrSessionNotActive = errors.New("session not active")

	// ErrExchangeTimeout means the correlated response did not arrive
	// before the exchange deadline.
	ErrExchangeTimeout = errors.New("exchange deadline exceeded")

	// ErrSessionClosed is delivered to exchanges still pending when their
	// owning session terminates.
	ErrSessionClosed = errors.New("session closed")
)

// TunnelError wraps an underlying error with session context.
type TunnelError struct {
	SessionID string
	Op        string
	Err       error
}

func (e *TunnelError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("session %s: %s: %v", e.SessionID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TunnelError) Unwrap() error {
	return e.Err
}
