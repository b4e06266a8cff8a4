// Package router matches inbound public HTTP requests to tunnel sessions by
// Host header and drives the request/response exchange through the session.
package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/subtun/subtun/internal/domain"
	"github.com/subtun/subtun/internal/metrics"
	"github.com/subtun/subtun/internal/netutil"
	"github.com/subtun/subtun/internal/registry"
	"github.com/subtun/subtun/internal/session"
	"github.com/subtun/subtun/internal/tunnelproto"
)

// Config tunes the router.
type Config struct {
	BaseDomain      string
	ExchangeTimeout time.Duration
	MaxBodyBytes    int64
}

// Router resolves Host -> session and forwards one exchange per request.
type Router struct {
	reg *registry.Registry
	cfg Config
	log *slog.Logger
}

// New builds a router over the registry.
func New(reg *registry.Registry, cfg Config, logger *slog.Logger) *Router {
	if cfg.ExchangeTimeout <= 0 {
		cfg.ExchangeTimeout = 30 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 10 * 1024 * 1024
	}
	return &Router{reg: reg, cfg: cfg, log: logger}
}

// ServeHTTP implements the public-facing boundary contract: 404 when no
// session owns the subdomain, 503 when the session is not active, 502 when
// the tunnel fails mid-exchange, 504 on deadline expiry, and otherwise the
// origin's response verbatim.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	label := netutil.SubdomainLabel(r.Host, rt.cfg.BaseDomain)
	if label == "" {
		rt.reply(w, http.StatusNotFound, "Tunnel not found for this domain")
		return
	}

	sess, ok := rt.reg.Lookup(label)
	if !ok {
		// Indistinguishable from an inactive temporary tunnel on purpose.
		rt.reply(w, http.StatusNotFound, "Tunnel not found for this domain")
		return
	}
	if sess.State() != session.StateActive {
		rt.reply(w, http.StatusServiceUnavailable, "tunnel not ready")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, rt.cfg.MaxBodyBytes))
	if err != nil {
		rt.reply(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	headers := tunnelproto.CloneHeaders(r.Header)
	netutil.RemoveHopByHopHeaders(headers)

	req := tunnelproto.NewHTTPRequest(
		sess.NextCorrelationID(),
		r.Method,
		r.URL.RequestURI(),
		headers,
		body,
		netutil.ClientIP(r),
	)

	ctx, cancel := context.WithTimeout(r.Context(), rt.cfg.ExchangeTimeout)
	defer cancel()

	resp, err := sess.RoundTrip(ctx, req)
	if err != nil {
		rt.replyError(w, sess, req.ID, err)
		return
	}

	respHeaders := http.Header(resp.Headers)
	netutil.RemoveHopByHopHeaders(respHeaders)
	for k, vals := range respHeaders {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.Status)
	if b, err := tunnelproto.DecodeBody(resp.BodyB64); err == nil && len(b) > 0 {
		_, _ = w.Write(b)
	}
	metrics.ObserveRouted(resp.Status)
}

func (rt *Router) replyError(w http.ResponseWriter, sess *session.Session, reqID string, err error) {
	switch {
	case errors.Is(err, domain.ErrExchangeTimeout):
		metrics.ExchangeTimeouts.Inc()
		rt.log.Warn("exchange deadline exceeded", "session_id", sess.ID(), "id", reqID)
		rt.reply(w, http.StatusGatewayTimeout, "upstream timeout")
	case errors.Is(err, domain.ErrSessionClosed):
		rt.reply(w, http.StatusBadGateway, "Tunnel disconnected")
	case errors.Is(err, domain.ErrSessionNotActive):
		rt.reply(w, http.StatusServiceUnavailable, "tunnel not ready")
	default:
		rt.log.Error("tunnel exchange failed", "session_id", sess.ID(), "id", reqID, "err", err)
		rt.reply(w, http.StatusBadGateway, "tunnel write failed")
	}
}

func (rt *Router) reply(w http.ResponseWriter, status int, msg string) {
	metrics.ObserveRouted(status)
	http.Error(w, msg, status)
}
