// Package server wires the tunnel server together: the websocket connect
// endpoint, the public HTTP boundary, the health and metrics surfaces, and
// the background janitor.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/crypto/acme/autocert"

	"github.com/subtun/subtun/internal/auth"
	"github.com/subtun/subtun/internal/config"
	"github.com/subtun/subtun/internal/metrics"
	"github.com/subtun/subtun/internal/netutil"
	"github.com/subtun/subtun/internal/registry"
	"github.com/subtun/subtun/internal/router"
	"github.com/subtun/subtun/internal/session"
	"github.com/subtun/subtun/internal/store/sqlite"
)

// ConnectPath is the websocket endpoint tunnel clients dial.
const ConnectPath = "/v1/tunnel/connect"

const shutdownTimeout = 5 * time.Second
const allocationPurgeInterval = time.Hour

// Server is the tunnel server process.
type Server struct {
	cfg       config.ServerConfig
	log       *slog.Logger
	validator *auth.Validator
	registry  *registry.Registry
	router    *router.Router
	store     *sqlite.Store

	upgrader websocket.Upgrader
	h3       *http3.Server

	mu          sync.Mutex
	allocations map[string]string // session id -> audit record id
}

// New builds a server from its configuration. When a database path is
// configured the store is opened and its active key hashes extend the
// static allowlist.
func New(cfg config.ServerConfig, logger *slog.Logger) (*Server, error) {
	var store *sqlite.Store
	var extraHashes []string
	if cfg.DBPath != "" {
		var err error
		store, err = sqlite.Open(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		extraHashes, err = store.ActiveKeyHashes(context.Background())
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("load key hashes: %w", err)
		}
	}

	reg := registry.New(registry.Config{
		MaxAttempts: cfg.MaxSubdomainAttempts,
		Reserved:    cfg.ReservedSubdomains,
	})
	s := &Server{
		cfg: cfg,
		log: logger,
		validator: auth.NewValidator(auth.ValidatorConfig{
			AllowedKeys:    cfg.APIKeys,
			ExtraKeyHashes: extraHashes,
			Pepper:         cfg.APIKeyPepper,
			SigningSecret:  cfg.SigningSecret,
		}),
		registry: reg,
		router: router.New(reg, router.Config{
			BaseDomain:      cfg.BaseDomain,
			ExchangeTimeout: cfg.ExchangeTimeout,
			MaxBodyBytes:    cfg.MaxBodyBytes,
		}, logger),
		store: store,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		allocations: make(map[string]string),
	}
	return s, nil
}

// Registry exposes the subdomain registry, mainly for health reporting
// and tests.
func (s *Server) Registry() *registry.Registry { return s.registry }

// Handler returns the full HTTP surface: tunneled hosts go to the router,
// the base domain serves the connect, health, and metrics endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(ConnectPath, s.handleConnect)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/", s.router)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.h3 != nil {
			_ = s.h3.SetQUICHeaders(w.Header())
		}
		if netutil.SubdomainLabel(r.Host, s.cfg.BaseDomain) != "" {
			s.router.ServeHTTP(w, r)
			return
		}
		mux.ServeHTTP(w, r)
	})
}

// Run serves until ctx is cancelled, then drains sessions and shuts down.
func (s *Server) Run(ctx context.Context) error {
	defer s.closeStore()

	go s.janitor(ctx)

	handler := s.Handler()
	errCh := make(chan error, 3)
	var servers []*http.Server

	public := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	servers = append(servers, public)

	switch s.cfg.TLSMode {
	case "auto":
		manager := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			Cache:      autocert.DirCache(s.cfg.CertCacheDir),
			HostPolicy: s.hostPolicy,
		}
		public.TLSConfig = manager.TLSConfig()

		challenge := &http.Server{
			Addr:              s.cfg.ChallengeListen,
			Handler:           manager.HTTPHandler(nil),
			ReadHeaderTimeout: 10 * time.Second,
		}
		servers = append(servers, challenge)
		go func() {
			s.log.Info("http-01 challenge listener started", "addr", challenge.Addr)
			errCh <- serveErr("challenge", challenge.ListenAndServe())
		}()

		if s.cfg.EnableHTTP3 {
			s.h3 = &http3.Server{
				Addr:      s.cfg.Listen,
				Handler:   handler,
				TLSConfig: manager.TLSConfig(),
			}
			go func() {
				s.log.Info("http3 listener started", "addr", s.h3.Addr)
				errCh <- serveErr("http3", s.h3.ListenAndServe())
			}()
		}

		go func() {
			s.log.Info("server started", "addr", public.Addr, "domain", s.cfg.BaseDomain, "tls", "auto")
			errCh <- serveErr("public", public.ListenAndServeTLS("", ""))
		}()
	default:
		go func() {
			s.log.Info("server started", "addr", public.Addr, "domain", s.cfg.BaseDomain, "tls", "off")
			errCh <- serveErr("public", public.ListenAndServe())
		}()
	}

	select {
	case <-ctx.Done():
		s.log.Info("shutting down")
		s.drainSessions()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, srv := range servers {
			_ = srv.Shutdown(shutdownCtx)
		}
		if s.h3 != nil {
			_ = s.h3.Close()
		}
		s.closeSessions()
		return nil
	case err := <-errCh:
		return err
	}
}

func serveErr(name string, err error) error {
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return fmt.Errorf("%s listener: %w", name, err)
}

// hostPolicy admits certificate requests for the base domain and any
// currently bound tunnel subdomain.
func (s *Server) hostPolicy(_ context.Context, host string) error {
	host = netutil.NormalizeHost(host)
	if host == s.cfg.BaseDomain {
		return nil
	}
	label := netutil.SubdomainLabel(host, s.cfg.BaseDomain)
	if label == "" {
		return fmt.Errorf("host %q not under %q", host, s.cfg.BaseDomain)
	}
	if _, ok := s.registry.Lookup(label); !ok {
		return fmt.Errorf("no tunnel bound to %q", label)
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "ok\nsessions: %d\n", s.registry.Len())
}

// janitor closes idle sessions and prunes old audit records.
func (s *Server) janitor(ctx context.Context) {
	sweep := time.NewTicker(s.cfg.SweepInterval)
	defer sweep.Stop()
	purge := time.NewTicker(allocationPurgeInterval)
	defer purge.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			cutoff := time.Now().Add(-s.cfg.IdleTimeout)
			for _, sess := range s.registry.Sessions() {
				if sess.LastSeen().Before(cutoff) {
					s.log.Info("closing idle session",
						"session_id", sess.ID(),
						"subdomain", sess.Subdomain(),
						"last_seen", sess.LastSeen())
					sess.Close()
				}
			}
		case <-purge.C:
			if s.store == nil {
				continue
			}
			cutoff := time.Now().Add(-s.cfg.AllocationRetention)
			n, err := s.store.PurgeReleasedAllocations(ctx, cutoff, 1000)
			if err != nil {
				s.log.Warn("allocation purge failed", "err", err)
			} else if n > 0 {
				s.log.Debug("purged released allocations", "count", n)
			}
		}
	}
}

func (s *Server) drainSessions() {
	for _, sess := range s.registry.Sessions() {
		sess.BeginDrain()
	}
}

func (s *Server) closeSessions() {
	for _, sess := range s.registry.Sessions() {
		sess.Close()
	}
}

func (s *Server) closeStore() {
	if s.store != nil {
		_ = s.store.Close()
	}
}

// recordReservation writes the audit record for a granted subdomain and
// remembers its id so the release can be stamped later.
func (s *Server) recordReservation(ctx context.Context, sess *session.Session, subdomain string) {
	if s.store == nil {
		return
	}
	id, err := s.store.RecordReservation(ctx, subdomain, sess.Principal().ID)
	if err != nil {
		s.log.Warn("failed to record reservation", "session_id", sess.ID(), "err", err)
		return
	}
	s.mu.Lock()
	s.allocations[sess.ID()] = id
	s.mu.Unlock()
}

func (s *Server) recordRelease(sess *session.Session) {
	if s.store == nil {
		return
	}
	s.mu.Lock()
	id, ok := s.allocations[sess.ID()]
	delete(s.allocations, sess.ID())
	s.mu.Unlock()
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.RecordRelease(ctx, id); err != nil {
		s.log.Warn("failed to record release", "session_id", sess.ID(), "err", err)
	}
}
