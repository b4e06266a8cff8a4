// Package client implements the tunnel client: it dials the server,
// authenticates, and serves forwarded HTTP requests against a local origin.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/subtun/subtun/internal/config"
	"github.com/subtun/subtun/internal/session"
	"github.com/subtun/subtun/internal/tunnelproto"
)

// ConnectPath is the websocket endpoint the client dials on the server.
const ConnectPath = "/v1/tunnel/connect"

// Client is one tunnel client connection.
type Client struct {
	cfg  config.ClientConfig
	log  *slog.Logger
	http *http.Client

	mu        sync.Mutex
	subdomain string

	ready chan struct{}
}

// New builds a client from its configuration.
func New(cfg config.ClientConfig, logger *slog.Logger) *Client {
	return &Client{
		cfg:   cfg,
		log:   logger,
		http:  &http.Client{Timeout: 60 * time.Second},
		ready: make(chan struct{}),
	}
}

// Ready is closed once authentication succeeded and a subdomain is assigned.
func (c *Client) Ready() <-chan struct{} {
	return c.ready
}

// AssignedSubdomain returns the subdomain granted by the server. Empty
// before Ready.
func (c *Client) AssignedSubdomain() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subdomain
}

// Run connects, authenticates, and serves forwarded requests until ctx is
// cancelled or the channel fails.
func (c *Client) Run(ctx context.Context) error {
	wsURL, err := connectURL(c.cfg.ServerURL)
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.DialTimeout}
	wsConn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (status %d)", wsURL, err, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}
	conn := session.NewWSConn(wsConn, 10*time.Second)
	defer func() { _ = conn.Close() }()

	if err := c.handshake(conn); err != nil {
		return err
	}
	c.log.Info("tunnel established", "subdomain", c.AssignedSubdomain())

	go c.pingLoop(ctx, conn)
	go func() {
		// Unblock the read loop when ctx is cancelled.
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}
		switch frame.Type {
		case tunnelproto.TypeHTTPRequest:
			go c.serveForwarded(conn, frame)
		case tunnelproto.TypePing:
			_ = conn.WriteFrame(tunnelproto.NewPong(frame.Timestamp))
		case tunnelproto.TypePong:
			// Keepalive answered; nothing to do.
		case tunnelproto.TypeError:
			c.log.Warn("server reported error", "code", frame.Code, "message", frame.Message)
		default:
			c.log.Warn("dropping frame of unexpected type", "type", string(frame.Type))
		}
	}
}

func (c *Client) handshake(conn session.Conn) error {
	if err := conn.WriteFrame(tunnelproto.NewAuth(c.cfg.Token, c.cfg.Subdomain)); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}
	resp, err := conn.ReadFrame()
	if err != nil {
		return fmt.Errorf("read auth response: %w", err)
	}
	if resp.Type != tunnelproto.TypeAuthResponse {
		return fmt.Errorf("unexpected frame %q during handshake", resp.Type)
	}
	if resp.Success == nil || !*resp.Success {
		return fmt.Errorf("authentication rejected: %s", resp.Error)
	}
	if resp.AssignedSubdomain == "" {
		return errors.New("auth response missing assigned subdomain")
	}

	c.mu.Lock()
	c.subdomain = resp.AssignedSubdomain
	c.mu.Unlock()
	close(c.ready)
	return nil
}

func (c *Client) pingLoop(ctx context.Context, conn session.Conn) {
	interval := c.cfg.PingInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteFrame(tunnelproto.NewPing()); err != nil {
				return
			}
		}
	}
}

// serveForwarded replays one forwarded request against the local origin and
// sends back the correlated response frame.
func (c *Client) serveForwarded(conn session.Conn, frame tunnelproto.Frame) {
	body, err := tunnelproto.DecodeBody(frame.BodyB64)
	if err != nil {
		c.respondError(conn, frame.ID, http.StatusBadGateway, "invalid request body encoding")
		return
	}

	target := fmt.Sprintf("http://127.0.0.1:%d%s", c.cfg.LocalPort, frame.Path)
	req, err := http.NewRequest(frame.Method, target, bytes.NewReader(body))
	if err != nil {
		c.respondError(conn, frame.ID, http.StatusBadGateway, "invalid forwarded request")
		return
	}
	for k, vals := range frame.Headers {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("local origin unreachable", "id", frame.ID, "err", err)
		c.respondError(conn, frame.ID, http.StatusBadGateway, "local origin unreachable")
		return
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.respondError(conn, frame.ID, http.StatusBadGateway, "failed to read origin response")
		return
	}

	out := tunnelproto.NewHTTPResponse(frame.ID, resp.StatusCode, tunnelproto.CloneHeaders(resp.Header), respBody)
	if err := conn.WriteFrame(out); err != nil {
		c.log.Warn("failed to send response frame", "id", frame.ID, "err", err)
	}
}

func (c *Client) respondError(conn session.Conn, id string, status int, msg string) {
	headers := map[string][]string{"Content-Type": {"text/plain; charset=utf-8"}}
	frame := tunnelproto.NewHTTPResponse(id, status, headers, []byte(msg))
	if err := conn.WriteFrame(frame); err != nil {
		c.log.Warn("failed to send error response frame", "id", id, "err", err)
	}
}

// connectURL turns the configured server URL into the websocket endpoint.
func connectURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https", "":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = ConnectPath
	u.RawQuery = ""
	return u.String(), nil
}
