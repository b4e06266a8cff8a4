// Package registry maintains the authoritative subdomain -> session map.
//
// All reservations, releases, and lookups are serialized through one mutex
// so no two sessions can ever observe the same subdomain as free.
package registry

import (
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/subtun/subtun/internal/domain"
	"github.com/subtun/subtun/internal/session"
)

const defaultMaxAttempts = 16

// Words that can never be granted as subdomains, regardless of who asks.
var defaultReserved = []string{
	"www", "api", "admin", "app", "mail", "ftp", "ssh",
	"vpn", "cdn", "static", "assets", "media", "files",
	"auth", "login", "oauth", "sso", "cert", "ssl", "tls",
	"proxy", "gateway", "cache", "db", "database",
	"log", "logs", "metrics", "monitor", "health", "status",
	"dashboard", "console", "config", "settings", "account",
	"tunnel", "connect", "client", "server", "endpoint",
}

// Config tunes reservation behaviour.
type Config struct {
	// MaxAttempts bounds how many fallback candidates one reservation may
	// try before failing with [domain.ErrSubdomainExhausted].
	MaxAttempts int

	// Reserved extends the built-in reserved word list.
	Reserved []string
}

// Registry binds subdomains one-to-one to live sessions.
type Registry struct {
	mu          sync.Mutex
	sessions    map[string]*session.Session
	reserved    map[string]struct{}
	maxAttempts int
}

// New creates an empty registry.
func New(cfg Config) *Registry {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	reserved := make(map[string]struct{}, len(defaultReserved)+len(cfg.Reserved))
	for _, w := range defaultReserved {
		reserved[w] = struct{}{}
	}
	for _, w := range cfg.Reserved {
		if w != "" {
			reserved[w] = struct{}{}
		}
	}
	return &Registry{
		sessions:    make(map[string]*session.Session),
		reserved:    reserved,
		maxAttempts: maxAttempts,
	}
}

// Reserve grants a subdomain to sess and returns the actual grant.
//
// The requested label wins only when it is valid, not reserved, and free.
// Otherwise the principal's deterministic hint is tried, then numeric-suffix
// variants of it, then random slugs, bounded by MaxAttempts in total. The
// caller must report the returned value to the client; the requested value
// is never authoritative.
func (r *Registry) Reserve(requested string, sess *session.Session) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if requested != "" && r.grantableLocked(requested) {
		r.sessions[requested] = sess
		return requested, nil
	}

	attempts := 0
	hint := sess.Principal().SubdomainHint
	if ValidLabel(hint) {
		if attempts++; r.grantableLocked(hint) {
			r.sessions[hint] = sess
			return hint, nil
		}
		for i := 2; attempts < r.maxAttempts/2; i++ {
			candidate := fmt.Sprintf("%s-%d", hint, i)
			if !ValidLabel(candidate) {
				break
			}
			if attempts++; r.grantableLocked(candidate) {
				r.sessions[candidate] = sess
				return candidate, nil
			}
		}
	}

	for attempts < r.maxAttempts {
		candidate, err := randomSlug(6)
		if err != nil {
			return "", err
		}
		if attempts++; r.grantableLocked(candidate) {
			r.sessions[candidate] = sess
			return candidate, nil
		}
	}
	return "", domain.ErrSubdomainExhausted
}

// Release frees subdomain if it is still bound to sess. Releasing an unheld
// or re-acquired subdomain is a no-op, never an error. A nil sess releases
// unconditionally.
func (r *Registry) Release(subdomain string, sess *session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.sessions[subdomain]
	if !ok {
		return
	}
	if sess != nil && current != sess {
		return
	}
	delete(r.sessions, subdomain)
}

// Lookup returns the session bound to subdomain, if any.
func (r *Registry) Lookup(subdomain string) (*session.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[subdomain]
	return sess, ok
}

// Len reports how many subdomains are currently bound.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sessions snapshots the currently bound sessions.
func (r *Registry) Sessions() []*session.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*session.Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess)
	}
	return out
}

func (r *Registry) grantableLocked(label string) bool {
	if !ValidLabel(label) {
		return false
	}
	if _, reservedWord := r.reserved[label]; reservedWord {
		return false
	}
	_, held := r.sessions[label]
	return !held
}

// ValidLabel reports whether label is an acceptable subdomain: 3-30 chars,
// lowercase alphanumerics and hyphens, no leading or trailing hyphen.
func ValidLabel(label string) bool {
	if len(label) < 3 || len(label) > 30 {
		return false
	}
	if label[0] == '-' || label[len(label)-1] == '-' {
		return false
	}
	for i := 0; i < len(label); i++ {
		c := label[i]
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '-' {
			return false
		}
	}
	return true
}

func randomSlug(length int) (string, error) {
	const alphabet = "abcdefghjkmnpqrstuvwxyz23456789"
	const n = byte(len(alphabet))
	// Rejection threshold avoids modulo bias: largest multiple of n <= 256.
	const maxFair = 256 - (256 % int(n))
	slug := make([]byte, length)
	buf := make([]byte, length+16) // over-read to reduce rand calls
	filled := 0
	for filled < length {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("crypto/rand: %w", err)
		}
		for _, b := range buf {
			if int(b) >= maxFair {
				continue
			}
			slug[filled] = alphabet[b%n]
			filled++
			if filled == length {
				break
			}
		}
	}
	return string(slug), nil
}
