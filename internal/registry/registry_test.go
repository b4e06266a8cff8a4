package registry

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/subtun/subtun/internal/domain"
	"github.com/subtun/subtun/internal/session"
	"github.com/subtun/subtun/internal/tunnelproto"
)

type nopConn struct{}

func (nopConn) ReadFrame() (tunnelproto.Frame, error)  { return tunnelproto.Frame{}, io.EOF }
func (nopConn) WriteFrame(tunnelproto.Frame) error     { return nil }
func (nopConn) Close() error                           { return nil }

func newTestSession(t *testing.T, principalID string) *session.Session {
	t.Helper()
	sess := session.New(nopConn{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	sess.SetPrincipal(domain.Principal{
		ID:            principalID,
		SubdomainHint: principalID,
		Kind:          domain.CredentialAPIKey,
	})
	return sess
}

func TestReserveRequestedWhenFree(t *testing.T) {
	t.Parallel()

	r := New(Config{})
	granted, err := r.Reserve("myapp", newTestSession(t, "alice"))
	if err != nil {
		t.Fatal(err)
	}
	if granted != "myapp" {
		t.Fatalf("expected myapp, got %q", granted)
	}
	if _, ok := r.Lookup("myapp"); !ok {
		t.Fatal("granted subdomain must be bound")
	}
}

func TestReserveHeldFallsBackToHint(t *testing.T) {
	t.Parallel()

	r := New(Config{})
	first := newTestSession(t, "alice")
	if _, err := r.Reserve("myapp", first); err != nil {
		t.Fatal(err)
	}

	second := newTestSession(t, "bobby")
	granted, err := r.Reserve("myapp", second)
	if err != nil {
		t.Fatal(err)
	}
	if granted == "myapp" {
		t.Fatal("held subdomain must not be granted twice")
	}
	if granted != "bobby" {
		t.Fatalf("expected fallback to hint bobby, got %q", granted)
	}

	boundFirst, _ := r.Lookup("myapp")
	if boundFirst != first {
		t.Fatal("original binding must be untouched")
	}
}

func TestReserveHintHeldAppendsSuffix(t *testing.T) {
	t.Parallel()

	r := New(Config{})
	if _, err := r.Reserve("", newTestSession(t, "alice")); err != nil {
		t.Fatal(err)
	}
	granted, err := r.Reserve("", newTestSession(t, "alice"))
	if err != nil {
		t.Fatal(err)
	}
	if granted != "alice-2" {
		t.Fatalf("expected alice-2, got %q", granted)
	}
}

func TestReserveReservedWordRejected(t *testing.T) {
	t.Parallel()

	r := New(Config{})
	granted, err := r.Reserve("admin", newTestSession(t, "alice"))
	if err != nil {
		t.Fatal(err)
	}
	if granted == "admin" {
		t.Fatal("reserved word must never be granted")
	}
	if granted != "alice" {
		t.Fatalf("expected hint fallback, got %q", granted)
	}
}

func TestReserveFallsThroughToRandomSlug(t *testing.T) {
	t.Parallel()

	r := New(Config{MaxAttempts: 4})
	if _, err := r.Reserve("carol", newTestSession(t, "carol")); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Reserve("carol-2", newTestSession(t, "x1")); err != nil {
		t.Fatal(err)
	}

	// With MaxAttempts=4: hint, carol-2 (both held), then 2 random slugs.
	granted, err := r.Reserve("", newTestSession(t, "carol"))
	if err != nil {
		t.Fatal(err)
	}
	if granted == "carol" || granted == "carol-2" {
		t.Fatalf("granted a held subdomain %q", granted)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	t.Parallel()

	r := New(Config{})
	sess := newTestSession(t, "alice")
	granted, err := r.Reserve("", sess)
	if err != nil {
		t.Fatal(err)
	}

	r.Release(granted, sess)
	if _, ok := r.Lookup(granted); ok {
		t.Fatal("released subdomain still bound")
	}
	// Releasing again, or releasing something never held, is a no-op.
	r.Release(granted, sess)
	r.Release("never-held", nil)
}

func TestReleaseGuardsAgainstStaleOwner(t *testing.T) {
	t.Parallel()

	r := New(Config{})
	old := newTestSession(t, "alice")
	granted, err := r.Reserve("alice", old)
	if err != nil {
		t.Fatal(err)
	}
	r.Release(granted, old)

	// Same label re-acquired by a new session.
	fresh := newTestSession(t, "alice")
	if _, err := r.Reserve("alice", fresh); err != nil {
		t.Fatal(err)
	}

	// A late release from the dead session must not unbind the new one.
	r.Release(granted, old)
	if bound, ok := r.Lookup("alice"); !ok || bound != fresh {
		t.Fatal("stale release unbound the new session")
	}
}

func TestReleaseThenReacquire(t *testing.T) {
	t.Parallel()

	r := New(Config{})
	sess := newTestSession(t, "alice")
	granted, err := r.Reserve("myapp", sess)
	if err != nil {
		t.Fatal(err)
	}
	r.Release(granted, sess)

	again, err := r.Reserve("myapp", newTestSession(t, "bobby"))
	if err != nil {
		t.Fatal(err)
	}
	if again != "myapp" {
		t.Fatalf("released label must be reusable, got %q", again)
	}
}

func TestConcurrentReservationsAreUnique(t *testing.T) {
	t.Parallel()

	const n = 50
	r := New(Config{MaxAttempts: 64})

	var wg sync.WaitGroup
	grants := make(chan string, n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sess := newTestSession(t, fmt.Sprintf("user%02d", i))
			granted, err := r.Reserve(fmt.Sprintf("app%02d", i), sess)
			if err != nil {
				errs <- err
				return
			}
			grants <- granted
		}(i)
	}
	wg.Wait()
	close(grants)
	close(errs)

	for err := range errs {
		t.Fatal(err)
	}
	seen := make(map[string]struct{}, n)
	for g := range grants {
		if _, dup := seen[g]; dup {
			t.Fatalf("duplicate grant %q", g)
		}
		seen[g] = struct{}{}
	}
	if len(seen) != n {
		t.Fatalf("expected %d grants, got %d", n, len(seen))
	}
	if r.Len() != n {
		t.Fatalf("registry size = %d, want %d", r.Len(), n)
	}
}

func TestConcurrentContentionForSameLabel(t *testing.T) {
	t.Parallel()

	const n = 20
	r := New(Config{MaxAttempts: 64})

	var wg sync.WaitGroup
	grants := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sess := newTestSession(t, fmt.Sprintf("user%02d", i))
			granted, err := r.Reserve("popular", sess)
			if err != nil {
				t.Error(err)
				return
			}
			grants <- granted
		}(i)
	}
	wg.Wait()
	close(grants)

	seen := make(map[string]struct{}, n)
	popular := 0
	for g := range grants {
		if _, dup := seen[g]; dup {
			t.Fatalf("duplicate grant %q", g)
		}
		seen[g] = struct{}{}
		if g == "popular" {
			popular++
		}
	}
	if popular != 1 {
		t.Fatalf("exactly one session may win the contested label, got %d", popular)
	}
}

func TestValidLabel(t *testing.T) {
	t.Parallel()

	valid := []string{"abc", "my-app", "a1b2c3", "user123"}
	for _, v := range valid {
		if !ValidLabel(v) {
			t.Fatalf("expected %q to be valid", v)
		}
	}
	invalid := []string{"", "ab", "-abc", "abc-", "UPPER", "has.dot", "x", "this-label-is-way-too-long-to-be-a-subdomain"}
	for _, v := range invalid {
		if ValidLabel(v) {
			t.Fatalf("expected %q to be invalid", v)
		}
	}
}
