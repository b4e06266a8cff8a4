package tunnelproto

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestAuthFrameRoundTrip(t *testing.T) {
	t.Parallel()

	raw, err := json.Marshal(NewAuth("sk-user123-abcdef123456", "myapp"))
	if err != nil {
		t.Fatal(err)
	}

	var got Frame
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatal(err)
	}
	if got.Type != TypeAuth {
		t.Fatalf("expected type %q, got %q", TypeAuth, got.Type)
	}
	if got.Subdomain != "myapp" {
		t.Fatalf("expected subdomain myapp, got %q", got.Subdomain)
	}
	if got.ProtocolVersion != Version {
		t.Fatalf("expected protocol version %q, got %q", Version, got.ProtocolVersion)
	}
}

func TestAuthDeniedKeepsSuccessField(t *testing.T) {
	t.Parallel()

	raw, err := json.Marshal(NewAuthDenied("invalid credential"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(raw, []byte(`"success":false`)) {
		t.Fatalf("denied response must carry success=false, got %s", raw)
	}

	var got Frame
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatal(err)
	}
	if got.Success == nil || *got.Success {
		t.Fatal("expected success=false after round trip")
	}
	if got.Error != "invalid credential" {
		t.Fatalf("unexpected error field %q", got.Error)
	}
	if got.AssignedSubdomain != "" {
		t.Fatalf("denied response must not carry a grant, got %q", got.AssignedSubdomain)
	}
}

func TestHTTPRequestBodyRoundTrip(t *testing.T) {
	t.Parallel()

	body := []byte{0x00, 0x01, 0xff, 'a'}
	headers := map[string][]string{"X-Test": {"1", "2"}}
	frame := NewHTTPRequest("req_1", "POST", "/submit", headers, body, "203.0.113.9")

	raw, err := json.Marshal(frame)
	if err != nil {
		t.Fatal(err)
	}
	var got Frame
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatal(err)
	}

	decoded, err := DecodeBody(got.BodyB64)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(decoded, body) {
		t.Fatalf("body mismatch: got %v, want %v", decoded, body)
	}
	if got.ClientIP != "203.0.113.9" {
		t.Fatalf("unexpected client ip %q", got.ClientIP)
	}
	if len(got.Headers["X-Test"]) != 2 {
		t.Fatalf("header values lost: %v", got.Headers)
	}
}

func TestDecodeBodyEmpty(t *testing.T) {
	t.Parallel()

	b, err := DecodeBody("")
	if err != nil {
		t.Fatal(err)
	}
	if b != nil {
		t.Fatalf("expected nil body, got %v", b)
	}
}

func TestCloneHeadersDoesNotAlias(t *testing.T) {
	t.Parallel()

	src := map[string][]string{"Accept": {"text/html"}}
	cloned := CloneHeaders(src)
	cloned["Accept"][0] = "changed"
	if src["Accept"][0] != "text/html" {
		t.Fatal("clone aliased source header slice")
	}
}

func TestPongEchoesTimestamp(t *testing.T) {
	t.Parallel()

	ping := NewPing()
	pong := NewPong(ping.Timestamp)
	if pong.Timestamp != ping.Timestamp {
		t.Fatalf("pong timestamp %d does not echo ping %d", pong.Timestamp, ping.Timestamp)
	}
	if pong.Type != TypePong {
		t.Fatalf("unexpected type %q", pong.Type)
	}
}
