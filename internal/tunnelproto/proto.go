// Package tunnelproto defines the JSON frame protocol spoken over the
// persistent tunnel channel between server and client.
//
// Every frame is a single flat JSON object tagged by "type"; only the
// fields relevant to that type are populated. Bodies travel base64-encoded
// so arbitrary bytes survive the JSON encoding.
package tunnelproto

import (
	"encoding/base64"
	"time"
)

// Version is the protocol version carried in Auth frames. The server only
// accepts an exact match.
const Version = "1.0"

// Type tags a frame on the wire.
type Type string

const (
	TypeAuth         Type = "Auth"
	TypeAuthResponse Type = "AuthResponse"
	TypeHTTPRequest  Type = "HttpRequest"
	TypeHTTPResponse Type = "HttpResponse"
	TypePing         Type = "Ping"
	TypePong         Type = "Pong"
	TypeError        Type = "Error"
)

// Frame is the wire envelope for all tunnel messages.
type Frame struct {
	Type Type `json:"type"`

	// Auth (client -> server)
	Token           string `json:"token,omitempty"`
	Subdomain       string `json:"subdomain,omitempty"`
	ProtocolVersion string `json:"protocol_version,omitempty"`

	// AuthResponse (server -> client). Success is a pointer so that
	// success=false survives omitempty.
	Success           *bool  `json:"success,omitempty"`
	AssignedSubdomain string `json:"assigned_subdomain,omitempty"`
	Error             string `json:"error,omitempty"`

	// HttpRequest / HttpResponse. ID is the correlation id binding a
	// response to its request; it is unique within one session.
	ID       string              `json:"id,omitempty"`
	Method   string              `json:"method,omitempty"`
	Path     string              `json:"path,omitempty"`
	Headers  map[string][]string `json:"headers,omitempty"`
	BodyB64  string              `json:"body,omitempty"`
	ClientIP string              `json:"client_ip,omitempty"`
	Status   int                 `json:"status,omitempty"`

	// Ping / Pong
	Timestamp int64 `json:"timestamp,omitempty"`

	// Error
	Code    int    `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// NewAuth builds the client authentication frame. subdomain may be empty.
func NewAuth(token, subdomain string) Frame {
	return Frame{
		Type:            TypeAuth,
		Token:           token,
		Subdomain:       subdomain,
		ProtocolVersion: Version,
	}
}

// NewAuthGranted builds a successful AuthResponse carrying the actual grant,
// which may differ from the requested subdomain.
func NewAuthGranted(subdomain string) Frame {
	ok := true
	return Frame{
		Type:              TypeAuthResponse,
		Success:           &ok,
		AssignedSubdomain: subdomain,
		ProtocolVersion:   Version,
	}
}

// NewAuthDenied builds a failed AuthResponse with a client-safe error string.
func NewAuthDenied(reason string) Frame {
	ok := false
	return Frame{
		Type:    TypeAuthResponse,
		Success: &ok,
		Error:   reason,
	}
}

// NewHTTPRequest builds a forwarded request frame.
func NewHTTPRequest(id, method, path string, headers map[string][]string, body []byte, clientIP string) Frame {
	return Frame{
		Type:     TypeHTTPRequest,
		ID:       id,
		Method:   method,
		Path:     path,
		Headers:  headers,
		BodyB64:  EncodeBody(body),
		ClientIP: clientIP,
	}
}

// NewHTTPResponse builds the correlated response frame for request id.
func NewHTTPResponse(id string, status int, headers map[string][]string, body []byte) Frame {
	return Frame{
		Type:    TypeHTTPResponse,
		ID:      id,
		Status:  status,
		Headers: headers,
		BodyB64: EncodeBody(body),
	}
}

// NewPing builds a keepalive frame stamped with the current time.
func NewPing() Frame {
	return Frame{Type: TypePing, Timestamp: time.Now().Unix()}
}

// NewPong echoes the ping timestamp back.
func NewPong(timestamp int64) Frame {
	return Frame{Type: TypePong, Timestamp: timestamp}
}

// NewError builds a protocol error frame sent before closing the channel.
func NewError(code int, message string) Frame {
	return Frame{Type: TypeError, Code: code, Message: message}
}

// EncodeBody encodes raw bytes for the body field. Empty input stays empty.
func EncodeBody(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeBody decodes the body field back to raw bytes.
func DecodeBody(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(s)
}

// CloneHeaders deep-copies a header map so frames never alias request state.
func CloneHeaders(h map[string][]string) map[string][]string {
	out := make(map[string][]string, len(h))
	for k, v := range h {
		c := make([]string, len(v))
		copy(c, v)
		out[k] = c
	}
	return out
}
