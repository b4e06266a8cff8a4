// Package domain defines the core data types shared across the subtun
// server, store, and tunnel protocol layers.
package domain

import "time"

// CredentialKind identifies how a principal authenticated.
type CredentialKind string

const (
	// CredentialAPIKey is an opaque bearer key checked against the allowlist.
	CredentialAPIKey CredentialKind = "api_key"

	// CredentialSignedToken is a signed HS256 claims token.
	CredentialSignedToken CredentialKind = "signed_token"
)

// Principal is the verified identity produced by credential validation.
// It is immutable once produced and owned by the session that presented
// the credential.
type Principal struct {
	// ID is the stable identifier: the key's owner label for API keys,
	// the token subject for signed tokens.
	ID string

	// SubdomainHint is the deterministic DNS-label-safe default subdomain
	// derived from ID.
	SubdomainHint string

	Kind CredentialKind
}

// APIKey represents a server-managed authentication key.
type APIKey struct {
	ID        string
	Name      string
	KeyHash   string
	CreatedAt time.Time
	RevokedAt *time.Time
}

// Allocation is one subdomain reserve/release audit record.
type Allocation struct {
	ID          string
	Subdomain   string
	PrincipalID string
	ReservedAt  time.Time
	ReleasedAt  *time.Time
}
