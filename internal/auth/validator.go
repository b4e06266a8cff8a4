package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/subtun/subtun/internal/domain"
)

// ValidatorConfig is the immutable configuration a [Validator] is built from.
type ValidatorConfig struct {
	// AllowedKeys is the static API key allowlist (plaintext keys).
	AllowedKeys []string

	// ExtraKeyHashes are additional allowed key hashes, e.g. keys minted
	// through the sqlite store. Hashes use [HashAPIKey] with Pepper.
	ExtraKeyHashes []string

	// Pepper is mixed into every key hash.
	Pepper string

	// SigningSecret verifies HS256 signed tokens. Empty disables the
	// signed-token path.
	SigningSecret string

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Validator checks a presented credential and produces a [domain.Principal].
// Validation never mutates server-wide state.
type Validator struct {
	keyHashes []allowedKey
	pepper    string
	secret    []byte
	now       func() time.Time
}

type allowedKey struct {
	hash        string
	principalID string
}

// NewValidator builds a validator from its configuration.
func NewValidator(cfg ValidatorConfig) *Validator {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	v := &Validator{
		pepper: cfg.Pepper,
		now:    now,
	}
	if cfg.SigningSecret != "" {
		v.secret = []byte(cfg.SigningSecret)
	}
	for _, key := range cfg.AllowedKeys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		v.keyHashes = append(v.keyHashes, allowedKey{
			hash:        HashAPIKey(key, cfg.Pepper),
			principalID: principalIDForKey(key, cfg.Pepper),
		})
	}
	for _, h := range cfg.ExtraKeyHashes {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		v.keyHashes = append(v.keyHashes, allowedKey{
			hash:        h,
			principalID: "key-" + shortDigest(h),
		})
	}
	return v
}

// Validate verifies credential and returns the principal it identifies.
// Signed tokens are recognized by their three-segment JWT shape; everything
// else is treated as an API key.
func (v *Validator) Validate(credential string) (domain.Principal, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return domain.Principal{}, domain.ErrInvalidCredential
	}
	if strings.Count(credential, ".") == 2 {
		return v.validateSignedToken(credential)
	}
	return v.validateAPIKey(credential)
}

func (v *Validator) validateAPIKey(key string) (domain.Principal, error) {
	presented := HashAPIKey(key, v.pepper)

	// Compare against every allowlist entry so timing does not reveal
	// which (if any) entry matched.
	var matched *allowedKey
	for i := range v.keyHashes {
		if ConstantTimeHashEquals(presented, v.keyHashes[i].hash) && matched == nil {
			matched = &v.keyHashes[i]
		}
	}
	if matched == nil {
		return domain.Principal{}, domain.ErrInvalidCredential
	}
	return domain.Principal{
		ID:            matched.principalID,
		SubdomainHint: SubdomainHint(matched.principalID),
		Kind:          domain.CredentialAPIKey,
	}, nil
}

func (v *Validator) validateSignedToken(token string) (domain.Principal, error) {
	if len(v.secret) == 0 {
		return domain.Principal{}, domain.ErrInvalidCredential
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return domain.Principal{}, fmt.Errorf("%w: %v", domain.ErrExpiredCredential, err)
		case errors.Is(err, jwt.ErrTokenMalformed):
			return domain.Principal{}, fmt.Errorf("%w: %v", domain.ErrMalformedCredential, err)
		default:
			return domain.Principal{}, fmt.Errorf("%w: %v", domain.ErrInvalidCredential, err)
		}
	}
	if claims.Subject == "" || claims.ID == "" || claims.IssuedAt == nil || claims.ExpiresAt == nil {
		return domain.Principal{}, fmt.Errorf("%w: missing required claims", domain.ErrMalformedCredential)
	}

	return domain.Principal{
		ID:            claims.Subject,
		SubdomainHint: SubdomainHint(claims.Subject),
		Kind:          domain.CredentialSignedToken,
	}, nil
}

// MintToken issues an HS256 token with the standard claims contract
// (sub, iat, exp, jti). Used by the operator CLI and tests.
func MintToken(secret, subject, tokenID string, ttl time.Duration, now time.Time) (string, error) {
	if subject == "" {
		return "", errors.New("token subject is required")
	}
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ID:        tokenID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// principalIDForKey derives the stable owner identity for an allowlisted key.
func principalIDForKey(key, pepper string) string {
	if owner := keyOwnerLabel(key); owner != "" {
		return owner
	}
	return "key-" + shortDigest(HashAPIKey(key, pepper))
}

func shortDigest(hash string) string {
	if len(hash) > 8 {
		return hash[:8]
	}
	return hash
}
