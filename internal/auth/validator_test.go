package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/subtun/subtun/internal/domain"
)

func testValidator(now time.Time) *Validator {
	return NewValidator(ValidatorConfig{
		AllowedKeys:   []string{"sk-user123-abcdef123456", "sk-alice-7890wxyz"},
		Pepper:        "pepper",
		SigningSecret: "test-signing-secret",
		Now:           func() time.Time { return now },
	})
}

func TestValidateAPIKey(t *testing.T) {
	t.Parallel()

	v := testValidator(time.Now())
	p, err := v.Validate("sk-user123-abcdef123456")
	if err != nil {
		t.Fatal(err)
	}
	if p.ID != "user123" {
		t.Fatalf("expected principal user123, got %q", p.ID)
	}
	if p.SubdomainHint != "user123" {
		t.Fatalf("expected hint user123, got %q", p.SubdomainHint)
	}
	if p.Kind != domain.CredentialAPIKey {
		t.Fatalf("unexpected kind %q", p.Kind)
	}
}

func TestValidateAPIKeyDeterministicAcrossRuns(t *testing.T) {
	t.Parallel()

	first, err := testValidator(time.Now()).Validate("sk-alice-7890wxyz")
	if err != nil {
		t.Fatal(err)
	}
	second, err := testValidator(time.Now()).Validate("sk-alice-7890wxyz")
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID || first.SubdomainHint != second.SubdomainHint {
		t.Fatalf("principal not deterministic: %+v vs %+v", first, second)
	}
}

func TestValidateUnknownKey(t *testing.T) {
	t.Parallel()

	v := testValidator(time.Now())
	if _, err := v.Validate("sk-mallory-deadbeef"); !errors.Is(err, domain.ErrInvalidCredential) {
		t.Fatalf("expected ErrInvalidCredential, got %v", err)
	}
	if _, err := v.Validate(""); !errors.Is(err, domain.ErrInvalidCredential) {
		t.Fatalf("expected ErrInvalidCredential for empty credential, got %v", err)
	}
}

func TestValidateSignedToken(t *testing.T) {
	t.Parallel()

	now := time.Now()
	token, err := MintToken("test-signing-secret", "bob", uuid.NewString(), time.Hour, now)
	if err != nil {
		t.Fatal(err)
	}

	p, err := testValidator(now).Validate(token)
	if err != nil {
		t.Fatal(err)
	}
	if p.ID != "bob" {
		t.Fatalf("expected subject bob, got %q", p.ID)
	}
	if p.Kind != domain.CredentialSignedToken {
		t.Fatalf("unexpected kind %q", p.Kind)
	}
}

func TestValidateExpiredToken(t *testing.T) {
	t.Parallel()

	now := time.Now()
	token, err := MintToken("test-signing-secret", "bob", uuid.NewString(), time.Hour, now.Add(-2*time.Hour))
	if err != nil {
		t.Fatal(err)
	}

	_, err = testValidator(now).Validate(token)
	if !errors.Is(err, domain.ErrExpiredCredential) {
		t.Fatalf("expected ErrExpiredCredential, got %v", err)
	}
}

func TestValidateWrongSignature(t *testing.T) {
	t.Parallel()

	now := time.Now()
	token, err := MintToken("other-secret", "bob", uuid.NewString(), time.Hour, now)
	if err != nil {
		t.Fatal(err)
	}

	_, err = testValidator(now).Validate(token)
	if !errors.Is(err, domain.ErrInvalidCredential) {
		t.Fatalf("expected ErrInvalidCredential, got %v", err)
	}
}

func TestValidateGarbageToken(t *testing.T) {
	t.Parallel()

	_, err := testValidator(time.Now()).Validate("not.a.jwt")
	if !errors.Is(err, domain.ErrMalformedCredential) {
		t.Fatalf("expected ErrMalformedCredential, got %v", err)
	}
}

func TestSlugify(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"User 123":        "user-123",
		"alice":           "alice",
		"__Web App!!":     "web-app",
		"a b":             "a-b",
		"":                "",
		"MiXeD--CaSe--99": "mixed-case-99",
	}
	for in, want := range cases {
		if got := Slugify(in); got != want {
			t.Fatalf("Slugify(%q) = %q, want %q", in, got, want)
		}
	}
	if got := Slugify("very-long-identifier-that-exceeds-the-dns-label-budget"); len(got) > maxSubdomainLen {
		t.Fatalf("slug %q exceeds limit", got)
	}
}

func TestHashAPIKeyConstantTimeCompare(t *testing.T) {
	t.Parallel()

	a := HashAPIKey("sk-user123-abcdef123456", "pepper")
	b := HashAPIKey("sk-user123-abcdef123456", "pepper")
	if !ConstantTimeHashEquals(a, b) {
		t.Fatal("identical keys must hash equal")
	}
	c := HashAPIKey("sk-user123-abcdef123456", "other-pepper")
	if ConstantTimeHashEquals(a, c) {
		t.Fatal("pepper must change the hash")
	}
}

func TestGenerateAPIKeyShape(t *testing.T) {
	t.Parallel()

	key, err := GenerateAPIKey()
	if err != nil {
		t.Fatal(err)
	}
	if len(key) < 20 {
		t.Fatalf("key too short: %q", key)
	}
	if key[:3] != "sk-" {
		t.Fatalf("expected sk- prefix, got %q", key)
	}
}
