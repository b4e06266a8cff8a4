package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseServerFlagsDefaults(t *testing.T) {
	cfg, err := ParseServerFlags([]string{"--domain", "example.com", "--api-keys", "sk-user123-abcdef123456"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.BaseDomain != "example.com" {
		t.Fatalf("base domain = %q", cfg.BaseDomain)
	}
	if cfg.Listen != ":8080" {
		t.Fatalf("listen = %q", cfg.Listen)
	}
	if cfg.ExchangeTimeout != 30*time.Second {
		t.Fatalf("exchange timeout = %v", cfg.ExchangeTimeout)
	}
	if cfg.IdleTimeout != 2*time.Minute {
		t.Fatalf("idle timeout = %v", cfg.IdleTimeout)
	}
	if len(cfg.APIKeys) != 1 {
		t.Fatalf("api keys = %v", cfg.APIKeys)
	}
	if cfg.TLSMode != "off" {
		t.Fatalf("tls mode = %q", cfg.TLSMode)
	}
}

func TestParseServerFlagsRequiresDomain(t *testing.T) {
	if _, err := ParseServerFlags([]string{"--api-keys", "sk-a-b"}); err == nil {
		t.Fatal("expected missing domain error")
	}
}

func TestParseServerFlagsRequiresCredentialSource(t *testing.T) {
	if _, err := ParseServerFlags([]string{"--domain", "example.com", "--db", ""}); err == nil {
		t.Fatal("expected missing credential source error")
	}
}

func TestParseServerFlagsNormalizesDomain(t *testing.T) {
	cfg, err := ParseServerFlags([]string{"--domain", "https://Example.COM:443/", "--api-keys", "sk-a-bc"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.BaseDomain != "example.com" {
		t.Fatalf("base domain = %q", cfg.BaseDomain)
	}
}

func TestParseServerFlagsHTTP3NeedsTLS(t *testing.T) {
	_, err := ParseServerFlags([]string{"--domain", "example.com", "--api-keys", "sk-a-bc", "--enable-http3"})
	if err == nil {
		t.Fatal("expected http3-without-tls error")
	}
}

func TestParseServerFlagsEnvOverride(t *testing.T) {
	t.Setenv("SUBTUN_DOMAIN", "env.example.com")
	t.Setenv("SUBTUN_API_KEYS", "sk-one-11, sk-two-22")
	t.Setenv("SUBTUN_LOG_FORMAT", "json")

	cfg, err := ParseServerFlags(nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.BaseDomain != "env.example.com" {
		t.Fatalf("base domain = %q", cfg.BaseDomain)
	}
	if len(cfg.APIKeys) != 2 || cfg.APIKeys[1] != "sk-two-22" {
		t.Fatalf("api keys = %v", cfg.APIKeys)
	}
	if cfg.LogFormat != "json" {
		t.Fatalf("log format = %q", cfg.LogFormat)
	}
}

func TestParseServerFlagsYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subtun.yaml")
	content := `
base_domain: yaml.example.com
api_keys:
  - sk-user123-abcdef123456
reserved_subdomains:
  - internal
exchange_timeout: 45s
log_format: json
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := ParseServerFlags([]string{"--config", path})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.BaseDomain != "yaml.example.com" {
		t.Fatalf("base domain = %q", cfg.BaseDomain)
	}
	if cfg.ExchangeTimeout != 45*time.Second {
		t.Fatalf("exchange timeout = %v", cfg.ExchangeTimeout)
	}
	if len(cfg.ReservedSubdomains) != 1 || cfg.ReservedSubdomains[0] != "internal" {
		t.Fatalf("reserved = %v", cfg.ReservedSubdomains)
	}

	// Flags still beat the file.
	cfg, err = ParseServerFlags([]string{"--config", path, "--domain", "flag.example.com"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.BaseDomain != "flag.example.com" {
		t.Fatalf("base domain = %q", cfg.BaseDomain)
	}
}

func TestParseClientFlags(t *testing.T) {
	cfg, err := ParseClientFlags([]string{"--server", "ws://127.0.0.1:8080", "--token", "sk-alice-7890wxyz", "--port", "3000", "--subdomain", "myapp"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ServerURL != "ws://127.0.0.1:8080" || cfg.LocalPort != 3000 || cfg.Subdomain != "myapp" {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestParseClientFlagsValidation(t *testing.T) {
	if _, err := ParseClientFlags([]string{"--token", "x", "--port", "80"}); err == nil {
		t.Fatal("expected missing server error")
	}
	if _, err := ParseClientFlags([]string{"--server", "ws://x", "--port", "80"}); err == nil {
		t.Fatal("expected missing token error")
	}
	if _, err := ParseClientFlags([]string{"--server", "ws://x", "--token", "t", "--port", "0"}); err == nil {
		t.Fatal("expected invalid port error")
	}
}
