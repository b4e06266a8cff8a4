// Package config builds server and client configuration from defaults, an
// optional YAML file, SUBTUN_* environment variables, and command-line
// flags — later sources override earlier ones.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig configures the tunnel server process.
type ServerConfig struct {
	Listen          string
	ChallengeListen string
	BaseDomain      string
	DBPath          string

	APIKeys       []string
	APIKeyPepper  string
	SigningSecret string

	ReservedSubdomains   []string
	MaxSubdomainAttempts int

	LogLevel  string
	LogFormat string

	TLSMode      string // off | auto
	CertCacheDir string
	EnableHTTP3  bool

	AuthTimeout         time.Duration
	ExchangeTimeout     time.Duration
	IdleTimeout         time.Duration
	SweepInterval       time.Duration
	WriteTimeout        time.Duration
	PingInterval        time.Duration
	MaxBodyBytes        int64
	AllocationRetention time.Duration
}

// ClientConfig configures the tunnel client.
type ClientConfig struct {
	ServerURL    string
	Token        string
	Subdomain    string
	LocalPort    int
	PingInterval time.Duration
	DialTimeout  time.Duration
	LogLevel     string
	LogFormat    string
}

const (
	defaultServerListen          = ":8080"
	defaultServerChallengeListen = ":10080"
	defaultServerDBPath          = "./subtun.db"
	defaultServerCertCacheDir    = "./cert"
	defaultAuthTimeout           = 10 * time.Second
	defaultExchangeTimeout       = 30 * time.Second
	defaultIdleTimeout           = 2 * time.Minute
	defaultSweepInterval         = 15 * time.Second
	defaultWriteTimeout          = 10 * time.Second
	defaultPingInterval          = 30 * time.Second
	defaultMaxBodyBytes          = 10 * 1024 * 1024
	defaultMaxAttempts           = 16
	defaultAllocationRetention   = 24 * time.Hour
)

// serverFile mirrors the YAML config file layout.
type serverFile struct {
	Listen               string   `yaml:"listen"`
	ChallengeListen      string   `yaml:"challenge_listen"`
	BaseDomain           string   `yaml:"base_domain"`
	DBPath               string   `yaml:"db_path"`
	APIKeys              []string `yaml:"api_keys"`
	APIKeyPepper         string   `yaml:"api_key_pepper"`
	SigningSecret        string   `yaml:"signing_secret"`
	ReservedSubdomains   []string `yaml:"reserved_subdomains"`
	MaxSubdomainAttempts int      `yaml:"max_subdomain_attempts"`
	LogLevel             string   `yaml:"log_level"`
	LogFormat            string   `yaml:"log_format"`
	TLSMode              string   `yaml:"tls_mode"`
	CertCacheDir         string   `yaml:"cert_cache_dir"`
	EnableHTTP3          bool     `yaml:"enable_http3"`
	AuthTimeout          string   `yaml:"auth_timeout"`
	ExchangeTimeout      string   `yaml:"exchange_timeout"`
	IdleTimeout          string   `yaml:"idle_timeout"`
	SweepInterval        string   `yaml:"sweep_interval"`
	MaxBodyBytes         int64    `yaml:"max_body_bytes"`
}

// ParseServerFlags resolves the full server configuration from args plus the
// environment and an optional YAML file (--config or SUBTUN_CONFIG).
func ParseServerFlags(args []string) (ServerConfig, error) {
	cfg := ServerConfig{
		Listen:               defaultServerListen,
		ChallengeListen:      defaultServerChallengeListen,
		DBPath:               defaultServerDBPath,
		CertCacheDir:         defaultServerCertCacheDir,
		LogLevel:             "info",
		LogFormat:            "text",
		TLSMode:              "off",
		MaxSubdomainAttempts: defaultMaxAttempts,
		AuthTimeout:          defaultAuthTimeout,
		ExchangeTimeout:      defaultExchangeTimeout,
		IdleTimeout:          defaultIdleTimeout,
		SweepInterval:        defaultSweepInterval,
		WriteTimeout:         defaultWriteTimeout,
		PingInterval:         defaultPingInterval,
		MaxBodyBytes:         defaultMaxBodyBytes,
		AllocationRetention:  defaultAllocationRetention,
	}

	configPath := envOrDefault("SUBTUN_CONFIG", preScanConfigPath(args))
	if configPath != "" {
		if err := applyServerFile(&cfg, configPath); err != nil {
			return cfg, err
		}
	}

	applyString(&cfg.Listen, "SUBTUN_LISTEN")
	applyString(&cfg.ChallengeListen, "SUBTUN_LISTEN_HTTP_CHALLENGE")
	applyString(&cfg.BaseDomain, "SUBTUN_DOMAIN")
	applyString(&cfg.DBPath, "SUBTUN_DB_PATH")
	applyString(&cfg.APIKeyPepper, "SUBTUN_API_KEY_PEPPER")
	applyString(&cfg.SigningSecret, "SUBTUN_SIGNING_SECRET")
	applyString(&cfg.LogLevel, "SUBTUN_LOG_LEVEL")
	applyString(&cfg.LogFormat, "SUBTUN_LOG_FORMAT")
	applyString(&cfg.TLSMode, "SUBTUN_TLS_MODE")
	applyString(&cfg.CertCacheDir, "SUBTUN_CERT_CACHE_DIR")
	if v := os.Getenv("SUBTUN_API_KEYS"); v != "" {
		cfg.APIKeys = splitList(v)
	}
	if v := os.Getenv("SUBTUN_RESERVED_SUBDOMAINS"); v != "" {
		cfg.ReservedSubdomains = splitList(v)
	}
	if v := os.Getenv("SUBTUN_ENABLE_HTTP3"); v != "" {
		cfg.EnableHTTP3 = v == "1" || strings.EqualFold(v, "true")
	}

	var apiKeys, reserved, configFlag string
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.StringVar(&configFlag, "config", configPath, "YAML config file path")
	fs.StringVar(&cfg.Listen, "listen", cfg.Listen, "Public listen address")
	fs.StringVar(&cfg.ChallengeListen, "http-challenge-listen", cfg.ChallengeListen, "HTTP-01 challenge listen address (tls-mode auto)")
	fs.StringVar(&cfg.BaseDomain, "domain", cfg.BaseDomain, "Public base domain, e.g. example.com")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	fs.StringVar(&apiKeys, "api-keys", "", "Comma-separated static API key allowlist")
	fs.StringVar(&cfg.APIKeyPepper, "api-key-pepper", cfg.APIKeyPepper, "API key hash pepper")
	fs.StringVar(&cfg.SigningSecret, "signing-secret", cfg.SigningSecret, "HS256 token signing secret")
	fs.StringVar(&reserved, "reserved-subdomains", "", "Comma-separated extra reserved subdomains")
	fs.IntVar(&cfg.MaxSubdomainAttempts, "max-subdomain-attempts", cfg.MaxSubdomainAttempts, "Collision fallback attempt bound")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: text|json")
	fs.StringVar(&cfg.TLSMode, "tls-mode", cfg.TLSMode, "TLS mode: off|auto")
	fs.StringVar(&cfg.CertCacheDir, "cert-cache-dir", cfg.CertCacheDir, "TLS cert cache dir")
	fs.BoolVar(&cfg.EnableHTTP3, "enable-http3", cfg.EnableHTTP3, "Serve HTTP/3 alongside TLS")
	fs.DurationVar(&cfg.AuthTimeout, "auth-timeout", cfg.AuthTimeout, "Handshake deadline for the Auth frame")
	fs.DurationVar(&cfg.ExchangeTimeout, "exchange-timeout", cfg.ExchangeTimeout, "Per-request exchange deadline")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "Session idle timeout")
	fs.DurationVar(&cfg.SweepInterval, "sweep-interval", cfg.SweepInterval, "Idle sweep interval")
	fs.Int64Var(&cfg.MaxBodyBytes, "max-body-bytes", cfg.MaxBodyBytes, "Max forwarded request body size")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if apiKeys != "" {
		cfg.APIKeys = splitList(apiKeys)
	}
	if reserved != "" {
		cfg.ReservedSubdomains = splitList(reserved)
	}

	return cfg, validateServer(&cfg)
}

func validateServer(cfg *ServerConfig) error {
	cfg.BaseDomain = normalizeDomainHost(cfg.BaseDomain)
	if cfg.BaseDomain == "" {
		return errors.New("missing --domain or SUBTUN_DOMAIN")
	}
	cfg.TLSMode = strings.ToLower(strings.TrimSpace(cfg.TLSMode))
	switch cfg.TLSMode {
	case "", "off":
		cfg.TLSMode = "off"
	case "auto":
	default:
		return errors.New("tls mode must be one of: off, auto")
	}
	if cfg.EnableHTTP3 && cfg.TLSMode != "auto" {
		return errors.New("http3 requires tls-mode auto")
	}
	if len(cfg.APIKeys) == 0 && cfg.SigningSecret == "" && cfg.DBPath == "" {
		return errors.New("no credential source configured: set api keys, a signing secret, or a database path")
	}
	switch cfg.LogFormat {
	case "", "text", "json":
	default:
		return errors.New("log format must be text or json")
	}
	for name, d := range map[string]time.Duration{
		"auth timeout":     cfg.AuthTimeout,
		"exchange timeout": cfg.ExchangeTimeout,
		"idle timeout":     cfg.IdleTimeout,
		"sweep interval":   cfg.SweepInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be > 0", name)
		}
	}
	if cfg.MaxSubdomainAttempts <= 0 {
		cfg.MaxSubdomainAttempts = defaultMaxAttempts
	}
	return nil
}

// ParseClientFlags resolves the client configuration from args and env.
func ParseClientFlags(args []string) (ClientConfig, error) {
	cfg := ClientConfig{
		ServerURL:    envOrDefault("SUBTUN_SERVER", ""),
		Token:        envOrDefault("SUBTUN_TOKEN", ""),
		Subdomain:    envOrDefault("SUBTUN_SUBDOMAIN", ""),
		LocalPort:    envIntOrDefault("SUBTUN_PORT", 0),
		PingInterval: defaultPingInterval,
		DialTimeout:  10 * time.Second,
		LogLevel:     envOrDefault("SUBTUN_LOG_LEVEL", "info"),
		LogFormat:    envOrDefault("SUBTUN_LOG_FORMAT", "text"),
	}

	fs := flag.NewFlagSet("client", flag.ContinueOnError)
	fs.StringVar(&cfg.ServerURL, "server", cfg.ServerURL, "Server URL (e.g. wss://example.com)")
	fs.StringVar(&cfg.Token, "token", cfg.Token, "API key or signed token")
	fs.StringVar(&cfg.Subdomain, "subdomain", cfg.Subdomain, "Requested subdomain (optional)")
	fs.IntVar(&cfg.LocalPort, "port", cfg.LocalPort, "Local origin port on 127.0.0.1")
	fs.DurationVar(&cfg.PingInterval, "ping-interval", cfg.PingInterval, "Keepalive ping interval")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if cfg.ServerURL == "" {
		return cfg, errors.New("missing --server or SUBTUN_SERVER")
	}
	if cfg.Token == "" {
		return cfg, errors.New("missing --token or SUBTUN_TOKEN")
	}
	if cfg.LocalPort <= 0 || cfg.LocalPort > 65535 {
		return cfg, errors.New("local port must be between 1 and 65535")
	}
	return cfg, nil
}

func applyServerFile(cfg *ServerConfig, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	var f serverFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	setString(&cfg.Listen, f.Listen)
	setString(&cfg.ChallengeListen, f.ChallengeListen)
	setString(&cfg.BaseDomain, f.BaseDomain)
	setString(&cfg.DBPath, f.DBPath)
	setString(&cfg.APIKeyPepper, f.APIKeyPepper)
	setString(&cfg.SigningSecret, f.SigningSecret)
	setString(&cfg.LogLevel, f.LogLevel)
	setString(&cfg.LogFormat, f.LogFormat)
	setString(&cfg.TLSMode, f.TLSMode)
	setString(&cfg.CertCacheDir, f.CertCacheDir)
	if len(f.APIKeys) > 0 {
		cfg.APIKeys = f.APIKeys
	}
	if len(f.ReservedSubdomains) > 0 {
		cfg.ReservedSubdomains = f.ReservedSubdomains
	}
	if f.MaxSubdomainAttempts > 0 {
		cfg.MaxSubdomainAttempts = f.MaxSubdomainAttempts
	}
	if f.MaxBodyBytes > 0 {
		cfg.MaxBodyBytes = f.MaxBodyBytes
	}
	if f.EnableHTTP3 {
		cfg.EnableHTTP3 = true
	}
	for _, d := range []struct {
		raw string
		dst *time.Duration
	}{
		{f.AuthTimeout, &cfg.AuthTimeout},
		{f.ExchangeTimeout, &cfg.ExchangeTimeout},
		{f.IdleTimeout, &cfg.IdleTimeout},
		{f.SweepInterval, &cfg.SweepInterval},
	} {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
		*d.dst = parsed
	}
	return nil
}

// preScanConfigPath finds --config before the flag set is built, so file
// values can serve as flag defaults.
func preScanConfigPath(args []string) string {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "-config" || arg == "--config" {
			if i+1 < len(args) {
				return args[i+1]
			}
			return ""
		}
		for _, prefix := range []string{"-config=", "--config="} {
			if strings.HasPrefix(arg, prefix) {
				return strings.TrimPrefix(arg, prefix)
			}
		}
	}
	return ""
}

func applyString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setString(dst *string, v string) {
	if strings.TrimSpace(v) != "" {
		*dst = v
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func normalizeDomainHost(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	if idx := strings.Index(v, "/"); idx >= 0 {
		v = v[:idx]
	}
	if strings.Contains(v, ":") {
		parts := strings.Split(v, ":")
		v = parts[0]
	}
	return strings.TrimSuffix(v, ".")
}
