// Package config loads the authority's environment-driven configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Environment selects which defaults and strictness rules apply.
type Environment string

const (
	Development Environment = "development"
	Testing     Environment = "testing"
	Production  Environment = "production"
)

// Dialect names a storage backend.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
	DialectSQLite   Dialect = "sqlite"
)

// Config is the authority server's full runtime configuration.
type Config struct {
	Env Environment

	ListenAddr string

	Dialect Dialect
	DSN     string

	// Token TTLs.
	CredentialAuthTokenTTL time.Duration
	AccountTokenTTL        time.Duration
	TokenGCInterval        time.Duration

	// Session certificate validity window.
	CertValidity time.Duration

	// Rotation engine tuning.
	RotationCheckInterval time.Duration
	RotationSafetyWindow  time.Duration
	RotationErrorBackoff  time.Duration
	CertValidityWindow    time.Duration // 30 days, first key
	NextCertExtraWindow   time.Duration // additional 30 days for the next key

	// Denylist/allowlist hot-reloaded files.
	IPBanFile            string
	EmailAllowFile       string
	EmailBanFile         string
	DenylistPollInterval time.Duration

	// Mail templates.
	CredentialAuthTokenTemplate string
	AccountTokenTemplate        string

	// Rate limiting.
	RateLimitEnabled  bool
	RateLimitRequests int
	RateLimitWindow   time.Duration
	RateLimitBurst    int

	// Authority identity.
	AuthorityName string

	// Test-mode relaxes TLD requirements so "localhost" email addresses
	// are accepted.
	EmailTestMode bool

	// TokenSecretKey gates the "-secret" token/account-token route
	// variants: a caller must present this value as secret_key or the
	// request fails before any write. Empty disables the secret-gated
	// variants entirely.
	TokenSecretKey string

	CORSAllowedOrigins []string

	// RequestTimeout bounds how long a single route handler may run before
	// the timeout middleware cancels its context.
	RequestTimeout time.Duration
}

// Load builds a Config from the environment, optionally reading a
// `config/<env>.env` file first, then applying defaults for anything
// unset.
func Load() (*Config, error) {
	env := Environment(strings.ToLower(strings.TrimSpace(os.Getenv("ACCOUNTD_ENV"))))
	if env == "" {
		env = Development
	}

	if envFile := fmt.Sprintf("config/%s.env", env); fileExists(envFile) {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	cfg := &Config{
		Env:        env,
		ListenAddr: getEnv("ACCOUNTD_LISTEN_ADDR", ":8090"),
		Dialect:    Dialect(getEnv("ACCOUNTD_DIALECT", string(DialectPostgres))),
		DSN:        getEnv("ACCOUNTD_DSN", ""),

		CredentialAuthTokenTTL: getDurationEnv("ACCOUNTD_CRED_TOKEN_TTL", 24*time.Hour),
		AccountTokenTTL:        getDurationEnv("ACCOUNTD_ACCOUNT_TOKEN_TTL", 24*time.Hour),
		TokenGCInterval:        getDurationEnv("ACCOUNTD_TOKEN_GC_INTERVAL", 24*time.Hour),

		CertValidity: getDurationEnv("ACCOUNTD_CERT_VALIDITY", time.Hour),

		RotationCheckInterval: getDurationEnv("ACCOUNTD_ROTATION_CHECK_INTERVAL", 24*time.Hour),
		RotationSafetyWindow:  getDurationEnv("ACCOUNTD_ROTATION_SAFETY_WINDOW", 7*24*time.Hour),
		RotationErrorBackoff:  getDurationEnv("ACCOUNTD_ROTATION_ERROR_BACKOFF", 2*time.Hour),
		CertValidityWindow:    getDurationEnv("ACCOUNTD_CERT_VALIDITY_WINDOW", 30*24*time.Hour),
		NextCertExtraWindow:   getDurationEnv("ACCOUNTD_NEXT_CERT_EXTRA_WINDOW", 30*24*time.Hour),

		IPBanFile:            getEnv("ACCOUNTD_IP_BAN_FILE", "config/ip_ban.txt"),
		EmailAllowFile:       getEnv("ACCOUNTD_EMAIL_ALLOW_FILE", "config/email_domain_allow.txt"),
		EmailBanFile:         getEnv("ACCOUNTD_EMAIL_BAN_FILE", "config/email_domain_ban.txt"),
		DenylistPollInterval: getDurationEnv("ACCOUNTD_DENYLIST_POLL_INTERVAL", 30*time.Second),

		CredentialAuthTokenTemplate: getEnv("ACCOUNTD_CRED_TOKEN_TEMPLATE", "config/credential_auth_tokens.html"),
		AccountTokenTemplate:        getEnv("ACCOUNTD_ACCOUNT_TOKEN_TEMPLATE", "config/account_tokens.html"),

		RateLimitEnabled:  getBoolEnv("ACCOUNTD_RATE_LIMIT_ENABLED", true),
		RateLimitRequests: getIntEnv("ACCOUNTD_RATE_LIMIT_REQUESTS", 20),
		RateLimitWindow:   getDurationEnv("ACCOUNTD_RATE_LIMIT_WINDOW", time.Minute),
		RateLimitBurst:    getIntEnv("ACCOUNTD_RATE_LIMIT_BURST", 20),

		AuthorityName: getEnv("ACCOUNTD_AUTHORITY_NAME", "ddnet-accounts"),

		EmailTestMode: getBoolEnv("ACCOUNTD_EMAIL_TEST_MODE", env != Production),

		TokenSecretKey:     getEnv("ACCOUNTD_TOKEN_SECRET_KEY", ""),
		CORSAllowedOrigins: splitCSV(getEnv("ACCOUNTD_CORS_ALLOWED_ORIGINS", "*")),

		RequestTimeout: getDurationEnv("ACCOUNTD_REQUEST_TIMEOUT", 15*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces requirements that only apply in some environments.
func (c *Config) Validate() error {
	if c.DSN == "" && c.Env == Production {
		return fmt.Errorf("ACCOUNTD_DSN is required in production")
	}
	switch c.Dialect {
	case DialectPostgres, DialectMySQL, DialectSQLite:
	default:
		return fmt.Errorf("unsupported ACCOUNTD_DIALECT %q", c.Dialect)
	}
	if c.NextCertExtraWindow <= 0 {
		return fmt.Errorf("ACCOUNTD_NEXT_CERT_EXTRA_WINDOW must be > 0")
	}
	return nil
}

func (c *Config) IsProduction() bool { return c.Env == Production }

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getIntEnv(key string, fallback int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getBoolEnv(key string, fallback bool) bool {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getDurationEnv(key string, fallback time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
