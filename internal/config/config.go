// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// SessionEvictionPolicy selects behavior when a principal is at the concurrent-session cap.
type SessionEvictionPolicy string

const (
	// EvictionRolling evicts the oldest active session to make room.
	EvictionRolling SessionEvictionPolicy = "ROLLING"
	// EvictionStrict rejects the new session with CONCURRENT_SESSION_LIMIT_EXCEEDED.
	EvictionStrict SessionEvictionPolicy = "STRICT"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the HTTP server listens on (e.g. :8080).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// DatabaseURL is the Postgres DSN; empty selects the in-memory store (dev/test only).
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// ProjectID is the expected audience of identity-provider tokens.
	ProjectID string `mapstructure:"PROJECT_ID"`
	// IDPIssuer is the expected iss claim on identity-provider tokens.
	IDPIssuer string `mapstructure:"IDP_ISSUER"`
	// IDPPublicKey is the PEM-encoded verification key (RSA or ECDSA) or a path to one.
	IDPPublicKey string `mapstructure:"IDP_PUBLIC_KEY"`
	// SessionSecret is the master secret session-handle and CSRF keys are derived from. Min 32 bytes.
	SessionSecret string `mapstructure:"SESSION_SECRET"`
	// ParentDomain is the cookie domain shared by sibling origins (e.g. example.com).
	ParentDomain string `mapstructure:"PARENT_DOMAIN"`
	// TrustedOrigins is the comma-separated CORS allow-list (e.g. https://app.example.com,https://a.example.com).
	TrustedOrigins string `mapstructure:"TRUSTED_ORIGINS"`

	// TokenReplayWindow is how long a consumed token id is remembered. Must be >= token lifetime.
	TokenReplayWindow string `mapstructure:"TOKEN_REPLAY_WINDOW"`
	// MaxSessionAge bounds now - auth_time on incoming tokens.
	MaxSessionAge string `mapstructure:"MAX_SESSION_AGE"`
	// SessionTimeout is the idle session lifetime.
	SessionTimeout string `mapstructure:"SESSION_TIMEOUT"`
	// SessionMaxTimeout is the absolute session lifetime regardless of activity.
	SessionMaxTimeout string `mapstructure:"SESSION_MAX_TIMEOUT"`
	// ActivityUpdateInterval throttles last-activity writes on session validation.
	ActivityUpdateInterval string `mapstructure:"ACTIVITY_UPDATE_INTERVAL"`
	// MaxConcurrentSessions caps active sessions per principal.
	MaxConcurrentSessions int `mapstructure:"MAX_CONCURRENT_SESSIONS"`
	// SessionEvictionPolicy is ROLLING or STRICT.
	SessionEvictionPolicy string `mapstructure:"SESSION_EVICTION_POLICY"`
	// CookieMaxAge is the Max-Age in seconds for the session and csrf cookies.
	CookieMaxAge int `mapstructure:"COOKIE_MAX_AGE"`

	// RedisAddr selects the Redis rate-limit backend when set (host:port); empty uses the document store.
	RedisAddr string `mapstructure:"REDIS_ADDR"`

	// BillingWebhookSecret verifies billing webhook signatures.
	BillingWebhookSecret string `mapstructure:"BILLING_WEBHOOK_SECRET"`
	// WebhookTolerance bounds the age of a webhook signature timestamp.
	WebhookTolerance string `mapstructure:"WEBHOOK_TOLERANCE"`

	// AuditKafkaBrokers is a comma-separated list of Kafka broker addresses; empty disables the audit fan-out.
	AuditKafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// AuditKafkaTopic is the Kafka topic audit events are mirrored to.
	AuditKafkaTopic string `mapstructure:"AUDIT_KAFKA_TOPIC"`
	// KafkaGroupID is the consumer group ID for the audit worker.
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`
	// LokiURL is the Loki base URL the audit worker pushes to (e.g. http://localhost:3100).
	LokiURL string `mapstructure:"LOKI_URL"`

	// OTLPEndpoint enables OpenTelemetry export when set (e.g. http://localhost:4317).
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// OTLPInsecure forces plaintext OTLP even for https endpoints.
	OTLPInsecure bool `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`

	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("PROJECT_ID", "")
	v.SetDefault("IDP_ISSUER", "")
	v.SetDefault("IDP_PUBLIC_KEY", "")
	v.SetDefault("SESSION_SECRET", "")
	v.SetDefault("PARENT_DOMAIN", "")
	v.SetDefault("TRUSTED_ORIGINS", "")
	v.SetDefault("TOKEN_REPLAY_WINDOW", "1h")
	v.SetDefault("MAX_SESSION_AGE", "24h")
	v.SetDefault("SESSION_TIMEOUT", "24h")
	v.SetDefault("SESSION_MAX_TIMEOUT", "168h") // 7d
	v.SetDefault("ACTIVITY_UPDATE_INTERVAL", "5m")
	v.SetDefault("MAX_CONCURRENT_SESSIONS", 5)
	v.SetDefault("SESSION_EVICTION_POLICY", string(EvictionRolling))
	v.SetDefault("COOKIE_MAX_AGE", 3600)
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("BILLING_WEBHOOK_SECRET", "")
	v.SetDefault("WEBHOOK_TOLERANCE", "5m")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("AUDIT_KAFKA_TOPIC", "copyforge-audit")
	v.SetDefault("KAFKA_GROUP_ID", "copyforge-audit-worker")
	v.SetDefault("LOKI_URL", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("APP_ENV", "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.HTTPAddr == "" {
		return nil, errors.New("config: HTTP_ADDR must be set")
	}
	if cfg.SessionSecret != "" && len(cfg.SessionSecret) < 32 {
		return nil, errors.New("config: SESSION_SECRET must be at least 32 bytes")
	}
	if cfg.Env == "production" {
		if cfg.SessionSecret == "" {
			return nil, errors.New("config: SESSION_SECRET is required when APP_ENV=production")
		}
		if cfg.DatabaseURL == "" {
			return nil, errors.New("config: DATABASE_URL is required when APP_ENV=production")
		}
		if cfg.TokenReplayWindowDuration() < cfg.MaxSessionAgeDuration() {
			return nil, errors.New("config: TOKEN_REPLAY_WINDOW must be at least MAX_SESSION_AGE in production")
		}
	}
	switch SessionEvictionPolicy(strings.ToUpper(strings.TrimSpace(cfg.SessionEvictionPolicy))) {
	case EvictionRolling, EvictionStrict:
	default:
		return nil, errors.New("config: SESSION_EVICTION_POLICY must be ROLLING or STRICT")
	}
	if cfg.MaxConcurrentSessions < 1 {
		return nil, errors.New("config: MAX_CONCURRENT_SESSIONS must be at least 1")
	}
	if cfg.CookieMaxAge <= 0 {
		cfg.CookieMaxAge = 3600
	}

	return &cfg, nil
}

// EvictionPolicy returns the normalized concurrent-session policy.
func (c *Config) EvictionPolicy() SessionEvictionPolicy {
	if SessionEvictionPolicy(strings.ToUpper(strings.TrimSpace(c.SessionEvictionPolicy))) == EvictionStrict {
		return EvictionStrict
	}
	return EvictionRolling
}

// TokenReplayWindowDuration parses TokenReplayWindow. Returns 1h if unset or invalid.
func (c *Config) TokenReplayWindowDuration() time.Duration {
	return parseDuration(c.TokenReplayWindow, time.Hour)
}

// MaxSessionAgeDuration parses MaxSessionAge. Returns 24h if unset or invalid.
func (c *Config) MaxSessionAgeDuration() time.Duration {
	return parseDuration(c.MaxSessionAge, 24*time.Hour)
}

// SessionTimeoutDuration parses SessionTimeout. Returns 24h if unset or invalid.
func (c *Config) SessionTimeoutDuration() time.Duration {
	return parseDuration(c.SessionTimeout, 24*time.Hour)
}

// SessionMaxTimeoutDuration parses SessionMaxTimeout. Returns 168h if unset or invalid.
func (c *Config) SessionMaxTimeoutDuration() time.Duration {
	return parseDuration(c.SessionMaxTimeout, 168*time.Hour)
}

// ActivityUpdateIntervalDuration parses ActivityUpdateInterval. Returns 5m if unset or invalid.
func (c *Config) ActivityUpdateIntervalDuration() time.Duration {
	return parseDuration(c.ActivityUpdateInterval, 5*time.Minute)
}

// WebhookToleranceDuration parses WebhookTolerance. Returns 5m if unset or invalid.
func (c *Config) WebhookToleranceDuration() time.Duration {
	return parseDuration(c.WebhookTolerance, 5*time.Minute)
}

// TrustedOriginsList returns the CORS allow-list from the comma-separated config.
func (c *Config) TrustedOriginsList() []string {
	return splitList(c.TrustedOrigins)
}

// AuditKafkaBrokersList returns Kafka broker addresses from the comma-separated config.
// Used to decide if the audit fan-out is enabled (non-empty list) and to create the producer.
func (c *Config) AuditKafkaBrokersList() []string {
	return splitList(c.AuditKafkaBrokers)
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
