// Package config loads and validates daemon configuration from the
// environment and an optional .env file using Viper.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config holds everything the daemon needs to construct the storage backend
// and the managers. Durations are strings in the environment ("30m", "8h")
// and parsed through the accessor methods.
type Config struct {
	AppName  string `mapstructure:"APP_NAME"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	// Storage selection: memory, redis or edge.
	StorageBackend string `mapstructure:"STORAGE_BACKEND"`
	RedisAddr      string `mapstructure:"REDIS_ADDR"`
	RedisPassword  string `mapstructure:"REDIS_PASSWORD"`
	RedisDB        int    `mapstructure:"REDIS_DB"`
	RedisKeyPrefix string `mapstructure:"REDIS_KEY_PREFIX"`
	EdgeBaseURL    string `mapstructure:"EDGE_KV_BASE_URL"`
	EdgeAPIToken   string `mapstructure:"EDGE_KV_API_TOKEN"`

	// OAuth provider. Either an issuer URL for discovery or an explicit
	// token endpoint.
	ProviderIssuerURL    string `mapstructure:"PROVIDER_ISSUER_URL"`
	ProviderTokenURL     string `mapstructure:"PROVIDER_TOKEN_URL"`
	ProviderIntrospect   string `mapstructure:"PROVIDER_INTROSPECTION_URL"`
	ProviderClientID     string `mapstructure:"PROVIDER_CLIENT_ID"`
	ProviderClientSecret string `mapstructure:"PROVIDER_CLIENT_SECRET"`

	// Session policy.
	SessionIdleTimeout     string  `mapstructure:"SESSION_IDLE_TIMEOUT"`
	SessionAbsoluteTimeout string  `mapstructure:"SESSION_ABSOLUTE_TIMEOUT"`
	MaxSessionsPerUser     int     `mapstructure:"MAX_SESSIONS_PER_USER"`
	SessionEvictionPolicy  string  `mapstructure:"SESSION_EVICTION_POLICY"`
	DeviceValidation       bool    `mapstructure:"DEVICE_VALIDATION"`
	DeviceMatchThreshold   float64 `mapstructure:"DEVICE_MATCH_THRESHOLD"`
	CleanupInterval        string  `mapstructure:"CLEANUP_INTERVAL"`
	TombstoneRetained      string  `mapstructure:"SESSION_TOMBSTONE_RETENTION"`

	// Token refresh policy.
	TokenRotation           bool    `mapstructure:"TOKEN_ROTATION"`
	ProactiveRefreshWindow  string  `mapstructure:"PROACTIVE_REFRESH_WINDOW"`
	RotationGracePeriod     string  `mapstructure:"ROTATION_GRACE_PERIOD"`
	RefreshMaxRetries       int     `mapstructure:"REFRESH_MAX_RETRIES"`
	RefreshMaxDelay         string  `mapstructure:"REFRESH_MAX_DELAY"`
	IntrospectionFailClosed bool    `mapstructure:"TOKEN_INTROSPECTION_FAIL_CLOSED"`
	RevocationMaxTTL        string  `mapstructure:"REVOCATION_MAX_TTL"`
	SecurityRiskThreshold   float64 `mapstructure:"SECURITY_RISK_THRESHOLD"`
	AuditRetention          string  `mapstructure:"AUDIT_RETENTION"`
}

// Load reads .env (if present), then builds and validates Config from the
// environment. Missing .env is fine; env vars override the file.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("APP_NAME", "sessiond")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORAGE_BACKEND", "memory")
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_KEY_PREFIX", "sessiond:")
	// Env-only keys must still be registered or Unmarshal never sees them.
	v.SetDefault("EDGE_KV_BASE_URL", "")
	v.SetDefault("EDGE_KV_API_TOKEN", "")
	v.SetDefault("PROVIDER_ISSUER_URL", "")
	v.SetDefault("PROVIDER_TOKEN_URL", "")
	v.SetDefault("PROVIDER_INTROSPECTION_URL", "")
	v.SetDefault("PROVIDER_CLIENT_ID", "")
	v.SetDefault("PROVIDER_CLIENT_SECRET", "")
	v.SetDefault("SESSION_IDLE_TIMEOUT", "30m")
	v.SetDefault("SESSION_ABSOLUTE_TIMEOUT", "8h")
	v.SetDefault("MAX_SESSIONS_PER_USER", 5)
	v.SetDefault("SESSION_EVICTION_POLICY", "evict")
	v.SetDefault("DEVICE_VALIDATION", true)
	v.SetDefault("DEVICE_MATCH_THRESHOLD", 0.8)
	v.SetDefault("CLEANUP_INTERVAL", "15m")
	v.SetDefault("SESSION_TOMBSTONE_RETENTION", "24h")
	v.SetDefault("TOKEN_ROTATION", true)
	v.SetDefault("PROACTIVE_REFRESH_WINDOW", "5m")
	v.SetDefault("ROTATION_GRACE_PERIOD", "5m")
	v.SetDefault("REFRESH_MAX_RETRIES", 3)
	v.SetDefault("REFRESH_MAX_DELAY", "10s")
	v.SetDefault("TOKEN_INTROSPECTION_FAIL_CLOSED", false)
	v.SetDefault("REVOCATION_MAX_TTL", "24h")
	v.SetDefault("SECURITY_RISK_THRESHOLD", 0.7)
	v.SetDefault("AUDIT_RETENTION", "720h") // 30d

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "config: unmarshal")
	}

	switch strings.ToLower(cfg.StorageBackend) {
	case "memory":
	case "redis":
		if cfg.RedisAddr == "" {
			return nil, errors.New("config: REDIS_ADDR must be set for the redis backend")
		}
	case "edge":
		if cfg.EdgeBaseURL == "" || cfg.EdgeAPIToken == "" {
			return nil, errors.New("config: EDGE_KV_BASE_URL and EDGE_KV_API_TOKEN must be set for the edge backend")
		}
	default:
		return nil, errors.Errorf("config: unknown STORAGE_BACKEND %q", cfg.StorageBackend)
	}

	switch strings.ToLower(cfg.SessionEvictionPolicy) {
	case "evict", "deny":
	default:
		return nil, errors.Errorf("config: SESSION_EVICTION_POLICY must be evict or deny, got %q", cfg.SessionEvictionPolicy)
	}

	if cfg.DeviceMatchThreshold <= 0 || cfg.DeviceMatchThreshold > 1 {
		return nil, errors.New("config: DEVICE_MATCH_THRESHOLD must be in (0,1]")
	}

	return &cfg, nil
}

// IdleTimeout parses SESSION_IDLE_TIMEOUT, defaulting to 30m.
func (c *Config) IdleTimeout() time.Duration {
	return c.duration(c.SessionIdleTimeout, 30*time.Minute)
}

// AbsoluteTimeout parses SESSION_ABSOLUTE_TIMEOUT, defaulting to 8h.
func (c *Config) AbsoluteTimeout() time.Duration {
	return c.duration(c.SessionAbsoluteTimeout, 8*time.Hour)
}

// TombstoneRetention parses SESSION_TOMBSTONE_RETENTION, defaulting to 24h.
func (c *Config) TombstoneRetention() time.Duration {
	return c.duration(c.TombstoneRetained, 24*time.Hour)
}

// SessionTTL is the storage bound for a session record: the absolute
// timeout plus the tombstone retention window.
func (c *Config) SessionTTL() time.Duration {
	return c.AbsoluteTimeout() + c.TombstoneRetention()
}

// SweepInterval parses CLEANUP_INTERVAL, defaulting to 15m.
func (c *Config) SweepInterval() time.Duration {
	return c.duration(c.CleanupInterval, 15*time.Minute)
}

// ProactiveWindow parses PROACTIVE_REFRESH_WINDOW, defaulting to 5m.
func (c *Config) ProactiveWindow() time.Duration {
	return c.duration(c.ProactiveRefreshWindow, 5*time.Minute)
}

// GracePeriod parses ROTATION_GRACE_PERIOD, defaulting to 5m.
func (c *Config) GracePeriod() time.Duration {
	return c.duration(c.RotationGracePeriod, 5*time.Minute)
}

// MaxRefreshDelay parses REFRESH_MAX_DELAY, defaulting to 10s.
func (c *Config) MaxRefreshDelay() time.Duration {
	return c.duration(c.RefreshMaxDelay, 10*time.Second)
}

// MaxRevocationTTL parses REVOCATION_MAX_TTL, defaulting to 24h.
func (c *Config) MaxRevocationTTL() time.Duration {
	return c.duration(c.RevocationMaxTTL, 24*time.Hour)
}

// AuditRetentionPeriod parses AUDIT_RETENTION, defaulting to 30d.
func (c *Config) AuditRetentionPeriod() time.Duration {
	return c.duration(c.AuditRetention, 30*24*time.Hour)
}

func (c *Config) duration(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
