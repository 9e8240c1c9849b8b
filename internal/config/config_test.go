package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sessionworks/go-session-server/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	require.Equal(t, "sessiond", cfg.AppName)
	require.Equal(t, "memory", cfg.StorageBackend)
	require.Equal(t, 5, cfg.MaxSessionsPerUser)
	require.Equal(t, "evict", cfg.SessionEvictionPolicy)
	require.True(t, cfg.DeviceValidation)
	require.InDelta(t, 0.8, cfg.DeviceMatchThreshold, 1e-9)
	require.True(t, cfg.TokenRotation)
	require.Equal(t, 3, cfg.RefreshMaxRetries)
	require.False(t, cfg.IntrospectionFailClosed)
	require.InDelta(t, 0.7, cfg.SecurityRiskThreshold, 1e-9)

	require.Equal(t, 30*time.Minute, cfg.IdleTimeout())
	require.Equal(t, 8*time.Hour, cfg.AbsoluteTimeout())
	require.Equal(t, 15*time.Minute, cfg.SweepInterval())
	require.Equal(t, 5*time.Minute, cfg.ProactiveWindow())
	require.Equal(t, 5*time.Minute, cfg.GracePeriod())
	require.Equal(t, 10*time.Second, cfg.MaxRefreshDelay())
	require.Equal(t, 24*time.Hour, cfg.MaxRevocationTTL())
	require.Equal(t, 30*24*time.Hour, cfg.AuditRetentionPeriod())
	require.Equal(t, 24*time.Hour, cfg.TombstoneRetention())
	require.Equal(t, 32*time.Hour, cfg.SessionTTL())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SESSION_IDLE_TIMEOUT", "10m")
	t.Setenv("MAX_SESSIONS_PER_USER", "2")
	t.Setenv("SESSION_EVICTION_POLICY", "deny")
	t.Setenv("TOKEN_ROTATION", "false")

	cfg, err := config.Load()
	require.NoError(t, err)

	require.Equal(t, 10*time.Minute, cfg.IdleTimeout())
	require.Equal(t, 2, cfg.MaxSessionsPerUser)
	require.Equal(t, "deny", cfg.SessionEvictionPolicy)
	require.False(t, cfg.TokenRotation)
}

func TestLoad_RedisBackendRequiresAddr(t *testing.T) {
	t.Setenv("STORAGE_BACKEND", "redis")
	t.Setenv("REDIS_ADDR", "redis.internal:6379")

	cfg, err := config.Load()
	require.NoError(t, err)
	require.Equal(t, "redis", cfg.StorageBackend)
	require.Equal(t, "redis.internal:6379", cfg.RedisAddr)
}

func TestLoad_EdgeBackendRequiresCredentials(t *testing.T) {
	t.Setenv("STORAGE_BACKEND", "edge")

	_, err := config.Load()
	require.Error(t, err)

	t.Setenv("EDGE_KV_BASE_URL", "https://kv.example.com/v1")
	t.Setenv("EDGE_KV_API_TOKEN", "secret")

	cfg, err := config.Load()
	require.NoError(t, err)
	require.Equal(t, "https://kv.example.com/v1", cfg.EdgeBaseURL)
}

func TestLoad_RejectsUnknownBackend(t *testing.T) {
	t.Setenv("STORAGE_BACKEND", "postgres")

	_, err := config.Load()
	require.Error(t, err)
}

func TestLoad_RejectsUnknownEvictionPolicy(t *testing.T) {
	t.Setenv("SESSION_EVICTION_POLICY", "random")

	_, err := config.Load()
	require.Error(t, err)
}

func TestLoad_RejectsBadThreshold(t *testing.T) {
	t.Setenv("DEVICE_MATCH_THRESHOLD", "1.5")

	_, err := config.Load()
	require.Error(t, err)
}

func TestDurationAccessors_FallBackOnGarbage(t *testing.T) {
	t.Setenv("SESSION_IDLE_TIMEOUT", "not-a-duration")
	t.Setenv("CLEANUP_INTERVAL", "-5m")

	cfg, err := config.Load()
	require.NoError(t, err)
	require.Equal(t, 30*time.Minute, cfg.IdleTimeout())
	require.Equal(t, 15*time.Minute, cfg.SweepInterval())
}
