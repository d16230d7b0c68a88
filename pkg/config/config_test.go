package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}

func TestDefaultConfig_IsValidAndCarriesAbuseDefaults(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 50, cfg.Abuse.SuspiciousThreshold)
	assert.Equal(t, 10*time.Second, cfg.Abuse.Window)
	assert.Equal(t, 60*time.Second, cfg.Abuse.BlockDuration)
	assert.Equal(t, 30, cfg.Abuse.HardCapPerSecond)
	assert.Equal(t, 15.0, cfg.Abuse.ClientThrottlePerSecond)
	assert.Equal(t, "memory", cfg.Store.Backend)
}

func TestLoad_UsesDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load("non-existent-config.yaml")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_LoadsFromYAMLAndAppliesEnvOverrides(t *testing.T) {
	path := writeTempConfig(t, `
server:
  address: ":9000"
  read_timeout: 10s
  write_timeout: 15s
  shutdown_timeout: 5s

abuse:
  suspicious_threshold: 20
  window: 5s
  block_duration: 2m
  hard_cap_per_second: 10
  client_throttle_per_second: 5

logging:
  level: "debug"
`)

	t.Setenv("CALLGUARD_SERVER_ADDRESS", ":9100")
	t.Setenv("CALLGUARD_BLOCK_DURATION", "90s")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9100", cfg.Server.Address)
	assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 20, cfg.Abuse.SuspiciousThreshold)
	assert.Equal(t, 5*time.Second, cfg.Abuse.Window)
	assert.Equal(t, 90*time.Second, cfg.Abuse.BlockDuration)
	assert.Equal(t, 10, cfg.Abuse.HardCapPerSecond)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// untouched sections keep their defaults
	assert.Equal(t, 256, cfg.Signal.SendQueueSize)
}

func TestLoad_RejectsInvalidYAML(t *testing.T) {
	path := writeTempConfig(t, "server: [unclosed")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate_RateLimitingDisabled_AllowsZeroValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 0
	cfg.RateLimiting.HTTP.Burst = 0
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 0
	cfg.RateLimiting.WebSocket.Burst = 0

	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected config to be valid when rate limiting disabled, got error: %v", err)
	}
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"suspicious threshold must be > 0", func(c *Config) { c.Abuse.SuspiciousThreshold = 0 }},
		{"window must be > 0", func(c *Config) { c.Abuse.Window = 0 }},
		{"block duration must be > 0", func(c *Config) { c.Abuse.BlockDuration = 0 }},
		{"hard cap must be > 0", func(c *Config) { c.Abuse.HardCapPerSecond = 0 }},
		{"client throttle above hard cap", func(c *Config) { c.Abuse.ClientThrottlePerSecond = 31 }},
		{"negative sweep interval", func(c *Config) { c.Abuse.SweepInterval = -time.Second }},
		{"unknown backend", func(c *Config) { c.Store.Backend = "etcd" }},
		{"sql backend without dsn", func(c *Config) { c.Store.Backend = "sql"; c.Store.SQL.DSN = "" }},
		{"sql backend bad driver", func(c *Config) {
			c.Store.Backend = "sql"
			c.Store.SQL.DSN = "file::memory:"
			c.Store.SQL.Driver = "mysql"
		}},
		{"snapshot with redis backend", func(c *Config) {
			c.Store.Backend = "redis"
			c.Store.Snapshot.Dir = "/tmp/snap"
		}},
		{"snapshot without interval", func(c *Config) {
			c.Store.Snapshot.Dir = "/tmp/snap"
			c.Store.Snapshot.Interval = 0
		}},
		{"redis backend without address", func(c *Config) { c.Store.Backend = "redis"; c.Redis.Address = "" }},
		{"pong timeout not above ping interval", func(c *Config) { c.Signal.PongTimeout = c.Signal.PingInterval }},
		{"empty jwt secret", func(c *Config) { c.Auth.JWTSecret = "" }},
		{"http rps must be > 0", func(c *Config) {
			c.RateLimiting.Enabled = true
			c.RateLimiting.HTTP.RequestsPerSecond = 0
		}},
		{"ws burst must be > 0", func(c *Config) {
			c.RateLimiting.Enabled = true
			c.RateLimiting.WebSocket.Burst = 0
		}},
		{"tracing sample rate out of range", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.SampleRate = 2
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)

			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error for case %q, got nil", tc.name)
			}
		})
	}
}

func TestLoad_SampleConfigMatchesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}
