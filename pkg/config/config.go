package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Signal struct {
		PingInterval    time.Duration `yaml:"ping_interval"`
		PongTimeout     time.Duration `yaml:"pong_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		SendQueueSize   int           `yaml:"send_queue_size"`
		MaxMessageBytes int64         `yaml:"max_message_bytes"`
		AllowedOrigins  []string      `yaml:"allowed_origins"`
	} `yaml:"signal"`

	Abuse struct {
		SuspiciousThreshold     int           `yaml:"suspicious_threshold"`
		Window                  time.Duration `yaml:"window"`
		BlockDuration           time.Duration `yaml:"block_duration"`
		HardCapPerSecond        int           `yaml:"hard_cap_per_second"`
		ClientThrottlePerSecond float64       `yaml:"client_throttle_per_second"`
		NoticeInterval          time.Duration `yaml:"notice_interval"`
		SweepInterval           time.Duration `yaml:"sweep_interval"` // 0 disables the sweep
		FailOpen                bool          `yaml:"fail_open"`
	} `yaml:"abuse"`

	Store struct {
		Backend string `yaml:"backend"` // memory | redis | sql
		SQL     struct {
			Driver string `yaml:"driver"` // sqlite | postgres
			DSN    string `yaml:"dsn"`
		} `yaml:"sql"`
		Breaker struct {
			FailureThreshold int           `yaml:"failure_threshold"`
			Timeout          time.Duration `yaml:"timeout"`
		} `yaml:"breaker"`
		// Snapshot persists the memory backend to disk. Empty Dir disables it.
		Snapshot struct {
			Dir      string        `yaml:"dir"`
			Interval time.Duration `yaml:"interval"`
			Keep     int           `yaml:"keep"`
		} `yaml:"snapshot"`
	} `yaml:"store"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
	} `yaml:"webrtc"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level      string `yaml:"level"`
		Format     string `yaml:"format"`
		File       string `yaml:"file"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
	} `yaml:"logging"`

	Redis struct {
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Auth struct {
		JWTSecret      string        `yaml:"jwt_secret"`
		AccessTokenTTL time.Duration `yaml:"access_token_ttl"`
		// IssueEndpoint exposes /api/v1/auth/token for development setups where
		// no external identity provider mints tokens.
		IssueEndpoint bool `yaml:"issue_endpoint"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"` // global concurrent HTTP requests
		} `yaml:"http"`

		WebSocket struct {
			ConnectionsPerMinute int `yaml:"connections_per_minute"`
			Burst                int `yaml:"burst"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`
}

type ICEServer struct {
	URLs       []string `yaml:"urls" json:"urls"`
	Username   string   `yaml:"username,omitempty" json:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty" json:"credential,omitempty"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Signal
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be > signal.ping_interval")
	}
	if c.Signal.WriteTimeout <= 0 {
		return fmt.Errorf("signal.write_timeout must be > 0")
	}
	if c.Signal.SendQueueSize <= 0 {
		return fmt.Errorf("signal.send_queue_size must be > 0")
	}
	if c.Signal.MaxMessageBytes <= 0 {
		return fmt.Errorf("signal.max_message_bytes must be > 0")
	}

	// Abuse
	if c.Abuse.SuspiciousThreshold <= 0 {
		return fmt.Errorf("abuse.suspicious_threshold must be > 0")
	}
	if c.Abuse.Window <= 0 {
		return fmt.Errorf("abuse.window must be > 0")
	}
	if c.Abuse.BlockDuration <= 0 {
		return fmt.Errorf("abuse.block_duration must be > 0")
	}
	if c.Abuse.HardCapPerSecond <= 0 {
		return fmt.Errorf("abuse.hard_cap_per_second must be > 0")
	}
	if c.Abuse.ClientThrottlePerSecond <= 0 {
		return fmt.Errorf("abuse.client_throttle_per_second must be > 0")
	}
	if c.Abuse.ClientThrottlePerSecond > float64(c.Abuse.HardCapPerSecond) {
		return fmt.Errorf("abuse.client_throttle_per_second must not exceed abuse.hard_cap_per_second")
	}
	if c.Abuse.SweepInterval < 0 {
		return fmt.Errorf("abuse.sweep_interval must be >= 0")
	}

	// Store
	switch c.Store.Backend {
	case "memory", "redis":
	case "sql":
		if c.Store.SQL.Driver != "sqlite" && c.Store.SQL.Driver != "postgres" {
			return fmt.Errorf("store.sql.driver must be sqlite or postgres")
		}
		if c.Store.SQL.DSN == "" {
			return fmt.Errorf("store.sql.dsn must not be empty when store.backend=sql")
		}
	default:
		return fmt.Errorf("store.backend must be one of memory, redis, sql (got %q)", c.Store.Backend)
	}
	if c.Store.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("store.breaker.failure_threshold must be > 0")
	}
	if c.Store.Breaker.Timeout <= 0 {
		return fmt.Errorf("store.breaker.timeout must be > 0")
	}
	if c.Store.Snapshot.Dir != "" {
		if c.Store.Backend != "memory" {
			return fmt.Errorf("store.snapshot is only supported with store.backend=memory")
		}
		if c.Store.Snapshot.Interval <= 0 {
			return fmt.Errorf("store.snapshot.interval must be > 0")
		}
		if c.Store.Snapshot.Keep <= 0 {
			return fmt.Errorf("store.snapshot.keep must be > 0")
		}
	}

	// Redis
	if c.Store.Backend == "redis" {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when store.backend=redis")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when store.backend=redis")
		}
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing is enabled")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Auth
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}
	if c.Auth.AccessTokenTTL <= 0 {
		return fmt.Errorf("auth.access_token_ttl must be > 0")
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.ConnectionsPerMinute <= 0 {
			return fmt.Errorf("rate_limiting.websocket.connections_per_minute must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.SendQueueSize = 256
	cfg.Signal.MaxMessageBytes = 64 * 1024
	cfg.Signal.AllowedOrigins = []string{"*"}

	cfg.Abuse.SuspiciousThreshold = 50
	cfg.Abuse.Window = 10 * time.Second
	cfg.Abuse.BlockDuration = 60 * time.Second
	cfg.Abuse.HardCapPerSecond = 30
	cfg.Abuse.ClientThrottlePerSecond = 15
	cfg.Abuse.NoticeInterval = time.Second
	cfg.Abuse.SweepInterval = 5 * time.Minute
	cfg.Abuse.FailOpen = true

	cfg.Store.Backend = "memory"
	cfg.Store.SQL.Driver = "sqlite"
	cfg.Store.Breaker.FailureThreshold = 5
	cfg.Store.Breaker.Timeout = 10 * time.Second
	cfg.Store.Snapshot.Interval = 30 * time.Second
	cfg.Store.Snapshot.Keep = 5

	cfg.WebRTC.ICEServers = []ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
	}

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.MaxSizeMB = 100
	cfg.Logging.MaxBackups = 5

	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.AccessTokenTTL = 2 * time.Hour

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 60
	cfg.RateLimiting.WebSocket.Burst = 10

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("CALLGUARD_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if level := os.Getenv("CALLGUARD_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("CALLGUARD_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if backend := os.Getenv("CALLGUARD_STORE_BACKEND"); backend != "" {
		c.Store.Backend = backend
	}
	if dsn := os.Getenv("CALLGUARD_STORE_DSN"); dsn != "" {
		c.Store.SQL.DSN = dsn
	}
	if dir := os.Getenv("CALLGUARD_SNAPSHOT_DIR"); dir != "" {
		c.Store.Snapshot.Dir = dir
	}
	if addr := os.Getenv("CALLGUARD_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
	}
	if v := os.Getenv("CALLGUARD_SUSPICIOUS_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Abuse.SuspiciousThreshold = n
		}
	}
	if v := os.Getenv("CALLGUARD_BLOCK_DURATION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Abuse.BlockDuration = d
		}
	}
}
