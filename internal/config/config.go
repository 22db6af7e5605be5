package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// AuthSecretEnv is the only place the token-signing secret may come from.
// It is deliberately not a config-file field: secrets do not belong in YAML.
const AuthSecretEnv = "CODEGATE_AUTH_SECRET"

// MinSecretLength is the minimum acceptable signing-secret length in bytes.
const MinSecretLength = 32

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Engine    EngineConfig    `yaml:"engine"`
	Token     TokenConfig     `yaml:"token"`
	Lockout   LockoutConfig   `yaml:"lockout"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Audit     AuditConfig     `yaml:"audit"`
	Database  DatabaseConfig  `yaml:"database"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing"`
	TLS       TLSConfig       `yaml:"tls"`
	Users     []UserConfig    `yaml:"users"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
}

type EngineConfig struct {
	ContainerdSocket string        `yaml:"containerd_socket"`
	Namespace        string        `yaml:"namespace"`
	Backend          string        `yaml:"backend"` // "auto" (default), "containerd", or "docker"
	Workers          int           `yaml:"workers"`
	QueueDepth       int           `yaml:"queue_depth"`
	DefaultTimeout   time.Duration `yaml:"default_timeout"`
	MaxTimeout       time.Duration `yaml:"max_timeout"`
	DefaultLimits    DefaultLimits `yaml:"default_limits"`
}

type DefaultLimits struct {
	CPUShares      int64 `yaml:"cpu_shares"`
	MemoryMB       int64 `yaml:"memory_mb"`
	PidsLimit      int64 `yaml:"pids_limit"`
	MaxOutputBytes int64 `yaml:"max_output_bytes"`
}

type TokenConfig struct {
	TTL    time.Duration `yaml:"ttl"`
	Issuer string        `yaml:"issuer"`
}

type LockoutConfig struct {
	Threshold int           `yaml:"threshold"`
	Window    time.Duration `yaml:"window"`
	Duration  time.Duration `yaml:"duration"`
}

// RouteClassLimit is a fixed-window rate limit for one route class.
type RouteClassLimit struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

type RateLimitConfig struct {
	Auth    RouteClassLimit `yaml:"auth"`
	Execute RouteClassLimit `yaml:"execute"`
	General RouteClassLimit `yaml:"general"`

	// Coarse per-IP throttle applied ahead of the per-class limiter.
	GlobalRPS   float64 `yaml:"global_rps"`
	GlobalBurst int     `yaml:"global_burst"`
}

type AuditConfig struct {
	BufferSize    int           `yaml:"buffer_size"`
	DrainInterval time.Duration `yaml:"drain_interval"`
	DrainBatch    int           `yaml:"drain_batch"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	CallTimeout     time.Duration `yaml:"call_timeout"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled  bool    `yaml:"enabled"`
	Endpoint string  `yaml:"endpoint"`
	Sample   float64 `yaml:"sample_rate"`
}

// TLSConfig controls HTTPS/TLS termination.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// UserConfig is a login principal. PasswordHash is a bcrypt hash; plaintext
// passwords are rejected by Validate.
type UserConfig struct {
	Email        string `yaml:"email"`
	PasswordHash string `yaml:"password_hash"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CLI flag or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    65 * time.Second, // > max execution timeout + overhead
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  10 << 20, // 10MB
		},
		Engine: EngineConfig{
			ContainerdSocket: "/run/containerd/containerd.sock",
			Namespace:        "codegate",
			Backend:          "auto",
			Workers:          8,
			QueueDepth:       32,
			DefaultTimeout:   10 * time.Second,
			MaxTimeout:       60 * time.Second,
			DefaultLimits: DefaultLimits{
				CPUShares:      512,
				MemoryMB:       256,
				PidsLimit:      50,
				MaxOutputBytes: 64 * 1024,
			},
		},
		Token: TokenConfig{
			TTL:    1 * time.Hour,
			Issuer: "codegate",
		},
		Lockout: LockoutConfig{
			Threshold: 5,
			Window:    15 * time.Minute,
			Duration:  30 * time.Minute,
		},
		RateLimit: RateLimitConfig{
			Auth:        RouteClassLimit{Limit: 10, Window: time.Minute},
			Execute:     RouteClassLimit{Limit: 30, Window: time.Minute},
			General:     RouteClassLimit{Limit: 120, Window: time.Minute},
			GlobalRPS:   100,
			GlobalBurst: 200,
		},
		Audit: AuditConfig{
			BufferSize:    8192,
			DrainInterval: time.Second,
			DrainBatch:    256,
		},
		Database: DatabaseConfig{
			DSN:             "",
			MaxOpenConns:    25,
			ConnMaxLifetime: 5 * time.Minute,
			CallTimeout:     100 * time.Millisecond,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled: false,
			Sample:  0.1,
		},
		TLS: TLSConfig{
			Enabled: false,
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Server.MaxRequestBody < 1024 {
		return fmt.Errorf("server.max_request_body_bytes must be >= 1024")
	}
	if c.Engine.Workers < 1 {
		return fmt.Errorf("engine.workers must be >= 1")
	}
	if c.Engine.QueueDepth < 0 {
		return fmt.Errorf("engine.queue_depth must be >= 0")
	}
	if c.Engine.DefaultTimeout > c.Engine.MaxTimeout {
		return fmt.Errorf("engine.default_timeout (%s) must be <= max_timeout (%s)",
			c.Engine.DefaultTimeout, c.Engine.MaxTimeout)
	}
	if c.Engine.DefaultLimits.MemoryMB < 16 {
		return fmt.Errorf("engine.default_limits.memory_mb must be >= 16")
	}
	if c.Engine.DefaultLimits.MaxOutputBytes < 1024 {
		return fmt.Errorf("engine.default_limits.max_output_bytes must be >= 1024")
	}
	if c.Token.TTL < time.Minute {
		return fmt.Errorf("token.ttl must be >= 1m, got %s", c.Token.TTL)
	}
	if c.Lockout.Threshold < 1 {
		return fmt.Errorf("lockout.threshold must be >= 1")
	}
	if c.Lockout.Window <= 0 || c.Lockout.Duration <= 0 {
		return fmt.Errorf("lockout.window and lockout.duration must be positive")
	}
	for name, rc := range map[string]RouteClassLimit{
		"auth": c.RateLimit.Auth, "execute": c.RateLimit.Execute, "general": c.RateLimit.General,
	} {
		if rc.Limit < 1 {
			return fmt.Errorf("rate_limit.%s.limit must be >= 1", name)
		}
		if rc.Window <= 0 {
			return fmt.Errorf("rate_limit.%s.window must be positive", name)
		}
	}
	if c.Audit.BufferSize < 16 {
		return fmt.Errorf("audit.buffer_size must be >= 16")
	}
	if c.Database.CallTimeout <= 0 || c.Database.CallTimeout > time.Second {
		return fmt.Errorf("database.call_timeout must be in (0, 1s], got %s", c.Database.CallTimeout)
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
	}
	for i, u := range c.Users {
		if u.Email == "" {
			return fmt.Errorf("users[%d].email is required", i)
		}
		if !strings.HasPrefix(u.PasswordHash, "$2") {
			return fmt.Errorf("users[%d].password_hash must be a bcrypt hash", i)
		}
	}
	if c.Database.DSN != "" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable; connections to Postgres are unencrypted")
	}
	return nil
}

// AuthSecret reads and checks the token-signing secret. A missing or weak
// secret is a startup error; there is no silently-generated fallback.
func AuthSecret() ([]byte, error) {
	raw := strings.TrimSpace(os.Getenv(AuthSecretEnv))
	if raw == "" {
		return nil, fmt.Errorf("%s is not set; refusing to start without a signing secret", AuthSecretEnv)
	}
	if len(raw) < MinSecretLength {
		return nil, fmt.Errorf("%s is %d bytes; need at least %d", AuthSecretEnv, len(raw), MinSecretLength)
	}
	return []byte(raw), nil
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
