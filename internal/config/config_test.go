package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Server.MaxRequestBody != 10<<20 {
		t.Errorf("Server.MaxRequestBody = %d, want 10MB", cfg.Server.MaxRequestBody)
	}
	if cfg.Lockout.Threshold != 5 {
		t.Errorf("Lockout.Threshold = %d, want 5", cfg.Lockout.Threshold)
	}
	if cfg.Engine.DefaultTimeout != 10*time.Second {
		t.Errorf("Engine.DefaultTimeout = %s, want 10s", cfg.Engine.DefaultTimeout)
	}
	if cfg.RateLimit.Auth.Limit >= cfg.RateLimit.General.Limit {
		t.Errorf("auth limit (%d) should be stricter than general (%d)",
			cfg.RateLimit.Auth.Limit, cfg.RateLimit.General.Limit)
	}
	if cfg.Database.CallTimeout != 100*time.Millisecond {
		t.Errorf("Database.CallTimeout = %s, want 100ms", cfg.Database.CallTimeout)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(c *Config) {}, false},
		{"server port 0", func(c *Config) { c.Server.Port = 0 }, true},
		{"server port 99999", func(c *Config) { c.Server.Port = 99999 }, true},
		{"tiny body ceiling", func(c *Config) { c.Server.MaxRequestBody = 100 }, true},
		{"default_timeout > max_timeout", func(c *Config) {
			c.Engine.DefaultTimeout = 2 * time.Minute
			c.Engine.MaxTimeout = 1 * time.Minute
		}, true},
		{"workers 0", func(c *Config) { c.Engine.Workers = 0 }, true},
		{"memory_mb < 16", func(c *Config) { c.Engine.DefaultLimits.MemoryMB = 8 }, true},
		{"output cap < 1KB", func(c *Config) { c.Engine.DefaultLimits.MaxOutputBytes = 10 }, true},
		{"token ttl too short", func(c *Config) { c.Token.TTL = time.Second }, true},
		{"lockout threshold 0", func(c *Config) { c.Lockout.Threshold = 0 }, true},
		{"rate limit window 0", func(c *Config) { c.RateLimit.Execute.Window = 0 }, true},
		{"store call timeout over 1s", func(c *Config) { c.Database.CallTimeout = 2 * time.Second }, true},
		{"TLS enabled without cert", func(c *Config) { c.TLS.Enabled = true }, true},
		{"plaintext user password", func(c *Config) {
			c.Users = []UserConfig{{Email: "a@b.c", PasswordHash: "hunter2"}}
		}, true},
		{"bcrypt user password", func(c *Config) {
			c.Users = []UserConfig{{Email: "a@b.c", PasswordHash: "$2a$10$abcdefghijklmnopqrstuv"}}
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	yaml := `
server:
  port: 9090
lockout:
  threshold: 3
  window: 5m
  duration: 10m
rate_limit:
  execute:
    limit: 7
    window: 30s
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Lockout.Threshold != 3 {
		t.Errorf("Lockout.Threshold = %d, want 3", cfg.Lockout.Threshold)
	}
	if cfg.RateLimit.Execute.Limit != 7 {
		t.Errorf("RateLimit.Execute.Limit = %d, want 7", cfg.RateLimit.Execute.Limit)
	}
	// Unspecified sections keep defaults.
	if cfg.Engine.Workers != 8 {
		t.Errorf("Engine.Workers = %d, want default 8", cfg.Engine.Workers)
	}
}

func TestAuthSecret(t *testing.T) {
	t.Setenv(AuthSecretEnv, "")
	if _, err := AuthSecret(); err == nil {
		t.Error("missing secret should be an error")
	}

	t.Setenv(AuthSecretEnv, "short")
	if _, err := AuthSecret(); err == nil {
		t.Error("weak secret should be an error")
	}

	t.Setenv(AuthSecretEnv, strings.Repeat("s", MinSecretLength))
	secret, err := AuthSecret()
	if err != nil {
		t.Fatalf("AuthSecret() error: %v", err)
	}
	if len(secret) != MinSecretLength {
		t.Errorf("secret length = %d, want %d", len(secret), MinSecretLength)
	}
}
