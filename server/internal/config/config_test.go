package config

import (
	"slices"
	"testing"
	"time"
)

func TestDetectDriver(t *testing.T) {
	tests := []struct {
		dsn  string
		want string
	}{
		{"postgres://user@localhost/db", "postgres"},
		{"postgresql://user@localhost/db", "postgres"},
		{"sqlite3://./leadqueue.db", "sqlite"},
		{"sqlite://:memory:", "sqlite"},
		{"./data/queue.db", "sqlite"},
		{"host=localhost user=app", "postgres"},
	}

	for _, tt := range tests {
		t.Run(tt.dsn, func(t *testing.T) {
			if got := detectDriver(tt.dsn); got != tt.want {
				t.Errorf("detectDriver(%q) = %q, want %q", tt.dsn, got, tt.want)
			}
		})
	}
}

func TestCleanDSN(t *testing.T) {
	tests := []struct {
		cfg  Config
		want string
	}{
		{Config{DatabaseDSN: "sqlite3://./leadqueue.db", DatabaseDriver: "sqlite"}, "./leadqueue.db"},
		{Config{DatabaseDSN: "postgresql://app@db/leads", DatabaseDriver: "postgres"}, "postgres://app@db/leads"},
	}
	for _, tt := range tests {
		if got := tt.cfg.CleanDSN(); got != tt.want {
			t.Errorf("CleanDSN(%q) = %q, want %q", tt.cfg.DatabaseDSN, got, tt.want)
		}
	}
}

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "LOCK_TIMEOUT", "LOG_LEVEL", "LOG_FORMAT", "DATABASE_DSN", "JOB_MAX_ATTEMPTS", "LEAD_DEDUP_ENABLED"} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.LockTimeout != 2*time.Second {
		t.Errorf("LockTimeout = %s, want 2s", cfg.LockTimeout)
	}
	if cfg.DatabaseDriver != "sqlite" {
		t.Errorf("DatabaseDriver = %q, want sqlite", cfg.DatabaseDriver)
	}
	if cfg.LeadDedupEnabled {
		t.Error("lead dedup should be off by default")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("LOCK_TIMEOUT", "750ms")
	t.Setenv("LEAD_DEDUP_ENABLED", "true")
	t.Setenv("CORS_ORIGINS", "https://a.example,https://b.example")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LockTimeout != 750*time.Millisecond {
		t.Errorf("LockTimeout = %s, want 750ms", cfg.LockTimeout)
	}
	if !cfg.LeadDedupEnabled {
		t.Error("LEAD_DEDUP_ENABLED=true was ignored")
	}
	if want := []string{"https://a.example", "https://b.example"}; !slices.Equal(cfg.CORSOrigins, want) {
		t.Errorf("CORSOrigins = %v, want %v", cfg.CORSOrigins, want)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{Port: 8080, LockTimeout: time.Second, LogLevel: "info", LogFormat: "text", JobMaxAttempts: 3}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"bad port", func(c *Config) { c.Port = 0 }, true},
		{"zero lock timeout", func(c *Config) { c.LockTimeout = 0 }, true},
		{"bad level", func(c *Config) { c.LogLevel = "verbose" }, true},
		{"bad format", func(c *Config) { c.LogFormat = "xml" }, true},
		{"no attempts", func(c *Config) { c.JobMaxAttempts = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
