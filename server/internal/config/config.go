package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the server
type Config struct {
	// Server settings
	Port        int
	CORSOrigins []string

	// Database
	DatabaseDSN    string
	DatabaseDriver string // "postgres" or "sqlite", auto-detected from DSN

	// Security
	AdminAPIKey string // If set, /api requires a matching X-API-Key header

	// Logging
	LogLevel  string
	LogFormat string // "text" or "json"
	LogFile   string // Optional; logs go to stdout when empty

	// Rotation
	LockTimeout      time.Duration // Bounded wait for a unit's exclusive section
	RedisURL         string        // Optional; holds unit sections across server instances
	LeadDedupEnabled bool          // Replay the original assignment for a repeated lead id

	// Agent directory
	DirectoryFile     string
	DirectoryCacheTTL time.Duration

	// CRM push
	CRMWebhookURL string
	CRMTimeout    time.Duration

	// Events
	EventRetention time.Duration

	// Job dispatcher settings
	DispatcherEnabled            bool
	DispatcherPollInterval       time.Duration
	DispatcherHeartbeatInterval  time.Duration
	DispatcherHeartbeatTimeout   time.Duration
	DispatcherJobTimeout         time.Duration
	DispatcherStaleJobTimeout    time.Duration
	DispatcherImmediateExecution bool
	JobMaxAttempts               int
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{}

	// Server
	cfg.Port = getEnvInt("PORT", 8080)
	cfg.CORSOrigins = getEnvList("CORS_ORIGINS", []string{"http://localhost:3000"})

	// Database
	cfg.DatabaseDSN = getEnv("DATABASE_DSN", "sqlite3://./leadqueue.db")
	cfg.DatabaseDriver = detectDriver(cfg.DatabaseDSN)

	cfg.AdminAPIKey = getEnv("ADMIN_API_KEY", "")

	cfg.LogLevel = getEnv("LOG_LEVEL", "info")
	cfg.LogFormat = getEnv("LOG_FORMAT", "text")
	cfg.LogFile = getEnv("LOG_FILE", "")

	cfg.LockTimeout = getEnvDuration("LOCK_TIMEOUT", 2*time.Second)
	cfg.RedisURL = getEnv("REDIS_URL", "")
	cfg.LeadDedupEnabled = getEnvBool("LEAD_DEDUP_ENABLED", false)

	cfg.DirectoryFile = getEnv("DIRECTORY_FILE", "")
	cfg.DirectoryCacheTTL = getEnvDuration("DIRECTORY_CACHE_TTL", 30*time.Second)

	cfg.CRMWebhookURL = getEnv("CRM_WEBHOOK_URL", "")
	cfg.CRMTimeout = getEnvDuration("CRM_TIMEOUT", 10*time.Second)

	cfg.EventRetention = getEnvDuration("EVENT_RETENTION", 7*24*time.Hour)

	// Dispatcher
	cfg.DispatcherEnabled = getEnvBool("DISPATCHER_ENABLED", true)
	cfg.DispatcherPollInterval = getEnvDuration("DISPATCHER_POLL_INTERVAL", 5*time.Second)
	cfg.DispatcherHeartbeatInterval = getEnvDuration("DISPATCHER_HEARTBEAT_INTERVAL", 10*time.Second)
	cfg.DispatcherHeartbeatTimeout = getEnvDuration("DISPATCHER_HEARTBEAT_TIMEOUT", 30*time.Second)
	cfg.DispatcherJobTimeout = getEnvDuration("DISPATCHER_JOB_TIMEOUT", 2*time.Minute)
	cfg.DispatcherStaleJobTimeout = getEnvDuration("DISPATCHER_STALE_JOB_TIMEOUT", 10*time.Minute)
	cfg.DispatcherImmediateExecution = getEnvBool("DISPATCHER_IMMEDIATE_EXECUTION", true)
	cfg.JobMaxAttempts = getEnvInt("JOB_MAX_ATTEMPTS", 5)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.LockTimeout <= 0 {
		return errors.New("LOCK_TIMEOUT must be positive")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.LogLevel)
	}

	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format: %s", c.LogFormat)
	}

	if c.JobMaxAttempts < 1 {
		return errors.New("JOB_MAX_ATTEMPTS must be at least 1")
	}
	return nil
}

// detectDriver determines the database driver from DSN
func detectDriver(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	if strings.HasPrefix(dsn, "sqlite3://") || strings.HasPrefix(dsn, "sqlite://") {
		return "sqlite"
	}
	// Default to sqlite for file paths
	if strings.HasSuffix(dsn, ".db") || strings.HasSuffix(dsn, ".sqlite") {
		return "sqlite"
	}
	return "postgres"
}

// CleanDSN removes the driver prefix from DSN for database/sql
func (c *Config) CleanDSN() string {
	dsn := c.DatabaseDSN
	dsn = strings.TrimPrefix(dsn, "postgres://")
	dsn = strings.TrimPrefix(dsn, "postgresql://")
	dsn = strings.TrimPrefix(dsn, "sqlite3://")
	dsn = strings.TrimPrefix(dsn, "sqlite://")

	// For postgres, add the prefix back
	if c.DatabaseDriver == "postgres" {
		return "postgres://" + dsn
	}
	return dsn
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
