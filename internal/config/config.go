// Package config provides configuration management for deadbolt.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

const (
	// DefaultHost is the default PostgreSQL host.
	DefaultHost = "localhost"

	// DefaultPort is the standard PostgreSQL port.
	DefaultPort = 5432

	// DefaultDatabase is the default database name.
	DefaultDatabase = "postgres"

	// DefaultUser is the conventional PostgreSQL superuser name.
	DefaultUser = "postgres"

	// DefaultConnectTimeout bounds opening a session.
	DefaultConnectTimeout = 10 * time.Second

	// DefaultReleaseTimeout bounds the unlock and close on release.
	DefaultReleaseTimeout = 5 * time.Second

	// DefaultHealthCheckInterval is how often a leader checks its session.
	DefaultHealthCheckInterval = 5 * time.Second

	// DefaultRetryBackoff is how long a follower waits before campaigning again.
	DefaultRetryBackoff = 2 * time.Second
)

// Config holds the application configuration.
type Config struct {
	// Host is the PostgreSQL server address.
	Host string

	// Port is the PostgreSQL server port.
	Port int

	// Database is the database to connect to.
	Database string

	// User is the role to authenticate as.
	User string

	// Password is the role's password. Never log it; use Redacted.
	Password string

	// LockID is the advisory lock key.
	LockID int64

	// LogLevel is the zerolog level name.
	LogLevel string

	// LogFormat is "json" or "pretty".
	LogFormat string

	// MetricsAddr is the listen address for /metrics and /health. Empty disables it.
	MetricsAddr string

	// ConnectTimeout bounds opening a session.
	ConnectTimeout time.Duration

	// ReleaseTimeout bounds the unlock and close on release.
	ReleaseTimeout time.Duration

	// HealthCheckInterval is how often a leader checks its session.
	HealthCheckInterval time.Duration

	// RetryBackoff is how long to wait before campaigning again.
	RetryBackoff time.Duration
}

// Load loads configuration from environment variables with defaults.
// Connection settings use the standard libpq variable names.
func Load() *Config {
	cfg := &Config{
		Host:                getEnvOrDefault("PGHOST", DefaultHost),
		Port:                getEnvIntOrDefault("PGPORT", DefaultPort),
		Database:            getEnvOrDefault("PGDATABASE", DefaultDatabase),
		User:                getEnvOrDefault("PGUSER", DefaultUser),
		Password:            os.Getenv("PGPASSWORD"),
		LockID:              getEnvInt64OrDefault("DEADBOLT_LOCK_ID", 0),
		LogLevel:            getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:           getEnvOrDefault("LOG_FORMAT", "json"),
		MetricsAddr:         os.Getenv("METRICS_ADDR"),
		ConnectTimeout:      getEnvDurationOrDefault("CONNECT_TIMEOUT", DefaultConnectTimeout),
		ReleaseTimeout:      getEnvDurationOrDefault("RELEASE_TIMEOUT", DefaultReleaseTimeout),
		HealthCheckInterval: getEnvDurationOrDefault("HEALTH_CHECK_INTERVAL", DefaultHealthCheckInterval),
		RetryBackoff:        getEnvDurationOrDefault("RETRY_BACKOFF", DefaultRetryBackoff),
	}

	return cfg
}

// Validate reports configuration that cannot work.
func (c *Config) Validate() error {
	var errs []error
	if c.Host == "" {
		errs = append(errs, errors.New("host is required"))
	}
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.Database == "" {
		errs = append(errs, errors.New("database is required"))
	}
	if c.LogFormat != "json" && c.LogFormat != "pretty" {
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	if c.HealthCheckInterval <= 0 {
		errs = append(errs, errors.New("health check interval must be positive"))
	}
	if c.ReleaseTimeout <= 0 {
		errs = append(errs, errors.New("release timeout must be positive"))
	}
	if c.RetryBackoff <= 0 {
		errs = append(errs, errors.New("retry backoff must be positive"))
	}
	return errors.Join(errs...)
}

// Redacted returns a copy with the password masked, safe to log.
func (c *Config) Redacted() Config {
	r := *c
	if r.Password != "" {
		r.Password = "****"
	}
	return r
}

// getEnvOrDefault returns the environment variable value or the default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt64OrDefault returns the environment variable value as int64 or the default if not set or invalid.
func getEnvInt64OrDefault(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvIntOrDefault returns the environment variable value as int or the default if not set or invalid.
func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvDurationOrDefault returns the environment variable value as a duration or the default if not set or invalid.
func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
