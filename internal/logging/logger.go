// Package logging provides structured logging utilities.
package logging

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Log output formats.
const (
	FormatJSON   = "json"
	FormatPretty = "pretty"
)

// NewLogger creates a new zerolog logger configured for the service.
// Logs go to stderr so stdout stays free for the command being run.
func NewLogger(serviceName string, level string) zerolog.Logger {
	return New(os.Stderr, serviceName, level, FormatJSON)
}

// NewPrettyLogger creates a logger with pretty console output (for development).
func NewPrettyLogger(serviceName string, level string) zerolog.Logger {
	return New(os.Stderr, serviceName, level, FormatPretty)
}

// New creates a logger writing to w in the given format. Unknown levels
// fall back to info, unknown formats to JSON.
func New(w io.Writer, serviceName, level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	if format == FormatPretty {
		w = zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(w).
		Level(lvl).
		With().
		Timestamp().
		Str("service", serviceName).
		Logger()
}

// RequestLogger returns a Gin middleware for HTTP request logging.
func RequestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()

		event := logger.Debug()
		if statusCode >= 400 && statusCode < 500 {
			event = logger.Warn()
		} else if statusCode >= 500 {
			event = logger.Error()
		}

		event.
			Str("type", "http_request").
			Str("method", c.Request.Method).
			Str("path", path).
			Str("query", raw).
			Int("status", statusCode).
			Str("clientIp", c.ClientIP()).
			Dur("latency", latency)

		if len(c.Errors) > 0 {
			event.Str("error", c.Errors.String())
		}

		event.Msg("HTTP request")
	}
}

// ContextWithLogger adds a logger to the context.
func ContextWithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	return logger.WithContext(ctx)
}

// LoggerFromContext extracts the logger from context.
func LoggerFromContext(ctx context.Context) zerolog.Logger {
	return *zerolog.Ctx(ctx)
}

// LockLogger creates a logger for operations on a single advisory lock.
// Credentials are never attached.
func LockLogger(logger zerolog.Logger, lockID int64, host string, port int, database string) zerolog.Logger {
	return logger.With().
		Int64("lockId", lockID).
		Str("host", host).
		Int("port", port).
		Str("database", database).
		Logger()
}

// LeaderLogger creates a logger for leader election on a lock.
func LeaderLogger(logger zerolog.Logger, lockID int64) zerolog.Logger {
	return logger.With().
		Str("component", "leader").
		Int64("lockId", lockID).
		Logger()
}
