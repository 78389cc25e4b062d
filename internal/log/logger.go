// Package log owns the process-wide structured logger: one JSON handler on
// stdout, with field helpers for the identifiers that thread through every
// subsystem (component, job id, version token).
package log

import (
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	once     sync.Once
	logger   *slog.Logger
	levelVar slog.LevelVar
)

// ParseLevel maps a configured level string onto a slog level. Unknown or
// empty values fall back to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Setup initializes the global logger. The handler is built once; later calls
// only adjust the level, so a config reload can change verbosity without
// replacing the handler under running goroutines.
func Setup(level string) {
	levelVar.Set(ParseLevel(level))
	once.Do(func() {
		handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: &levelVar})
		logger = slog.New(handler)
		slog.SetDefault(logger)
	})
}

// Get returns the configured logger, initializing with defaults if Setup has
// not run yet.
func Get() *slog.Logger {
	if logger == nil {
		Setup("info")
	}
	return logger
}

// WithComponent returns a logger with the component field set.
func WithComponent(name string) *slog.Logger {
	return Get().With(slog.String("component", name))
}

// WithJob returns a logger with the job_id field set.
func WithJob(id string) *slog.Logger {
	return Get().With(slog.String("job_id", id))
}

// WithVersion returns a logger with the version_token field set.
func WithVersion(token string) *slog.Logger {
	return Get().With(slog.String("version_token", token))
}

// Info logs at INFO level.
func Info(msg string, args ...any) {
	Get().Info(msg, args...)
}

// Debug logs at DEBUG level.
func Debug(msg string, args ...any) {
	Get().Debug(msg, args...)
}

// Warn logs at WARN level.
func Warn(msg string, args ...any) {
	Get().Warn(msg, args...)
}

// Error logs at ERROR level.
func Error(msg string, args ...any) {
	Get().Error(msg, args...)
}
