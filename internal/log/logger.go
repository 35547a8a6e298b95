package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	once   sync.Once
	logger *slog.Logger
	level  = new(slog.LevelVar)
)

// Setup initializes the global logger.
// logic: default to INFO. If level is invalid, fallback to INFO.
func Setup(lvl string) {
	SetupWithWriter(lvl, os.Stdout)
}

// SetupWithWriter is Setup with an explicit destination for the JSON records.
func SetupWithWriter(lvl string, w io.Writer) {
	once.Do(func() {
		l, _ := ParseLevel(lvl)
		level.Set(l)

		opts := &slog.HandlerOptions{
			Level: level,
		}
		handler := slog.NewJSONHandler(w, opts)
		logger = slog.New(handler)
		slog.SetDefault(logger)
	})
}

// ParseLevel maps a level name to a slog level. ok is false for unknown names,
// in which case INFO is returned.
func ParseLevel(name string) (slog.Level, bool) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DEBUG":
		return slog.LevelDebug, true
	case "INFO":
		return slog.LevelInfo, true
	case "WARN", "WARNING":
		return slog.LevelWarn, true
	case "ERROR":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}

// SetLevel changes the level of the global logger at runtime.
func SetLevel(l slog.Level) {
	level.Set(l)
}

// Level reports the current global level.
func Level() slog.Level {
	return level.Level()
}

// Get returns the configured logger, or a default one if Setup hasn't been called.
func Get() *slog.Logger {
	if logger == nil {
		Setup("INFO")
	}
	return logger
}

// WithComponent returns a logger with the component field set.
func WithComponent(name string) *slog.Logger {
	return Get().With(slog.String("component", name))
}

// WithSite returns a logger with the site field set.
func WithSite(name string) *slog.Logger {
	return Get().With(slog.String("site", name))
}

// WithCommand derives a per-command logger from base, or from the global
// logger when base is nil.
func WithCommand(base *slog.Logger, command, user string) *slog.Logger {
	if base == nil {
		base = Get()
	}
	return base.With(slog.String("command", command), slog.String("user", user))
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
