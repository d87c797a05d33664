package quiver

import (
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with quiver-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
// Use this to disable logging entirely.
func NoopLogger() *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(1000), // Unreachable level
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// WithComponent adds a component field to the logger (e.g. "wal", "buffer").
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{
		Logger: l.Logger.With("component", name),
	}
}

// WithMode adds a storage mode field to the logger.
func (l *Logger) WithMode(mode string) *Logger {
	return &Logger{
		Logger: l.Logger.With("mode", mode),
	}
}

// WithTxn adds a transaction id field to the logger.
func (l *Logger) WithTxn(id uint64) *Logger {
	return &Logger{
		Logger: l.Logger.With("txn", id),
	}
}

// Or returns l, or a noop logger when l is nil. Managers call this once at
// construction so that a nil logger is always safe to pass.
func (l *Logger) Or() *Logger {
	if l == nil {
		return NoopLogger()
	}
	return l
}
