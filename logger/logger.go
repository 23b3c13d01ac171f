// Package logger provides a thread-safe, levelled logger for powgate backed
// by log/slog.
//
// The method set mirrors the original printf-style API (Info/Infof, Error,
// Debug …) so call sites stay terse, while With attaches structured
// attributes such as the session id or flow id to every line a component
// emits.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Level represents a logging verbosity level.
type Level int

const (
	// LevelDebug emits all messages.
	LevelDebug Level = iota
	// LevelInfo emits INFO, WARN and ERROR messages.
	LevelInfo
	// LevelWarn emits WARN and ERROR messages.
	LevelWarn
	// LevelError emits only ERROR messages.
	LevelError
)

func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseLevel maps a textual level ("debug", "info", "warn", "error") to a
// Level.  Unknown values fall back to LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger is a structured, levelled logger.
//
// Child loggers created by With share the parent's level variable, so
// SetLevel on any of them affects the whole tree.  slog.LevelVar is safe for
// concurrent use, and so are slog handlers.
type Logger struct {
	sl    *slog.Logger
	level *slog.LevelVar
}

// New creates a Logger that writes text lines to stderr at the given minimum
// level.
func New(level Level) *Logger {
	return NewWithWriter(os.Stderr, level)
}

// NewWithWriter is like New but writes to w.  Tests use it with a buffer.
func NewWithWriter(w io.Writer, level Level) *Logger {
	lv := new(slog.LevelVar)
	lv.Set(level.slogLevel())
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: lv})
	return &Logger{sl: slog.New(h), level: lv}
}

// Discard returns a Logger that drops everything.  Components fall back to it
// when constructed with a nil logger.
func Discard() *Logger {
	return NewWithWriter(io.Discard, LevelError)
}

// SetLevel changes the minimum log level at runtime.  Safe for concurrent use.
func (l *Logger) SetLevel(level Level) {
	l.level.Set(level.slogLevel())
}

// With returns a child logger that adds args (alternating key/value pairs)
// to every record.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{sl: l.sl.With(args...), level: l.level}
}

// Enabled reports whether messages at level would be emitted.
func (l *Logger) Enabled(level Level) bool {
	return l.sl.Enabled(context.Background(), level.slogLevel())
}

// Info logs a message at INFO level.  args are key/value attributes.
func (l *Logger) Info(msg string, args ...any) { l.sl.Info(msg, args...) }

// Infof logs a formatted message at INFO level.
func (l *Logger) Infof(format string, args ...any) {
	if l.Enabled(LevelInfo) {
		l.sl.Info(fmt.Sprintf(format, args...))
	}
}

// Warn logs a message at WARN level.
func (l *Logger) Warn(msg string, args ...any) { l.sl.Warn(msg, args...) }

// Warnf logs a formatted message at WARN level.
func (l *Logger) Warnf(format string, args ...any) {
	if l.Enabled(LevelWarn) {
		l.sl.Warn(fmt.Sprintf(format, args...))
	}
}

// Error logs a message at ERROR level.
func (l *Logger) Error(msg string, args ...any) { l.sl.Error(msg, args...) }

// Errorf logs a formatted message at ERROR level.
func (l *Logger) Errorf(format string, args ...any) {
	l.sl.Error(fmt.Sprintf(format, args...))
}

// Debug logs a message at DEBUG level.
func (l *Logger) Debug(msg string, args ...any) { l.sl.Debug(msg, args...) }

// Debugf logs a formatted message at DEBUG level.  The format is only
// rendered when debug output is enabled; the solver calls this on hot paths.
func (l *Logger) Debugf(format string, args ...any) {
	if l.Enabled(LevelDebug) {
		l.sl.Debug(fmt.Sprintf(format, args...))
	}
}
