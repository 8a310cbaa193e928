// Package logging provides structured logging using zap
package logging

import (
	"context"
	"fmt"
)

type contextKey string

// SessionIDKey carries the active session ID through a context
const SessionIDKey contextKey = "session_id"

func newDefaultLogger() Logger {
	logger, err := NewZapLogger(defaultLogConfig())
	if err != nil {
		panic(fmt.Sprintf("failed to initialize default zap logger: %v", err))
	}
	return logger
}

// InitGlobalLogger installs the process logger with the given level and
// format.
func InitGlobalLogger(level, format string) {
	config := LogConfig{
		Level:  ParseLevel(level),
		Format: ParseFormat(format),
		Name:   rootName,
	}
	logger, err := NewZapLogger(config)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}

	SetGlobalLogger(logger)
	logger.Debug("Logger initialized",
		Field{"level", config.Level.String()},
		Field{"format", string(config.Format)},
	)
}

// MustSync flushes any buffered log entries for zap loggers
// This should be called before application exit
func MustSync() {
	if zapLogger, ok := GetGlobalLogger().(*ZapAdapter); ok {
		_ = zapLogger.Sync()
	}
}

// WithSessionID returns a context that tags log lines with the session ID
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, SessionIDKey, sessionID)
}

// Component returns the global logger tagged with a component name
func Component(name string) Logger {
	return GetGlobalLogger().WithFields(Field{"component", name})
}

// Err creates an error field with key "error"
func Err(err error) Field {
	return Field{Key: "error", Value: err}
}
