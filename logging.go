// logging.go: Pluggable logging for peers, workers and bridges
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginrpc

import (
	"context"
	"sync"
)

type loggerContextKey string

const loggerKey loggerContextKey = "logger"

// Logger is the structured logging interface used across the runtime.
//
// Arguments after the message are key-value pairs. With returns a logger that
// prepends the given pairs to every subsequent entry, which is how peers and
// workers tag their output with names and ids.
//
// Example usage:
//
//	zl, _ := zap.NewProduction()
//	peer := pluginrpc.NewPeer(pluginrpc.PeerConfig{
//	    LocalName: "host",
//	    Logger:    pluginrpc.NewZapLogger(zl),
//	})
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	With(args ...any) Logger
}

// NewLogger creates a Logger from supported logger types.
//
// Supported types:
//   - Logger interface: Used directly
//   - *zap.Logger: Wrapped with ZapLogger
//   - nil: Returns NoOpLogger for silent operation
//   - Unsupported types: Panic with descriptive message
func NewLogger(logger any) Logger {
	switch l := logger.(type) {
	case Logger:
		return l
	case nil:
		return NewNoOpLogger()
	default:
		if zl := zapLoggerFrom(logger); zl != nil {
			return zl
		}
		panic("unsupported logger type: expected Logger interface, *zap.Logger or nil")
	}
}

// NoOpLogger discards all log messages.
type NoOpLogger struct{}

// NewNoOpLogger creates a new no-operation logger.
func NewNoOpLogger() *NoOpLogger {
	return &NoOpLogger{}
}

func (n *NoOpLogger) Debug(msg string, args ...any) {}
func (n *NoOpLogger) Info(msg string, args ...any)  {}
func (n *NoOpLogger) Warn(msg string, args ...any)  {}
func (n *NoOpLogger) Error(msg string, args ...any) {}

// With implements Logger interface (no-op)
func (n *NoOpLogger) With(args ...any) Logger {
	return n
}

// TestLogger captures log messages so tests can assert on them.
//
// Loggers derived through With share the capture buffer with their parent
// and prefix their context pairs to each captured entry.
type TestLogger struct {
	store   *testLogStore
	context []any
}

type testLogStore struct {
	mu       sync.RWMutex
	messages []TestLogMessage
}

// TestLogMessage represents a captured log message for testing.
type TestLogMessage struct {
	Level   string
	Message string
	Args    []any
}

// NewTestLogger creates a new test logger.
func NewTestLogger() *TestLogger {
	return &TestLogger{store: &testLogStore{}}
}

func (t *TestLogger) record(level, msg string, args []any) {
	all := make([]any, 0, len(t.context)+len(args))
	all = append(all, t.context...)
	all = append(all, args...)

	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	t.store.messages = append(t.store.messages, TestLogMessage{Level: level, Message: msg, Args: all})
}

func (t *TestLogger) Debug(msg string, args ...any) { t.record("DEBUG", msg, args) }
func (t *TestLogger) Info(msg string, args ...any)  { t.record("INFO", msg, args) }
func (t *TestLogger) Warn(msg string, args ...any)  { t.record("WARN", msg, args) }
func (t *TestLogger) Error(msg string, args ...any) { t.record("ERROR", msg, args) }

// With returns a logger sharing the same capture buffer.
func (t *TestLogger) With(args ...any) Logger {
	ctx := make([]any, 0, len(t.context)+len(args))
	ctx = append(ctx, t.context...)
	ctx = append(ctx, args...)
	return &TestLogger{store: t.store, context: ctx}
}

// Messages returns a copy of the captured messages.
func (t *TestLogger) Messages() []TestLogMessage {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()

	out := make([]TestLogMessage, len(t.store.messages))
	copy(out, t.store.messages)
	return out
}

// HasMessage checks if the logger captured a message at the given level.
func (t *TestLogger) HasMessage(level, message string) bool {
	for _, msg := range t.Messages() {
		if msg.Level == level && msg.Message == message {
			return true
		}
	}
	return false
}

// Clear removes all captured messages.
func (t *TestLogger) Clear() {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	t.store.messages = t.store.messages[:0]
}

// DefaultLogger returns the logger used when a component is given none.
func DefaultLogger() Logger {
	return NewNoOpLogger()
}

// LoggerFromContext extracts a logger from context if available.
func LoggerFromContext(ctx context.Context) Logger {
	if logger, ok := ctx.Value(loggerKey).(Logger); ok {
		return logger
	}
	return DefaultLogger()
}

// ContextWithLogger adds a logger to the context.
func ContextWithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}
