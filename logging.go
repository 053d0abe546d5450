// logging.go: Pluggable logging for the registry and sandboxes
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gosandbox

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// loggerContextKey is a custom type for context keys to avoid collisions
type loggerContextKey string

const (
	// Context keys for logger storage
	loggerKey loggerContextKey = "logger"
)

// Logger defines the pluggable logging interface used by every component.
//
// Arguments after the message are key-value pairs:
//
//	logger.Warn("Capability blocked", "plugin", name, "capability", capability)
//
// Implementations:
//   - NoOpLogger: silent, the default
//   - TestLogger: captures messages for assertions
//   - LogrusAdapter: wraps a logrus.FieldLogger
type Logger interface {
	// Debug logs a debug message with optional key-value pairs
	Debug(msg string, args ...any)

	// Info logs an info message with optional key-value pairs
	Info(msg string, args ...any)

	// Warn logs a warning message with optional key-value pairs
	Warn(msg string, args ...any)

	// Error logs an error message with optional key-value pairs
	Error(msg string, args ...any)

	// With returns a new logger with persistent context key-value pairs
	With(args ...any) Logger
}

// NewLogger creates a Logger from supported logger types.
//
// Supported types:
//   - Logger interface: used directly
//   - logrus.FieldLogger: wrapped in a LogrusAdapter
//   - nil: NoOpLogger
//   - anything else: panics
func NewLogger(logger any) Logger {
	switch l := logger.(type) {
	case Logger:
		return l
	case logrus.FieldLogger:
		return NewLogrusAdapter(l)
	case nil:
		return NewNoOpLogger()
	default:
		panic("unsupported logger type: expected Logger, logrus.FieldLogger or nil")
	}
}

// NoOpLogger discards all log messages.
type NoOpLogger struct{}

// NewNoOpLogger creates a new no-operation logger.
func NewNoOpLogger() *NoOpLogger {
	return &NoOpLogger{}
}

// Debug implements Logger interface (no-op)
func (n *NoOpLogger) Debug(msg string, args ...any) {}

// Info implements Logger interface (no-op)
func (n *NoOpLogger) Info(msg string, args ...any) {}

// Warn implements Logger interface (no-op)
func (n *NoOpLogger) Warn(msg string, args ...any) {}

// Error implements Logger interface (no-op)
func (n *NoOpLogger) Error(msg string, args ...any) {}

// With implements Logger interface (no-op)
func (n *NoOpLogger) With(args ...any) Logger {
	return n
}

// LogrusAdapter adapts a logrus.FieldLogger to the Logger interface.
type LogrusAdapter struct {
	entry logrus.FieldLogger
}

// NewLogrusAdapter wraps l. A nil l uses the logrus standard logger.
func NewLogrusAdapter(l logrus.FieldLogger) *LogrusAdapter {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return &LogrusAdapter{entry: l}
}

// Debug implements Logger interface
func (a *LogrusAdapter) Debug(msg string, args ...any) {
	a.entry.WithFields(argsToFields(args)).Debug(msg)
}

// Info implements Logger interface
func (a *LogrusAdapter) Info(msg string, args ...any) {
	a.entry.WithFields(argsToFields(args)).Info(msg)
}

// Warn implements Logger interface
func (a *LogrusAdapter) Warn(msg string, args ...any) {
	a.entry.WithFields(argsToFields(args)).Warn(msg)
}

// Error implements Logger interface
func (a *LogrusAdapter) Error(msg string, args ...any) {
	a.entry.WithFields(argsToFields(args)).Error(msg)
}

// With implements Logger interface
func (a *LogrusAdapter) With(args ...any) Logger {
	return &LogrusAdapter{entry: a.entry.WithFields(argsToFields(args))}
}

// argsToFields converts key-value pairs. A dangling value is kept under "extra".
func argsToFields(args []any) logrus.Fields {
	fields := make(logrus.Fields, len(args)/2+1)
	for i := 0; i < len(args); i += 2 {
		if i+1 >= len(args) {
			fields["extra"] = args[i]
			break
		}
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		fields[key] = args[i+1]
	}
	return fields
}

// TestLogger for testing - captures log messages
type TestLogger struct {
	mu       *sync.RWMutex
	messages *[]TestLogMessage
	fields   []any
}

// TestLogMessage represents a captured log message for testing.
type TestLogMessage struct {
	Level   string
	Message string
	Args    []any
}

// NewTestLogger creates a new test logger.
func NewTestLogger() *TestLogger {
	messages := make([]TestLogMessage, 0)
	return &TestLogger{mu: &sync.RWMutex{}, messages: &messages}
}

func (t *TestLogger) record(level, msg string, args []any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	all := make([]any, 0, len(t.fields)+len(args))
	all = append(all, t.fields...)
	all = append(all, args...)
	*t.messages = append(*t.messages, TestLogMessage{Level: level, Message: msg, Args: all})
}

// Debug implements Logger interface (captures message)
func (t *TestLogger) Debug(msg string, args ...any) { t.record("DEBUG", msg, args) }

// Info implements Logger interface (captures message)
func (t *TestLogger) Info(msg string, args ...any) { t.record("INFO", msg, args) }

// Warn implements Logger interface (captures message)
func (t *TestLogger) Warn(msg string, args ...any) { t.record("WARN", msg, args) }

// Error implements Logger interface (captures message)
func (t *TestLogger) Error(msg string, args ...any) { t.record("ERROR", msg, args) }

// With returns a child logger sharing the same message buffer.
func (t *TestLogger) With(args ...any) Logger {
	fields := make([]any, 0, len(t.fields)+len(args))
	fields = append(fields, t.fields...)
	fields = append(fields, args...)
	return &TestLogger{mu: t.mu, messages: t.messages, fields: fields}
}

// Messages returns a copy of the captured messages.
func (t *TestLogger) Messages() []TestLogMessage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]TestLogMessage, len(*t.messages))
	copy(out, *t.messages)
	return out
}

// HasMessage checks if the logger captured a message with the exact text.
func (t *TestLogger) HasMessage(level, message string) bool {
	return t.Count(level, message) > 0
}

// HasMessageContaining checks for a message at level containing substr.
func (t *TestLogger) HasMessageContaining(level, substr string) bool {
	for _, msg := range t.Messages() {
		if msg.Level == level && strings.Contains(msg.Message, substr) {
			return true
		}
	}
	return false
}

// Count returns how many messages with the exact text were logged at level.
func (t *TestLogger) Count(level, message string) int {
	n := 0
	for _, msg := range t.Messages() {
		if msg.Level == level && msg.Message == message {
			n++
		}
	}
	return n
}

// Clear removes all captured messages.
func (t *TestLogger) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	*t.messages = (*t.messages)[:0]
}

// DefaultLogger returns the logger used when none is configured.
func DefaultLogger() Logger {
	return NewNoOpLogger()
}

// LoggerFromContext extracts a logger from context, falling back to DefaultLogger.
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
