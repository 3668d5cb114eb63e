// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package kvmredir

import (
	"fmt"
	"log"
	"os"
	"strings"
)

// Field represents a structured logging field with a key-value pair.
type Field struct {
	Key   string
	Value interface{}
}

// ErrorField returns the conventional "error" field for err.
func ErrorField(err error) Field {
	return Field{Key: "error", Value: err}
}

// Level is the minimum severity a StandardLogger emits.
type Level int

// Log levels in increasing severity.
const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the bracketed tag printed in front of each message.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "[DEBUG]"
	case LevelInfo:
		return "[INFO]"
	case LevelWarn:
		return "[WARN]"
	case LevelError:
		return "[ERROR]"
	default:
		return "[UNKNOWN]"
	}
}

// Logger defines the structured logging interface used by every layer of the
// redirection stack. Sessions decorate it with session_id and protocol fields.
type Logger interface {
	// Debug logs debug-level messages with optional structured fields.
	Debug(msg string, fields ...Field)

	// Info logs info-level messages with optional structured fields.
	Info(msg string, fields ...Field)

	// Warn logs warning-level messages with optional structured fields.
	Warn(msg string, fields ...Field)

	// Error logs error-level messages with optional structured fields.
	Error(msg string, fields ...Field)

	// With creates a new logger instance with the provided fields pre-populated.
	With(fields ...Field) Logger
}

// NoOpLogger is a Logger implementation that discards all log messages.
type NoOpLogger struct{}

// Debug discards debug-level log messages.
func (l *NoOpLogger) Debug(msg string, fields ...Field) {}

// Info discards info-level log messages.
func (l *NoOpLogger) Info(msg string, fields ...Field) {}

// Warn discards warning-level log messages.
func (l *NoOpLogger) Warn(msg string, fields ...Field) {}

// Error discards error-level log messages.
func (l *NoOpLogger) Error(msg string, fields ...Field) {}

// With returns the receiver; there is nothing to carry.
func (l *NoOpLogger) With(fields ...Field) Logger { return l }

// StandardLogger writes leveled, key=value formatted lines through a standard
// library *log.Logger.
type StandardLogger struct {
	// Logger is the underlying standard library logger. A stderr logger with
	// the "KVMREDIR: " prefix is created on first use when nil.
	Logger *log.Logger

	// MinLevel suppresses messages below this severity.
	MinLevel Level

	contextFields []Field
}

func (l *StandardLogger) ensureLogger() *log.Logger {
	if l.Logger == nil {
		l.Logger = log.New(os.Stderr, "KVMREDIR: ", log.LstdFlags|log.Lmicroseconds)
	}
	return l.Logger
}

func (l *StandardLogger) emit(level Level, msg string, fields []Field) {
	if level < l.MinLevel {
		return
	}

	var b strings.Builder
	b.WriteString(level.String())
	b.WriteByte(' ')
	b.WriteString(msg)
	for _, f := range l.contextFields {
		b.WriteByte(' ')
		b.WriteString(f.Key)
		b.WriteByte('=')
		b.WriteString(formatFieldValue(f.Value))
	}
	for _, f := range fields {
		b.WriteByte(' ')
		b.WriteString(f.Key)
		b.WriteByte('=')
		b.WriteString(formatFieldValue(f.Value))
	}
	l.ensureLogger().Print(b.String())
}

// formatFieldValue quotes strings containing whitespace and all errors.
func formatFieldValue(value interface{}) string {
	switch v := value.(type) {
	case string:
		if strings.ContainsAny(v, " \t\r\n") {
			return `"` + v + `"`
		}
		return v
	case error:
		if v == nil {
			return "<nil>"
		}
		return `"` + v.Error() + `"`
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Debug logs a debug-level message with structured fields.
func (l *StandardLogger) Debug(msg string, fields ...Field) { l.emit(LevelDebug, msg, fields) }

// Info logs an info-level message with structured fields.
func (l *StandardLogger) Info(msg string, fields ...Field) { l.emit(LevelInfo, msg, fields) }

// Warn logs a warning-level message with structured fields.
func (l *StandardLogger) Warn(msg string, fields ...Field) { l.emit(LevelWarn, msg, fields) }

// Error logs an error-level message with structured fields.
func (l *StandardLogger) Error(msg string, fields ...Field) { l.emit(LevelError, msg, fields) }

// With creates a new StandardLogger sharing the underlying writer and level,
// with fields appended to the inherited context.
func (l *StandardLogger) With(fields ...Field) Logger {
	ctx := make([]Field, 0, len(l.contextFields)+len(fields))
	ctx = append(ctx, l.contextFields...)
	ctx = append(ctx, fields...)

	return &StandardLogger{
		Logger:        l.ensureLogger(),
		MinLevel:      l.MinLevel,
		contextFields: ctx,
	}
}
