// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package kvmredir

import (
	"bytes"
	"errors"
	"log"
	"strings"
	"testing"
	"time"
)

func TestLogging_NoOpLogger(t *testing.T) {
	logger := &NoOpLogger{}

	logger.Debug("debug", Field{Key: "k", Value: "v"})
	logger.Info("info")
	logger.Warn("warn")
	logger.Error("error", ErrorField(errors.New("x")))

	if got := logger.With(Field{Key: "session_id", Value: 1}); got != logger {
		t.Errorf("NoOpLogger.With() = %v, want receiver", got)
	}
}

func TestLogging_StandardLogger(t *testing.T) {
	tests := []struct {
		name     string
		log      func(Logger)
		expected string
	}{
		{
			name:     "debug",
			log:      func(l Logger) { l.Debug("debug test") },
			expected: "[DEBUG] debug test\n",
		},
		{
			name:     "info with fields",
			log:      func(l Logger) { l.Info("session started", Field{Key: "protocol", Value: ProtocolKVM}) },
			expected: "[INFO] session started protocol=kvm\n",
		},
		{
			name:     "warn",
			log:      func(l Logger) { l.Warn("capacity", Field{Key: "bytes", Value: 16777216}) },
			expected: "[WARN] capacity bytes=16777216\n",
		},
		{
			name:     "error field",
			log:      func(l Logger) { l.Error("session failed", ErrorField(errors.New("connection reset"))) },
			expected: "[ERROR] session failed error=\"connection reset\"\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := &StandardLogger{Logger: log.New(&buf, "", 0)}
			tt.log(logger)
			if got := buf.String(); got != tt.expected {
				t.Errorf("output = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestLogging_MinLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := &StandardLogger{Logger: log.New(&buf, "", 0), MinLevel: LevelWarn}

	logger.Debug("hidden")
	logger.Info("hidden")
	logger.Warn("shown")
	logger.Error("shown too")

	want := "[WARN] shown\n[ERROR] shown too\n"
	if got := buf.String(); got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
}

func TestLogging_StandardLoggerWith(t *testing.T) {
	var buf bytes.Buffer
	base := &StandardLogger{Logger: log.New(&buf, "", 0), MinLevel: LevelInfo}

	session := base.With(Field{Key: "session_id", Value: 7})
	kvm := session.With(Field{Key: "protocol", Value: "kvm"})

	kvm.Debug("suppressed by inherited level")
	kvm.Info("frame", Field{Key: "tiles", Value: 12})
	base.Info("plain")

	want := "[INFO] frame session_id=7 protocol=kvm tiles=12\n[INFO] plain\n"
	if got := buf.String(); got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
}

func TestLogging_StandardLoggerDefault(t *testing.T) {
	logger := &StandardLogger{}
	logger.With()
	if logger.Logger == nil {
		t.Fatal("StandardLogger should create a default logger on first use")
	}
	if got := logger.Logger.Prefix(); got != "KVMREDIR: " {
		t.Errorf("prefix = %q, want %q", got, "KVMREDIR: ")
	}
}

func TestLogging_LevelString(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "[DEBUG]"},
		{LevelInfo, "[INFO]"},
		{LevelWarn, "[WARN]"},
		{LevelError, "[ERROR]"},
		{Level(42), "[UNKNOWN]"},
	}
	for _, tt := range tests {
		if got := tt.level.String(); got != tt.want {
			t.Errorf("Level(%d).String() = %q, want %q", tt.level, got, tt.want)
		}
	}
}

func TestLogging_FormatFieldValue(t *testing.T) {
	tests := []struct {
		name  string
		value interface{}
		want  string
	}{
		{"bare string", "sol", "sol"},
		{"string with space", "mock desktop", `"mock desktop"`},
		{"string with newline", "a\nb", "\"a\nb\""},
		{"error", errors.New("bad digest"), `"bad digest"`},
		{"stringer", StateActive, "active"},
		{"duration", 2 * time.Second, "2s"},
		{"int", 42, "42"},
		{"bool", true, "true"},
		{"nil", nil, "<nil>"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatFieldValue(tt.value); got != tt.want {
				t.Errorf("formatFieldValue(%v) = %q, want %q", tt.value, got, tt.want)
			}
		})
	}
}

func TestLogging_ErrorField(t *testing.T) {
	err := errors.New("boom")
	f := ErrorField(err)
	if f.Key != "error" || f.Value != err {
		t.Errorf("ErrorField() = %+v", f)
	}

	var buf bytes.Buffer
	logger := &StandardLogger{Logger: log.New(&buf, "", 0)}
	logger.Error("failed", f, Field{Key: "op", Value: "Engine.handleAuthReply"})
	if !strings.Contains(buf.String(), `error="boom" op=Engine.handleAuthReply`) {
		t.Errorf("output = %q", buf.String())
	}
}
