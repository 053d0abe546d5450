// logging_test.go: Tests for the logger implementations
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gosandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestTestLoggerCapturesAndShares(t *testing.T) {
	logger := NewTestLogger()
	child := logger.With("plugin", "calc")

	logger.Info("Registry started")
	child.Warn("Security violation", "kind", "timeout")
	child.Warn("Security violation", "kind", "cpu_limit")

	if !logger.HasMessage("INFO", "Registry started") {
		t.Error("Expected info message")
	}
	if got := logger.Count("WARN", "Security violation"); got != 2 {
		t.Errorf("Expected 2 warnings through the child logger, got %d", got)
	}
	if !logger.HasMessageContaining("WARN", "violation") {
		t.Error("Expected substring match")
	}

	msgs := logger.Messages()
	if len(msgs[1].Args) != 4 || msgs[1].Args[0] != "plugin" || msgs[1].Args[1] != "calc" {
		t.Errorf("Expected child fields to prefix args, got %v", msgs[1].Args)
	}

	logger.Clear()
	if len(child.(*TestLogger).Messages()) != 0 {
		t.Error("Expected Clear to empty the shared buffer")
	}
}

func TestNewLogger(t *testing.T) {
	if _, ok := NewLogger(nil).(*NoOpLogger); !ok {
		t.Error("Expected nil to produce a NoOpLogger")
	}
	tl := NewTestLogger()
	if NewLogger(tl) != Logger(tl) {
		t.Error("Expected a Logger to be used directly")
	}
	if _, ok := NewLogger(logrus.New()).(*LogrusAdapter); !ok {
		t.Error("Expected logrus logger to be adapted")
	}

	defer func() {
		if recover() == nil {
			t.Error("Expected unsupported logger type to panic")
		}
	}()
	NewLogger(42)
}

func TestLogrusAdapter(t *testing.T) {
	var buf bytes.Buffer
	base := logrus.New()
	base.SetOutput(&buf)
	base.SetFormatter(&logrus.JSONFormatter{})
	base.SetLevel(logrus.DebugLevel)

	logger := NewLogrusAdapter(base).With("plugin", "calc")
	logger.Error("Plugin quarantined", "reason", "critical violation", "dangling")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Expected JSON log line, got %q: %v", buf.String(), err)
	}
	if entry["msg"] != "Plugin quarantined" || entry["level"] != "error" {
		t.Errorf("Unexpected entry %v", entry)
	}
	if entry["plugin"] != "calc" || entry["reason"] != "critical violation" || entry["extra"] != "dangling" {
		t.Errorf("Unexpected fields %v", entry)
	}
}

func TestLoggerContext(t *testing.T) {
	if _, ok := LoggerFromContext(context.Background()).(*NoOpLogger); !ok {
		t.Error("Expected default logger without one in context")
	}
	tl := NewTestLogger()
	ctx := ContextWithLogger(context.Background(), tl)
	LoggerFromContext(ctx).Debug("hello")
	if !tl.HasMessage("DEBUG", "hello") {
		t.Error("Expected logger from context to be used")
	}
}

func TestPanicRecovery(t *testing.T) {
	t.Run("RecoverInto", func(t *testing.T) {
		err := func() (err error) {
			defer recoverInto(&err)
			panic("kaboom")
		}()
		var pe *PanicError
		if !errors.As(err, &pe) {
			t.Fatalf("Expected PanicError, got %v", err)
		}
		if pe.Value != "kaboom" || len(pe.Stack) == 0 {
			t.Errorf("Unexpected panic error %+v", pe)
		}
		if !strings.Contains(pe.Error(), "kaboom") {
			t.Errorf("Expected panic value in message, got %q", pe.Error())
		}
	})

	t.Run("SafeGo", func(t *testing.T) {
		logger := NewTestLogger()
		done := make(chan struct{})
		SafeGo(logger, func() {
			defer close(done)
			panic("background")
		})
		<-done
		// The deferred recover runs after close(done); give it a moment.
		for i := 0; i < 100 && !logger.HasMessage("ERROR", "Panic recovered in goroutine"); i++ {
			waitBriefly()
		}
		if !logger.HasMessage("ERROR", "Panic recovered in goroutine") {
			t.Error("Expected panic to be logged")
		}
	})
}
