package logx

import (
	"bytes"
	"log"
	"strings"
	"testing"
	"time"
)

// newTestLogger builds a logger writing into buf instead of stderr.
func newTestLogger(component string, buf *bytes.Buffer) *Logger {
	return &Logger{
		component: component,
		logger:    log.New(buf, "", 0),
	}
}

func TestNewLogger(t *testing.T) {
	logger := NewLogger("limiter")

	if logger.Component() != "limiter" {
		t.Errorf("Expected component 'limiter', got '%s'", logger.Component())
	}
}

func TestLogFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger("circuit", &buf)

	logger.Info("Test message with %s", "formatting")

	output := buf.String()

	if !strings.Contains(output, "[circuit]") {
		t.Errorf("Expected component tag in output, got: %s", output)
	}
	if !strings.Contains(output, "INFO") {
		t.Errorf("Expected log level in output, got: %s", output)
	}
	if !strings.Contains(output, "Test message with formatting") {
		t.Errorf("Expected formatted message in output, got: %s", output)
	}
	if !strings.Contains(output, "T") || !strings.Contains(output, "Z") {
		t.Errorf("Expected ISO timestamp in output, got: %s", output)
	}
}

func TestLogLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger("loop", &buf)

	tests := []struct {
		level    Level
		logFunc  func(string, ...any)
		expected string
	}{
		{LevelDebug, logger.Debug, "DEBUG"},
		{LevelInfo, logger.Info, "INFO"},
		{LevelWarn, logger.Warn, "WARN"},
		{LevelError, logger.Error, "ERROR"},
	}

	for _, tt := range tests {
		t.Run(string(tt.level), func(t *testing.T) {
			buf.Reset()

			if tt.level == LevelDebug {
				SetDebug(true)
				defer SetDebug(false)
			}

			tt.logFunc("test message")

			output := buf.String()
			if !strings.Contains(output, tt.expected) {
				t.Errorf("Expected level '%s' in output, got: %s", tt.expected, output)
			}
		})
	}
}

func TestDebugSuppressedByDefault(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger("loop", &buf)

	SetDebug(false)
	logger.Debug("should not appear")

	if buf.Len() != 0 {
		t.Errorf("Expected no output with debug disabled, got: %s", buf.String())
	}
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	original := newTestLogger("loop", &buf)
	derived := original.WithComponent("agent")

	if derived.Component() != "agent" {
		t.Errorf("Expected derived component 'agent', got '%s'", derived.Component())
	}
	if original.Component() != "loop" {
		t.Errorf("Expected original component unchanged, got '%s'", original.Component())
	}

	original.Info("from loop")
	derived.Info("from agent")

	output := buf.String()
	if !strings.Contains(output, "[loop]") {
		t.Error("Expected original logger to keep its tag")
	}
	if !strings.Contains(output, "[agent]") {
		t.Error("Expected derived logger to use the new tag")
	}
}

func TestTimestampFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger("loop", &buf)

	logger.Info("timestamp test")

	output := buf.String()
	start := strings.Index(output, "[")
	end := strings.Index(output, "]")
	if start == -1 || end == -1 || end <= start {
		t.Fatalf("Could not find timestamp in output: %s", output)
	}

	timestamp := output[start+1 : end]
	if _, err := time.Parse("2006-01-02T15:04:05.000Z", timestamp); err != nil {
		t.Errorf("Invalid timestamp format '%s': %v", timestamp, err)
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, "context") != nil {
		t.Error("Expected nil for nil error")
	}

	inner := Errorf("boom")
	wrapped := Wrap(inner, "outer")
	if wrapped == nil {
		t.Fatal("Expected non-nil wrapped error")
	}
	if !strings.Contains(wrapped.Error(), "outer: boom") {
		t.Errorf("Expected wrapped message, got: %s", wrapped.Error())
	}
}
