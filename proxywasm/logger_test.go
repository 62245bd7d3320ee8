package proxywasm

import (
	"strings"
	"testing"

	"go.uber.org/zap"
)

type levelHost struct {
	fakeHost
	levels []LogLevel
}

func (h *levelHost) Log(level LogLevel, msg string) error {
	h.levels = append(h.levels, level)
	return h.fakeHost.Log(level, msg)
}

func TestNewLoggerFiltersBelowLevel(t *testing.T) {
	host := &levelHost{}
	l := NewLogger(host, LogLevelWarn)

	l.Info("dropped")
	l.Warn("kept", zap.String("header", "x-wasm-custom"))
	l.Error("also kept")

	if len(host.logs) != 2 {
		t.Fatalf("logs = %v", host.logs)
	}
	if !strings.Contains(host.logs[0], "kept") || !strings.Contains(host.logs[0], "x-wasm-custom") {
		t.Errorf("log line = %q", host.logs[0])
	}
	if strings.HasSuffix(host.logs[0], "\n") {
		t.Error("trailing newline not trimmed")
	}
	if host.levels[0] != LogLevelWarn || host.levels[1] != LogLevelError {
		t.Errorf("levels = %v", host.levels)
	}
}

func TestNewLoggerWithFields(t *testing.T) {
	host := &levelHost{}
	l := NewLogger(host, LogLevelDebug).With(zap.Uint32("context_id", 7))
	l.Debug("hello")

	if len(host.logs) != 1 || !strings.Contains(host.logs[0], "7") {
		t.Errorf("logs = %v", host.logs)
	}
	if host.levels[0] != LogLevelDebug {
		t.Errorf("level = %s", host.levels[0])
	}
}

func TestNewLoggerNilHost(t *testing.T) {
	NewLogger(nil, LogLevelInfo).Error("nowhere")
}

func TestParseLogLevel(t *testing.T) {
	if l, ok := ParseLogLevel("warn"); !ok || l != LogLevelWarn {
		t.Errorf("warn = %s, %v", l, ok)
	}
	if l, ok := ParseLogLevel("loud"); ok || l != LogLevelInfo {
		t.Errorf("loud = %s, %v", l, ok)
	}
}
