package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestNoopEventLoggerIsSingleton(t *testing.T) {
	a := NoopEventLogger()
	b := NoopEventLogger()

	if a == nil || b == nil {
		t.Fatal("expected non-nil noop logger")
	}
	if a != b {
		t.Fatal("expected singleton noop logger instance")
	}
}

func TestEventLoggerWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	el := FromLogger("server", NewLogger(&buf, Options{}))

	el.LogSessionClosed("agent-1", "disconnected", 1500*time.Millisecond)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if rec["msg"] != "session_closed" {
		t.Errorf("msg = %v, want session_closed", rec["msg"])
	}
	if rec["component"] != "server" {
		t.Errorf("component = %v, want server", rec["component"])
	}
	if rec["agent_id"] != "agent-1" {
		t.Errorf("agent_id = %v", rec["agent_id"])
	}
	if rec["lifetime_ms"] != float64(1500) {
		t.Errorf("lifetime_ms = %v, want 1500", rec["lifetime_ms"])
	}
}

func TestEventLoggerWith(t *testing.T) {
	var buf bytes.Buffer
	base := FromLogger("server", NewLogger(&buf, Options{}))
	if base.With() != base {
		t.Error("With() without args should return the same logger")
	}

	base.With("trace_id", "abc123").LogSessionOpened("agent-1", "box", "10.0.0.2:5000", true)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if rec["trace_id"] != "abc123" || rec["component"] != "server" || rec["agent_id"] != "agent-1" {
		t.Errorf("record = %v", rec)
	}

	buf.Reset()
	base.LogSessionClosed("agent-1", "bye", time.Second)
	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("base logger picked up derived attrs: %q", buf.String())
	}
}

func TestEventLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	el := FromLogger("agent", NewLogger(&buf, Options{Level: "warn", Format: "text"}))

	el.LogStateTransition("idle", "discovering", "start")
	if buf.Len() != 0 {
		t.Fatalf("info line should be filtered at warn level, got %q", buf.String())
	}

	el.LogUnreachable(3, errors.New("no reply"))
	out := buf.String()
	if !strings.Contains(out, "server_unreachable") || !strings.Contains(out, "attempts=3") {
		t.Errorf("unexpected text output %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
