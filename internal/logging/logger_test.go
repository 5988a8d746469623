package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: LevelWarn, Format: FormatJSON, Output: &buf})

	l.Debug("not logged")
	l.Info("not logged")
	l.Warn("logged warn")
	l.Error("logged error")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d: %q", len(lines), buf.String())
	}
}

func TestJSONEntryShape(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: LevelInfo, Format: FormatJSON, Output: &buf})

	l.Infof("acquired connection", map[string]any{"node": "worker-2", "inUse": 3})

	var entry Entry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid JSON output: %v", err)
	}
	if entry.Level != "info" {
		t.Errorf("expected level info, got %s", entry.Level)
	}
	if entry.Message != "acquired connection" {
		t.Errorf("unexpected message: %s", entry.Message)
	}
	if entry.Fields["node"] != "worker-2" {
		t.Errorf("expected node field worker-2, got %v", entry.Fields["node"])
	}
}

func TestWithFieldsDoesNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	parent := New(Config{Level: LevelInfo, Format: FormatJSON, Output: &buf})
	child := parent.With(map[string]any{"pool": "coordinator"})

	parent.Info("parent entry")
	child.Info("child entry")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if strings.Contains(lines[0], "coordinator") {
		t.Error("parent logger picked up child fields")
	}
	if !strings.Contains(lines[1], "coordinator") {
		t.Error("child logger missing its fields")
	}
}

func TestCorrelationIDInOutput(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: LevelInfo, Format: FormatJSON, Output: &buf}).WithCorrelationID("req-123")

	l.Info("routed")

	var entry Entry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid JSON output: %v", err)
	}
	if entry.CorrelationID != "req-123" {
		t.Errorf("expected correlation ID req-123, got %s", entry.CorrelationID)
	}
}

func TestTextFormat(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: LevelInfo, Format: FormatText, Output: &buf})

	l.Infof("pool degraded", map[string]any{"node": "worker-1"})

	out := buf.String()
	if !strings.Contains(out, "[info]") || !strings.Contains(out, "pool degraded") || !strings.Contains(out, "node=worker-1") {
		t.Errorf("unexpected text output: %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("debug") != LevelDebug {
		t.Error("expected debug")
	}
	if ParseLevel("bogus") != LevelInfo {
		t.Error("unknown level should default to info")
	}
}
