package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestInitWriter_JSONLevels(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(&buf, "warn", "json")
	t.Cleanup(func() { defaultLogger = nil })

	Info("dropped %d", 1)
	Warn("kept %s", "warn")
	Error("kept %s", "error")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), buf.String())
	}

	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("line is not JSON: %v", err)
	}
	if entry["level"] != "warn" {
		t.Errorf("level: got %v, want warn", entry["level"])
	}
	if entry["message"] != "kept warn" {
		t.Errorf("message: got %v", entry["message"])
	}
	if _, ok := entry["time"]; !ok {
		t.Error("expected a timestamp field")
	}
}

func TestInitWriter_UnknownLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(&buf, "verbose", "json")
	t.Cleanup(func() { defaultLogger = nil })

	Debug("hidden")
	Info("shown")
	if strings.Contains(buf.String(), "hidden") {
		t.Error("debug should be filtered at info level")
	}
	if !strings.Contains(buf.String(), "shown") {
		t.Error("info should be written")
	}
}

func TestWith_BeforeInit(t *testing.T) {
	defaultLogger = nil
	l := With("hitstore")
	l.Info().Msg("discarded") // must not panic
	Info("discarded too")
}
