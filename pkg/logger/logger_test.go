package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestLogger_DefaultInitialization(t *testing.T) {
	if Log == nil {
		t.Fatal("Log should not be nil by default")
	}
	Log.Info("Testing default logger")
}

func TestLogger_JSONOutputWithContext(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "debug").With("component", "queue")
	l.Debug("command executed", "type", "cancel-temp-basal")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if line["component"] != "queue" || line["type"] != "cancel-temp-basal" {
		t.Errorf("missing structured fields: %v", line)
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "warn")
	l.Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("info should be filtered at warn level, got %q", buf.String())
	}
	l.Warn("kept")
	if buf.Len() == 0 {
		t.Error("warn should be written at warn level")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"info":  slog.LevelInfo,
		"bogus": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestOrDefault(t *testing.T) {
	if OrDefault(nil) != Log {
		t.Error("nil logger should resolve to the global Log")
	}
	var buf bytes.Buffer
	l := New(&buf, "info")
	if OrDefault(l) != l {
		t.Error("explicit logger should be returned unchanged")
	}
}
