package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestZerologJSON(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Options{Level: "debug", Format: "json", Out: &buf})
	if err != nil {
		t.Fatal(err)
	}
	l.Info("attached", String("ring", "/c2s"), Int("capacity", 4096), Duration("wait", time.Millisecond), Err(errors.New("boom")))
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("not json: %q", buf.String())
	}
	if line["message"] != "attached" || line["ring"] != "/c2s" || line["error"] != "boom" {
		t.Fatalf("line = %v", line)
	}
}

func TestZerologLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Options{Level: "warn", Format: "json", Out: &buf})
	if err != nil {
		t.Fatal(err)
	}
	l.Info("hidden")
	l.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Fatalf("output = %q", buf.String())
	}
}

func TestZap(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Options{Level: "info", Format: "zap", Out: &buf})
	if err != nil {
		t.Fatal(err)
	}
	l.Debug("hidden")
	l.Error("failed", Uint64("seq", 7), Bool("fatal", true))
	if strings.Contains(buf.String(), "hidden") {
		t.Fatal("debug line passed info level")
	}
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("not json: %q", buf.String())
	}
	if line["msg"] != "failed" || line["seq"] != float64(7) {
		t.Fatalf("line = %v", line)
	}
}

func TestAutoFormatOnBuffer(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Options{Out: &buf})
	if err != nil {
		t.Fatal(err)
	}
	l.Info("x")
	if !strings.HasPrefix(buf.String(), "{") {
		t.Fatalf("non-terminal output should be json: %q", buf.String())
	}
}

func TestUnknownFormat(t *testing.T) {
	if _, err := New(Options{Format: "xml"}); err == nil {
		t.Fatal("expected error")
	}
	OrNoop(nil).Info("discarded")
}
