package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
)

func TestSetup(t *testing.T) {
	// Reset the global logger for this test.
	logger = nil
	once = *new(sync.Once)

	Setup("DEBUG", "json", nil)
	if logger == nil {
		t.Fatal("logger should not be nil after Setup")
	}

	// Setup is once-only: a second call must not replace the logger.
	first := logger
	Setup("ERROR", "text", nil)
	if logger != first {
		t.Error("second Setup call replaced the logger")
	}
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger = slog.New(slog.NewJSONHandler(&buf, nil))

	WithComponent("dispatch").Info("hello")

	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if out["component"] != "dispatch" {
		t.Errorf("component = %v, want dispatch", out["component"])
	}
	if out["msg"] != "hello" {
		t.Errorf("msg = %v, want hello", out["msg"])
	}
}

func TestWithRun(t *testing.T) {
	var buf bytes.Buffer
	logger = slog.New(slog.NewJSONHandler(&buf, nil))

	WithRun("run-42").Info("run msg")

	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if out["run_id"] != "run-42" {
		t.Errorf("run_id = %v, want run-42", out["run_id"])
	}
}
