package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestSetup(t *testing.T) {
	tests := []struct {
		name   string
		level  string
		format string
	}{
		{"debug level", "debug", "console"},
		{"info level", "info", "console"},
		{"warn level", "warn", "console"},
		{"error level", "error", "console"},
		{"trace level", "trace", "console"},
		{"json format", "info", "json"},
		{"uppercase level", "DEBUG", "console"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Setup(tt.level, tt.format)
			if Log == nil {
				t.Error("expected Log to be initialized")
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level  string
		expect zerolog.Level
	}{
		{"trace", zerolog.TraceLevel},
		{"debug", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"unknown", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			if got := ParseLevel(tt.level); got != tt.expect {
				t.Errorf("level %s: expected %v, got %v", tt.level, tt.expect, got)
			}
		})
	}
}

func TestJSONFieldsAndComponent(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter(&buf, "debug", "json")
	defer Setup("info", "console")

	Log.With("optimizer").Info("pass done", "pass", "static_kernel_pick_pass", "nodes", 7, "err", errors.New("none"))

	line := strings.TrimSpace(buf.String())
	var fields map[string]interface{}
	if err := json.Unmarshal([]byte(line), &fields); err != nil {
		t.Fatalf("output is not json: %v (%q)", err, line)
	}
	if fields["component"] != "optimizer" {
		t.Errorf("expected component field, got %v", fields["component"])
	}
	if fields["pass"] != "static_kernel_pick_pass" {
		t.Errorf("expected pass field, got %v", fields["pass"])
	}
	if fields["nodes"] != float64(7) {
		t.Errorf("expected nodes=7, got %v", fields["nodes"])
	}
	if fields["err"] != "none" {
		t.Errorf("expected err=none, got %v", fields["err"])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter(&buf, "error", "json")
	defer Setup("info", "console")

	Log.Debug("filtered")
	Log.Info("filtered")
	Log.Warn("filtered")
	if buf.Len() != 0 {
		t.Errorf("expected no output below error level, got %q", buf.String())
	}
	if Log.Enabled(zerolog.DebugLevel) {
		t.Error("debug should be disabled at error level")
	}
	Log.Error("kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Errorf("expected error line, got %q", buf.String())
	}
}

func TestOddAndNonStringKeys(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter(&buf, "info", "json")
	defer Setup("info", "console")

	Log.Info("odd args", "key1", "value1", "orphan_key")
	Log.Info("non-string key", 123, "value")
	if strings.Contains(buf.String(), "orphan_key") {
		t.Error("orphan key without value should be dropped")
	}
	if !strings.Contains(buf.String(), `"123":"value"`) {
		t.Errorf("expected stringified key, got %q", buf.String())
	}
}
