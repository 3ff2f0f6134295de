package stdout

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/songzhibin97/routegate/pkg/log"
)

func newBufferLogger(t *testing.T, level log.Level) (*Logger, *bytes.Buffer) {
	t.Helper()
	buf := &bytes.Buffer{}
	cfg := DefaultConfig()
	cfg.Level = level
	cfg.EnableStacktrace = false
	cfg.Output = buf
	logger, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return logger, buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var entries []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]interface{}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("invalid JSON line %q: %v", line, err)
		}
		entries = append(entries, entry)
	}
	return entries
}

func TestLevelFiltering(t *testing.T) {
	tests := []struct {
		name  string
		level log.Level
		want  int
	}{
		{"debug shows all", log.DebugLevel, 4},
		{"info hides debug", log.InfoLevel, 3},
		{"warn", log.WarnLevel, 2},
		{"error", log.ErrorLevel, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, buf := newBufferLogger(t, tt.level)
			logger.Debug("d")
			logger.Info("i")
			logger.Warn("w")
			logger.Error("e")

			if got := len(decodeLines(t, buf)); got != tt.want {
				t.Errorf("Expected %d entries, got %d", tt.want, got)
			}
		})
	}
}

func TestFieldsAndWith(t *testing.T) {
	logger, buf := newBufferLogger(t, log.DebugLevel)

	child := logger.With(log.String(log.FieldComponent, "router"))
	child.Info("table rebuilt",
		log.Int("routes", 3),
		log.Uint64("version", 7),
		log.Duration("elapsed", 1500*time.Millisecond),
		log.Error(errors.New("boom")),
	)

	entries := decodeLines(t, buf)
	if len(entries) != 1 {
		t.Fatalf("Expected 1 entry, got %d", len(entries))
	}
	entry := entries[0]

	if entry["message"] != "table rebuilt" {
		t.Errorf("Expected message 'table rebuilt', got %v", entry["message"])
	}
	if entry["level"] != "info" {
		t.Errorf("Expected level info, got %v", entry["level"])
	}
	if entry["component"] != "router" {
		t.Errorf("Expected component router, got %v", entry["component"])
	}
	if entry["routes"] != float64(3) {
		t.Errorf("Expected routes 3, got %v", entry["routes"])
	}
	if entry["elapsed"] != float64(1500) {
		t.Errorf("Expected elapsed 1500ms, got %v", entry["elapsed"])
	}
	if entry["error"] != "boom" {
		t.Errorf("Expected error boom, got %v", entry["error"])
	}
}

func TestWithContextRequestID(t *testing.T) {
	logger, buf := newBufferLogger(t, log.InfoLevel)

	ctx := log.WithRequestID(context.Background(), "req-1")
	logger.WithContext(ctx).Info("hello")
	logger.WithContext(context.Background()).Info("plain")

	entries := decodeLines(t, buf)
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}
	if entries[0]["request_id"] != "req-1" {
		t.Errorf("Expected request_id req-1, got %v", entries[0]["request_id"])
	}
	if _, ok := entries[1]["request_id"]; ok {
		t.Error("Expected no request_id without context value")
	}
}

func TestSetDefault(t *testing.T) {
	logger, buf := newBufferLogger(t, log.InfoLevel)
	log.SetDefault(logger)
	defer log.SetDefault(nil)

	log.Component("refresh").Info("routes changed")

	entries := decodeLines(t, buf)
	if len(entries) != 1 || entries[0]["component"] != "refresh" {
		t.Errorf("Expected component-tagged entry, got %v", entries)
	}
}
