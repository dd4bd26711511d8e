package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := newWithWriter(Config{Level: "warn"}, zapcore.AddSync(&buf))

	logger.Info("hidden")
	logger.Warn("shown", zap.Int("n", 1))
	_ = logger.Sync()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("json output expected: %v", err)
	}
	if entry["msg"] != "shown" || entry["level"] != "warn" {
		t.Errorf("entry = %v", entry)
	}
}

func TestConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := newWithWriter(Config{Format: "console"}, zapcore.AddSync(&buf))
	logger.Info("hello")
	_ = logger.Sync()

	if !strings.Contains(buf.String(), "INFO") || strings.HasPrefix(buf.String(), "{") {
		t.Errorf("unexpected console output %q", buf.String())
	}
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "livewatch.log")
	logger := New(Config{File: path, MaxSizeMB: 1})
	logger.Info("to file")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "to file") {
		t.Errorf("log file missing entry: %q", data)
	}
}
