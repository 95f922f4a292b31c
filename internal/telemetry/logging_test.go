package telemetry

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLoggerWritesJSONL(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "info", true)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	logger.Info("startup", "bind_addr", "127.0.0.1:18990")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	line := string(data)
	if !strings.Contains(line, `"timestamp"`) {
		t.Errorf("expected timestamp key, got: %s", line)
	}
	if !strings.Contains(line, `"component":"dispatch"`) {
		t.Errorf("expected component attr, got: %s", line)
	}
	if !strings.Contains(line, "startup") {
		t.Errorf("expected message in log line, got: %s", line)
	}
}

func TestLoggerRedactsSensitiveKeys(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "debug", true)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	logger.Info("caller resolved", "token", "tp_live_abc123", "owner_id", "alice")
	logger.Info("request", "header", "Bearer sk-ant-verysecret")
	closer.Close()

	data, err := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	out := string(data)
	if strings.Contains(out, "tp_live_abc123") {
		t.Errorf("token value leaked into log: %s", out)
	}
	if strings.Contains(out, "sk-ant-verysecret") {
		t.Errorf("bearer value leaked into log: %s", out)
	}
	if !strings.Contains(out, `"owner_id":"alice"`) {
		t.Errorf("non-sensitive attr should survive, got: %s", out)
	}
}

func TestShouldRedactKey(t *testing.T) {
	cases := map[string]bool{
		"token":         true,
		"api_key":       true,
		"Authorization": true,
		"refresh_token": true,
		"owner_id":      false,
		"message":       false,
		"":              false,
	}
	for key, want := range cases {
		if got := shouldRedactKey(key); got != want {
			t.Errorf("shouldRedactKey(%q) = %v, want %v", key, got, want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
