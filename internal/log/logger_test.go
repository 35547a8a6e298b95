package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func captureLogger(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := logger
	logger = slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: level}))
	t.Cleanup(func() { logger = prev })
	return &buf
}

func decodeLast(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	var out map[string]any
	if err := json.Unmarshal(lines[len(lines)-1], &out); err != nil {
		t.Fatalf("Failed to decode JSON: %v", err)
	}
	return out
}

func TestSetupWithWriter(t *testing.T) {
	logger = nil
	once = *new(sync.Once)
	t.Cleanup(func() {
		logger = nil
		once = *new(sync.Once)
		level.Set(slog.LevelInfo)
	})

	var buf bytes.Buffer
	SetupWithWriter("DEBUG", &buf)
	if logger == nil {
		t.Fatal("Logger should not be nil")
	}
	Debug("visible at debug")
	if buf.Len() == 0 {
		t.Fatal("expected debug record to be written")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
		ok   bool
	}{
		{"debug", slog.LevelDebug, true},
		{" INFO ", slog.LevelInfo, true},
		{"warning", slog.LevelWarn, true},
		{"error", slog.LevelError, true},
		{"loud", slog.LevelInfo, false},
	}
	for _, tt := range tests {
		got, ok := ParseLevel(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseLevel(%q) = %v,%v want %v,%v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestWithComponent(t *testing.T) {
	buf := captureLogger(t)

	WithComponent("test-comp").Info("hello")

	out := decodeLast(t, buf)
	if out["component"] != "test-comp" {
		t.Errorf("Expected component 'test-comp', got %v", out["component"])
	}
	if out["msg"] != "hello" {
		t.Errorf("Expected msg 'hello', got %v", out["msg"])
	}
}

func TestWithSiteAndCommand(t *testing.T) {
	buf := captureLogger(t)

	WithSite("site-1").Info("site msg")
	out := decodeLast(t, buf)
	if out["site"] != "site-1" {
		t.Errorf("Expected site 'site-1', got %v", out["site"])
	}

	WithCommand(nil, "sys_info", "admin@nvidia.com").Info("cmd msg")
	out = decodeLast(t, buf)
	if out["command"] != "sys_info" || out["user"] != "admin@nvidia.com" {
		t.Errorf("unexpected command fields: %v", out)
	}
}

func TestConfigureDynamic(t *testing.T) {
	captureLogger(t)
	t.Cleanup(func() { level.Set(slog.LevelInfo) })

	dir := t.TempDir()
	reload := filepath.Join(dir, "log.yaml")
	if err := os.WriteFile(reload, []byte("level: error\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "verbose.yaml"), []byte("level: debug\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := ConfigureDynamic("warn", dir, reload); err != nil {
		t.Fatalf("level name: %v", err)
	}
	if Level() != slog.LevelWarn {
		t.Fatalf("expected warn, got %v", Level())
	}

	if err := ConfigureDynamic(ReloadToken, dir, reload); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if Level() != slog.LevelError {
		t.Fatalf("expected error, got %v", Level())
	}

	if err := ConfigureDynamic("verbose.yaml", dir, reload); err != nil {
		t.Fatalf("relative file: %v", err)
	}
	if Level() != slog.LevelDebug {
		t.Fatalf("expected debug, got %v", Level())
	}

	if err := ConfigureDynamic("missing.yaml", dir, reload); err == nil {
		t.Fatal("expected error for missing file")
	}
	if err := ConfigureDynamic(ReloadToken, dir, ""); err == nil {
		t.Fatal("expected error when no reload path is configured")
	}
}

func TestConfigureDynamicStaysInsideWorkspace(t *testing.T) {
	captureLogger(t)
	t.Cleanup(func() { level.Set(slog.LevelInfo) })

	root := t.TempDir()
	dir := filepath.Join(root, "site-1")
	if err := os.Mkdir(dir, 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "outside.yaml"), []byte("level: debug\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	level.Set(slog.LevelInfo)

	for _, spec := range []string{"/etc/passwd", filepath.Join(root, "outside.yaml"), "../outside.yaml", "nested/../../outside.yaml"} {
		err := ConfigureDynamic(spec, dir, "")
		if err == nil {
			t.Fatalf("%s: expected rejection", spec)
		}
		if strings.Contains(err.Error(), root) || strings.Contains(err.Error(), "/etc") {
			t.Errorf("%s: error leaks a path: %v", spec, err)
		}
	}
	if Level() != slog.LevelInfo {
		t.Fatalf("rejected configs must not change the level, got %v", Level())
	}
}

func TestConfigureDynamicHidesParseErrors(t *testing.T) {
	captureLogger(t)
	t.Cleanup(func() { level.Set(slog.LevelInfo) })

	dir := t.TempDir()
	secret := "root:x:0:0:root:/root:/bin/bash\n"
	if err := os.WriteFile(filepath.Join(dir, "passwd"), []byte(secret), 0o600); err != nil {
		t.Fatal(err)
	}

	err := ConfigureDynamic("passwd", dir, "")
	if err == nil {
		t.Fatal("expected parse error")
	}
	if err.Error() != "invalid log config passwd" {
		t.Errorf("unexpected error text: %q", err.Error())
	}
}
