package main

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/slopeside/slopeside/internal/config"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"WARN", slog.LevelWarn},
		{"unknown", slog.LevelInfo}, // default
		{"", slog.LevelInfo},        // default
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := parseLogLevel(tt.input)
			if result != tt.expected {
				t.Errorf("parseLogLevel(%q) = %v, want %v", tt.input, result, tt.expected)
			}
		})
	}
}

func TestLoadConfig_NewFile(t *testing.T) {
	chdir(t, t.TempDir())
	configPath := filepath.Join("conf", "slopesync.toml")

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))

	cfg, err := loadConfig(configPath, logger)
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	if cfg.Server.Port != config.DefaultConfig().Server.Port {
		t.Errorf("expected default port, got %d", cfg.Server.Port)
	}

	// Verify file was created and reads back
	if _, err := config.Load(configPath); err != nil {
		t.Errorf("created config does not load: %v", err)
	}
	if _, err := os.Stat(cfg.Server.DataDir); err != nil {
		t.Errorf("data dir not created: %v", err)
	}
}

func TestLoadConfig_ExistingFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "existing-config.json")

	cfg := config.DefaultConfig()
	cfg.Server.Port = 9999
	cfg.Server.DataDir = filepath.Join(tmpDir, "data")
	if err := cfg.Save(configPath); err != nil {
		t.Fatalf("failed to save test config: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))

	loaded, err := loadConfig(configPath, logger)
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	if loaded.Server.Port != 9999 {
		t.Errorf("expected port 9999, got %d", loaded.Server.Port)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "bad.json")
	os.WriteFile(configPath, []byte(`{"server":{"port":-1}}`), 0644)

	if _, err := loadConfig(configPath, slog.Default()); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestRunVersion(t *testing.T) {
	for _, args := range [][]string{{"--version"}, {"version"}} {
		var out, errOut bytes.Buffer
		if code := run(args, &out, &errOut); code != 0 {
			t.Errorf("run(%v) = %d", args, code)
		}
		if !strings.Contains(out.String(), "slopesync v"+version) {
			t.Errorf("run(%v) output = %q", args, out.String())
		}
	}
}

func TestRunHelpAndUnknown(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := run([]string{"help"}, &out, &errOut); code != 0 {
		t.Errorf("help exit = %d", code)
	}
	if !strings.Contains(out.String(), "enqueue <kind> <json>") {
		t.Errorf("usage missing client commands: %q", out.String())
	}

	out.Reset()
	if code := run([]string{"snowplough"}, &out, &errOut); code != 1 {
		t.Errorf("unknown command exit = %d, want 1", code)
	}
	if !strings.Contains(errOut.String(), "Unknown command: snowplough") {
		t.Errorf("stderr = %q", errOut.String())
	}

	if code := run([]string{"--bogus"}, &out, &errOut); code != 2 {
		t.Errorf("bad flag exit = %d, want 2", code)
	}
}

func TestRunClientCommandUsesAPIFlag(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/status" {
			http.NotFound(w, r)
			return
		}
		hits++
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"isOnline":true,"isSyncing":false,"queueLength":2,"uptimeSec":60}`))
	}))
	defer srv.Close()

	var out, errOut bytes.Buffer
	if code := run([]string{"--api", srv.URL, "status"}, &out, &errOut); code != 0 {
		t.Fatalf("status exit = %d: %s", code, errOut.String())
	}
	if hits != 1 {
		t.Errorf("expected one API call, got %d", hits)
	}
}

func TestRunTokenPassesConfig(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "slopesync.json")
	cfg := config.DefaultConfig()
	cfg.Server.DataDir = filepath.Join(dir, "data")
	cfg.Server.APISecret = "local-secret"
	if err := cfg.Save(configPath); err != nil {
		t.Fatal(err)
	}

	var out, errOut bytes.Buffer
	if code := run([]string{"--config", configPath, "token", "--role", "owner"}, &out, &errOut); code != 0 {
		t.Errorf("token exit = %d", code)
	}
}

func TestRunDaemonNeedsRemote(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv(config.EnvRemoteURL, "")

	var out, errOut bytes.Buffer
	if code := run([]string{"run", "--config", "fresh.toml"}, &out, &errOut); code != 1 {
		t.Fatalf("run exit = %d, want 1", code)
	}
	if !strings.Contains(errOut.String(), "no remote configured") {
		t.Errorf("stderr = %q", errOut.String())
	}
	if _, err := os.Stat("fresh.toml"); err != nil {
		t.Errorf("default config should be written: %v", err)
	}
}
