package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	content := `{
	// This is a JSONC comment
	"server": {
		"host": "0.0.0.0",
		"port": 9999,
		"db_path": "/var/lib/majitask/tasks.db",
	},
	"auth": {
		"tokens": {
			"${{ .Env.ALICE_TOKEN }}": "alice",
		},
	},
	"limits": {
		"bulk": {"requests": 10, "window": "30m"},
	},
	"client": {
		"base_url": "https://tasks.example.com/api",
		"sync_interval": "2m",
	},
}`

	dir := t.TempDir()
	path := filepath.Join(dir, "config.jsonc")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("ALICE_TOKEN", "test-token-123")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("expected host 0.0.0.0, got %s", cfg.Server.Host)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("expected port 9999, got %d", cfg.Server.Port)
	}
	if cfg.Server.DBPath != "/var/lib/majitask/tasks.db" {
		t.Errorf("expected db_path, got %s", cfg.Server.DBPath)
	}
	if user, ok := cfg.Auth.UserFor("test-token-123"); !ok || user != "alice" {
		t.Errorf("expected token to resolve to alice, got %q %v", user, ok)
	}
	if cfg.Limits.Bulk.Requests != 10 || cfg.Limits.Bulk.Window.Duration() != 30*time.Minute {
		t.Errorf("unexpected bulk limit %+v", cfg.Limits.Bulk)
	}
	if cfg.Limits.Standard.Requests != 100 {
		t.Errorf("expected standard default 100, got %d", cfg.Limits.Standard.Requests)
	}
	if cfg.Client.BaseURL != "https://tasks.example.com/api" {
		t.Errorf("unexpected base_url %s", cfg.Client.BaseURL)
	}
	if cfg.Client.SyncInterval.Duration() != 2*time.Minute {
		t.Errorf("expected sync_interval 2m, got %v", cfg.Client.SyncInterval.Duration())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("MAJITASK_PATH", "/tmp/mt")
	t.Setenv("MAJITASK_TOKEN", "")

	content := `{}`
	dir := t.TempDir()
	path := filepath.Join(dir, "config.jsonc")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("expected default host 127.0.0.1, got %s", cfg.Server.Host)
	}
	if cfg.Server.Port != 18430 {
		t.Errorf("expected default port 18430, got %d", cfg.Server.Port)
	}
	if cfg.Server.DBPath != "/tmp/mt/majitask.db" {
		t.Errorf("unexpected default db_path %s", cfg.Server.DBPath)
	}
	if cfg.Limits.Standard.Requests != 100 || cfg.Limits.Standard.Window.Duration() != 10*time.Minute {
		t.Errorf("unexpected standard limit %+v", cfg.Limits.Standard)
	}
	if cfg.Limits.Bulk.Requests != 5 || cfg.Limits.Bulk.Window.Duration() != time.Hour {
		t.Errorf("unexpected bulk limit %+v", cfg.Limits.Bulk)
	}
	if cfg.Client.BaseURL != "http://127.0.0.1:18430/api" {
		t.Errorf("unexpected default base_url %s", cfg.Client.BaseURL)
	}
	if cfg.Client.Timeout.Duration() != 10*time.Second || cfg.Client.SyncInterval.Duration() != time.Minute {
		t.Errorf("unexpected client timings %+v", cfg.Client)
	}
	if cfg.Client.DataDir != "/tmp/mt/local" {
		t.Errorf("unexpected data_dir %s", cfg.Client.DataDir)
	}
	if cfg.Events.BufferSize != 1024 {
		t.Errorf("expected default buffer 1024, got %d", cfg.Events.BufferSize)
	}
	if cfg.Events.LogLevel != "info" {
		t.Errorf("expected default log_level 'info', got %q", cfg.Events.LogLevel)
	}
}

func TestLoadDefaults_TokenFromEnv(t *testing.T) {
	t.Setenv("MAJITASK_TOKEN", "env-token")
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.jsonc"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Client.Token != "env-token" {
		t.Errorf("expected client token from env, got %q", cfg.Client.Token)
	}
}

func TestLoadInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.jsonc")
	if err := os.WriteFile(path, []byte(`{"server": `), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
	if _, err := LoadOrDefault(path); err == nil {
		t.Fatal("LoadOrDefault should only tolerate a missing file")
	}
}

func TestValidate(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	cfg.Client.BaseURL = "ftp://nope"
	cfg.Limits.Bulk.Requests = -1
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestAuthUserFor(t *testing.T) {
	a := AuthConfig{Tokens: map[string]string{"t1": "alice", "t2": ""}}
	if u, ok := a.UserFor("t1"); !ok || u != "alice" {
		t.Errorf("t1: %q %v", u, ok)
	}
	for _, tok := range []string{"", "t2", "unknown"} {
		if _, ok := a.UserFor(tok); ok {
			t.Errorf("%q should not resolve", tok)
		}
	}
}

func TestExpandEnvTemplates(t *testing.T) {
	t.Setenv("TEST_KEY", "my-secret")
	result := expandEnvTemplates(`{"key": "${{ .Env.TEST_KEY }}"}`)
	expected := `{"key": "my-secret"}`
	if result != expected {
		t.Errorf("expected %s, got %s", expected, result)
	}
}
