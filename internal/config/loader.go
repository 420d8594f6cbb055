package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/tailscale/hujson"
)

var envTemplateRe = regexp.MustCompile(`\$\{\{\s*\.Env\.(\w+)\s*\}\}`)

// Load reads a JSONC config file, expands ${{ .Env.VAR }} templates,
// standardizes it to plain JSON, unmarshals it into Config, and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment variable templates (before standardizing, since templates are in strings)
	expanded := expandEnvTemplates(string(data))

	std, err := hujson.Standardize([]byte(expanded))
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(std, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadOrDefault behaves like Load but returns the defaults when the file
// does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg = &Config{}
		applyDefaults(cfg)
		return cfg, nil
	}
	return cfg, err
}

// expandEnvTemplates replaces ${{ .Env.VAR }} with the env var value.
func expandEnvTemplates(s string) string {
	return envTemplateRe.ReplaceAllStringFunc(s, func(match string) string {
		parts := envTemplateRe.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		return os.Getenv(parts[1])
	})
}

// applyDefaults fills in zero-value fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 18430
	}
	if cfg.Server.DBPath == "" {
		cfg.Server.DBPath = filepath.Join(MajitaskPath(), "majitask.db")
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Limits.Standard.Requests == 0 {
		cfg.Limits.Standard.Requests = 100
	}
	if cfg.Limits.Standard.Window == 0 {
		cfg.Limits.Standard.Window = Duration(10 * time.Minute)
	}
	if cfg.Limits.Bulk.Requests == 0 {
		cfg.Limits.Bulk.Requests = 5
	}
	if cfg.Limits.Bulk.Window == 0 {
		cfg.Limits.Bulk.Window = Duration(time.Hour)
	}

	if cfg.Client.BaseURL == "" {
		cfg.Client.BaseURL = fmt.Sprintf("http://%s:%d/api", cfg.Server.Host, cfg.Server.Port)
	}
	if cfg.Client.Token == "" {
		cfg.Client.Token = os.Getenv("MAJITASK_TOKEN")
	}
	if cfg.Client.DataDir == "" {
		cfg.Client.DataDir = filepath.Join(MajitaskPath(), "local")
	}
	if cfg.Client.Timeout == 0 {
		cfg.Client.Timeout = Duration(10 * time.Second)
	}
	if cfg.Client.SyncInterval == 0 {
		cfg.Client.SyncInterval = Duration(60 * time.Second)
	}
	if cfg.Client.CheckInterval == 0 {
		cfg.Client.CheckInterval = Duration(30 * time.Second)
	}

	if cfg.Events.BufferSize == 0 {
		cfg.Events.BufferSize = 1024
	}
	if cfg.Events.LogLevel == "" {
		cfg.Events.LogLevel = "info"
	}
	if cfg.Events.AuditDir == "" {
		cfg.Events.AuditDir = filepath.Join(MajitaskPath(), "audit")
	}
}
