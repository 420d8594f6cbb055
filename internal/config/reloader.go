package config

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Reloader holds the live config. Reload swaps it atomically, so request
// paths that resolve tokens through it see rotated credentials immediately.
type Reloader struct {
	configPath string
	dotenvPath string
	current    atomic.Pointer[Config]
	mu         sync.Mutex
	listeners  []func(*Config)
}

// NewReloader creates a Reloader with the given initial config.
func NewReloader(configPath, dotenvPath string, initial *Config) *Reloader {
	r := &Reloader{
		configPath: configPath,
		dotenvPath: dotenvPath,
	}
	r.current.Store(initial)
	return r
}

// Current returns the live config.
func (r *Reloader) Current() *Config {
	return r.current.Load()
}

// UserFor resolves a bearer token against the live auth section.
func (r *Reloader) UserFor(token string) (string, bool) {
	return r.Current().Auth.UserFor(token)
}

// OnReload registers a callback invoked after successful reload.
func (r *Reloader) OnReload(fn func(*Config)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Reload re-reads the .env file, reloads the config, and notifies listeners.
// An invalid config leaves the current one in place.
func (r *Reloader) Reload() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ReloadDotenv(r.dotenvPath); err != nil {
		return fmt.Errorf("reload dotenv: %w", err)
	}

	cfg, err := Load(r.configPath)
	if err != nil {
		return fmt.Errorf("reload config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("reload config: %w", err)
	}

	r.current.Store(cfg)
	slog.Info("config reloaded", "tokens", len(cfg.Auth.Tokens))

	for _, fn := range r.listeners {
		fn(cfg)
	}
	return nil
}
