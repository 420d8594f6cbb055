package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration for MajiTask. The server and the client
// read the same file; each uses its own sections.
type Config struct {
	Server ServerConfig `json:"server"`
	Auth   AuthConfig   `json:"auth"`
	Limits LimitsConfig `json:"limits"`
	Client ClientConfig `json:"client"`
	Events EventsConfig `json:"events"`
}

// ServerConfig holds the API server settings.
type ServerConfig struct {
	Host            string   `json:"host"`
	Port            int      `json:"port"`
	DBPath          string   `json:"db_path"`          // default: $MAJITASK_PATH/majitask.db
	ShutdownTimeout Duration `json:"shutdown_timeout"` // default: 10s
}

// AuthConfig maps bearer tokens to user IDs. Token issuance happens elsewhere;
// the server only resolves tokens it has been given.
type AuthConfig struct {
	Tokens map[string]string `json:"tokens"` // token -> user ID; values may use ${{ .Env.VAR }}
}

// UserFor resolves a bearer token.
func (a AuthConfig) UserFor(token string) (string, bool) {
	if token == "" {
		return "", false
	}
	user, ok := a.Tokens[token]
	return user, ok && user != ""
}

// LimitsConfig holds per-caller rate limits.
type LimitsConfig struct {
	Standard RateConfig `json:"standard"` // default: 100 per 10m
	Bulk     RateConfig `json:"bulk"`     // default: 5 per 1h
}

// RateConfig allows Requests calls per Window.
type RateConfig struct {
	Requests int      `json:"requests"`
	Window   Duration `json:"window"`
}

// ClientConfig holds the CLI client settings.
type ClientConfig struct {
	BaseURL       string   `json:"base_url"`       // default: http://127.0.0.1:18430/api
	Token         string   `json:"token"`          // bearer token; empty selects local-only mode
	DataDir       string   `json:"data_dir"`       // default: $MAJITASK_PATH/local
	Timeout       Duration `json:"timeout"`        // default: 10s
	SyncInterval  Duration `json:"sync_interval"`  // default: 60s
	CheckInterval Duration `json:"check_interval"` // default: 30s
}

// EventsConfig holds event bus settings.
type EventsConfig struct {
	BufferSize int    `json:"buffer_size"`
	LogLevel   string `json:"log_level"`
	AuditDir   string `json:"audit_dir"` // default: $MAJITASK_PATH/audit; "-" disables
}

// Validate reports configuration errors that defaults cannot repair.
func (c *Config) Validate() error {
	var problems []string
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	for name, r := range map[string]RateConfig{"standard": c.Limits.Standard, "bulk": c.Limits.Bulk} {
		if r.Requests < 1 || r.Window.Duration() <= 0 {
			problems = append(problems, fmt.Sprintf("limits.%s must allow at least one request per positive window", name))
		}
	}
	if !strings.HasPrefix(c.Client.BaseURL, "http://") && !strings.HasPrefix(c.Client.BaseURL, "https://") {
		problems = append(problems, fmt.Sprintf("client.base_url %q must be an http(s) URL", c.Client.BaseURL))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Duration wraps time.Duration for JSON unmarshaling.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	// Remove quotes
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}
