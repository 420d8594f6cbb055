package config

import (
	"os"
	"path/filepath"
)

// MajitaskPath returns the root directory for MajiTask data.
// It uses $MAJITASK_PATH if set, otherwise defaults to ~/.majitask.
func MajitaskPath() string {
	if v := os.Getenv("MAJITASK_PATH"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".majitask")
	}
	return filepath.Join(home, ".majitask")
}

// ConfigPath returns the path to the MajiTask config file.
func ConfigPath() string {
	return filepath.Join(MajitaskPath(), "config.jsonc")
}

// DotenvPath returns the path to the MajiTask .env file.
func DotenvPath() string {
	return filepath.Join(MajitaskPath(), ".env")
}
