package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMajitaskPath_Default(t *testing.T) {
	t.Setenv("MAJITASK_PATH", "")

	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatal(err)
	}

	got := MajitaskPath()
	want := filepath.Join(home, ".majitask")
	if got != want {
		t.Errorf("MajitaskPath() = %q, want %q", got, want)
	}
}

func TestMajitaskPath_EnvOverride(t *testing.T) {
	t.Setenv("MAJITASK_PATH", "/tmp/custom-majitask")

	got := MajitaskPath()
	want := "/tmp/custom-majitask"
	if got != want {
		t.Errorf("MajitaskPath() = %q, want %q", got, want)
	}
}

func TestConfigPath(t *testing.T) {
	t.Setenv("MAJITASK_PATH", "/tmp/test-majitask")

	got := ConfigPath()
	want := "/tmp/test-majitask/config.jsonc"
	if got != want {
		t.Errorf("ConfigPath() = %q, want %q", got, want)
	}
}

func TestDotenvPath(t *testing.T) {
	t.Setenv("MAJITASK_PATH", "/tmp/test-majitask")

	got := DotenvPath()
	want := "/tmp/test-majitask/.env"
	if got != want {
		t.Errorf("DotenvPath() = %q, want %q", got, want)
	}
}
