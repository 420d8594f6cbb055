package config

import (
	"bufio"
	"errors"
	"io"
	"io/fs"
	"os"
	"strings"
)

// LoadDotenv sets the variables of a .env file that are not already defined
// in the environment. A missing file is not an error.
func LoadDotenv(path string) error {
	return applyDotenv(path, false)
}

// ReloadDotenv sets every variable of a .env file, replacing values loaded
// earlier. Rotated tokens are picked up this way on SIGHUP.
func ReloadDotenv(path string) error {
	return applyDotenv(path, true)
}

func applyDotenv(path string, override bool) error {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	vars, err := parseDotenv(f)
	if err != nil {
		return err
	}
	for key, value := range vars {
		if _, exists := os.LookupEnv(key); exists && !override {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return err
		}
	}
	return nil
}

// parseDotenv reads KEY=value lines. Blank lines, comments and lines without
// '=' are skipped; an "export " prefix and matching quotes are stripped.
func parseDotenv(r io.Reader) (map[string]string, error) {
	vars := map[string]string{}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(strings.TrimPrefix(line, "export "), "=")
		if !ok {
			continue
		}
		if key = strings.TrimSpace(key); key == "" {
			continue
		}
		vars[key] = unquote(strings.TrimSpace(value))
	}
	return vars, scanner.Err()
}

func unquote(s string) string {
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}
