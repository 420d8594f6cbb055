package remote

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/oauth2"
)

// TokenFile is the name of the persisted credential inside the client data
// directory.
const TokenFile = "token.json"

// TokenSource returns a source yielding the configured static token, or the
// token persisted at path when static is empty. The file is re-read on
// every call so a login from another process is picked up without restart.
func TokenSource(static, path string) oauth2.TokenSource {
	if static != "" {
		return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: static, TokenType: "Bearer"})
	}
	return fileSource{path: path}
}

type fileSource struct {
	path string
}

func (f fileSource) Token() (*oauth2.Token, error) {
	tok, err := LoadToken(f.path)
	if err != nil {
		return nil, err
	}
	if tok.AccessToken == "" {
		return nil, ErrNoToken
	}
	return tok, nil
}

// LoadToken reads a token saved by SaveToken. A missing file yields
// ErrNoToken.
func LoadToken(path string) (*oauth2.Token, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoToken
		}
		return nil, fmt.Errorf("read token: %w", err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("parse token %s: %w", path, err)
	}
	return &tok, nil
}

// SaveToken persists tok at path with owner-only permissions.
func SaveToken(path string, tok *oauth2.Token) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}
	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write token: %w", err)
	}
	return os.Rename(tmp, path)
}

// HasToken reports whether ts currently yields a non-empty access token.
func HasToken(ts oauth2.TokenSource) bool {
	if ts == nil {
		return false
	}
	tok, err := ts.Token()
	return err == nil && tok != nil && tok.AccessToken != ""
}
