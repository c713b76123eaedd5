// Package tokenstore persists the bearer token this runner authenticates
// to the Control Plane with, so a restarted runner does not need the token
// handed to it again on every invocation.
package tokenstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned by Load when no token file exists at path.
var ErrNotFound = errors.New("tokenstore: no token file")

// DefaultPath returns the well-known token file location under a config
// directory, per spec's "<config_dir>/token".
func DefaultPath(configDir string) string {
	return filepath.Join(configDir, "token")
}

// Load reads the token persisted at path. Unlike the teacher's API-key
// store — which only ever needs to compare a presented key against a
// bcrypt hash — this runner has to present the literal token back to the
// Control Plane on every reconnect, so the token is held as plaintext on
// disk, protected by file permissions rather than a one-way hash.
func Load(path string) (string, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("tokenstore: read %s: %w", path, err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("tokenstore: %s is empty", path)
	}
	return token, nil
}

// Save writes token to path with owner-only permissions, creating the
// containing directory if needed. Grounded on the teacher's
// WriteAPIKeyFile (same MkdirAll(0o750) + WriteFile(0o600) shape).
func Save(path, token string) error {
	if strings.TrimSpace(token) == "" {
		return fmt.Errorf("tokenstore: refusing to persist an empty token")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("tokenstore: create directory for %s: %w", path, err)
	}
	if err := os.WriteFile(path, []byte(token), 0o600); err != nil {
		return fmt.Errorf("tokenstore: write %s: %w", path, err)
	}
	return nil
}

// LoadOrEmpty is Load with ErrNotFound treated as a valid empty result,
// for callers that fall back to a token supplied some other way (flag,
// environment variable) when no file exists yet.
func LoadOrEmpty(path string) (string, error) {
	token, err := Load(path)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	return token, err
}
