package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LoadAPIKey reads the clientquery API key from path, returning "" if the
// file does not exist. The file's content is trimmed of surrounding
// whitespace, matching the original daemon's read_text().strip() behavior.
func LoadAPIKey(path string) (string, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read key file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// SaveAPIKey writes key to path, creating the parent directory if needed.
func SaveAPIKey(path, key string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(key), 0o600); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	return nil
}

// KeyPresent reports whether a key file exists at path, without reading it.
func KeyPresent(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
