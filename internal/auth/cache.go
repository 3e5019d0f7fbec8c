package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Cache persists tokens between runs.
type Cache interface {
	Load() (Token, error)
	Save(Token) error
}

// Compile-time interface check.
var _ Cache = (*FileCache)(nil)

// FileCache stores the token as a JSON file readable only by the owner.
type FileCache struct {
	path string
}

// NewFileCache creates a cache at the given path.
func NewFileCache(path string) *FileCache {
	return &FileCache{path: path}
}

// Load reads the cached token. A missing file returns a zero Token without
// error so first runs can proceed to the authorization-code exchange.
func (c *FileCache) Load() (Token, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Token{}, nil
		}
		return Token{}, fmt.Errorf("reading token cache: %w", err)
	}

	var tok Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return Token{}, fmt.Errorf("parsing token cache: %w", err)
	}
	return tok, nil
}

// Save writes the token with 0600 permissions, creating parent directories
// as needed.
func (c *FileCache) Save(tok Token) error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("creating token cache dir: %w", err)
	}
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding token cache: %w", err)
	}
	if err := os.WriteFile(c.path, data, 0o600); err != nil {
		return fmt.Errorf("writing token cache: %w", err)
	}
	return nil
}
