// internal/store/credentials.go
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileCredentials is a JSON-file-backed credential store. Values are kept
// in credentials.json under the data directory with 0600 permissions. It
// satisfies types.CredentialStore.
type FileCredentials struct {
	path string
	mu   sync.Mutex
}

// NewFileCredentials creates a credential store persisted at the given path.
func NewFileCredentials(path string) *FileCredentials {
	return &FileCredentials{path: path}
}

func (c *FileCredentials) load() (map[string]string, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]string), nil
		}
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	creds := make(map[string]string)
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("unmarshal credentials: %w", err)
	}
	return creds, nil
}

func (c *FileCredentials) save(creds map[string]string) error {
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename credentials: %w", err)
	}
	return nil
}

// Get returns the secret stored under id, or an error if absent.
func (c *FileCredentials) Get(id string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	creds, err := c.load()
	if err != nil {
		return "", err
	}
	secret, ok := creds[id]
	if !ok {
		return "", fmt.Errorf("credential not found: %s", id)
	}
	return secret, nil
}

// Set stores the secret under id.
func (c *FileCredentials) Set(id, secret string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	creds, err := c.load()
	if err != nil {
		return err
	}
	creds[id] = secret
	return c.save(creds)
}

// Delete removes the secret stored under id. Deleting an absent id is not
// an error.
func (c *FileCredentials) Delete(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	creds, err := c.load()
	if err != nil {
		return err
	}
	delete(creds, id)
	return c.save(creds)
}
