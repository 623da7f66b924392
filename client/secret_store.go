package client

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileSecretStore implements SecretStore using one file per key with
// owner-only permissions. On device the platform keychain sits behind the
// same interface; the file store is the development and test backend.
type FileSecretStore struct {
	basePath string
}

// NewFileSecretStore creates a file-backed secret store. Secrets are stored
// under SECRET_STORE_PATH, defaulting to the data/ directory.
func NewFileSecretStore() *FileSecretStore {
	basePath := os.Getenv("SECRET_STORE_PATH")
	if basePath == "" {
		basePath = "data"
	}

	os.MkdirAll(basePath, 0700)

	return &FileSecretStore{basePath: basePath}
}

// Get returns the stored secret, or "" when the key has never been set.
func (f *FileSecretStore) Get(ctx context.Context, key string) (string, error) {
	data, err := os.ReadFile(f.secretPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read secret %s: %w", key, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Set writes the secret with restricted permissions (owner only).
func (f *FileSecretStore) Set(ctx context.Context, key string, value string) error {
	if err := os.WriteFile(f.secretPath(key), []byte(value), 0600); err != nil {
		return fmt.Errorf("failed to write secret %s: %w", key, err)
	}
	return nil
}

// Delete removes the secret. Deleting an absent key is a no-op.
func (f *FileSecretStore) Delete(ctx context.Context, key string) error {
	if err := os.Remove(f.secretPath(key)); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to delete secret %s: %w", key, err)
	}
	return nil
}

func (f *FileSecretStore) secretPath(key string) string {
	return filepath.Join(f.basePath, key+".secret")
}

// MemorySecretStore is an in-memory SecretStore for tests and previews.
type MemorySecretStore struct {
	mu      sync.RWMutex
	secrets map[string]string
}

func NewMemorySecretStore() *MemorySecretStore {
	return &MemorySecretStore{secrets: make(map[string]string)}
}

func (m *MemorySecretStore) Get(ctx context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.secrets[key], nil
}

func (m *MemorySecretStore) Set(ctx context.Context, key string, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets[key] = value
	return nil
}

func (m *MemorySecretStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.secrets, key)
	return nil
}
