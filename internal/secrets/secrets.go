// Package secrets stores secret values in a local file holding a base64
// encoded JSON object that maps secret paths to values.
package secrets

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// Scope is the hierarchy level a secret belongs to.
type Scope string

const (
	ScopeOrganization Scope = "organization"
	ScopeProduct      Scope = "product"
	ScopeRepository   Scope = "repository"
)

// CreatePath builds the storage path of a named secret of an entity.
func CreatePath(scope Scope, id, name string) string {
	return fmt.Sprintf("%s_%s_%s", scope, id, name)
}

// FileStorage implements ports.SecretStorage on a single file.
type FileStorage struct {
	path   string
	mu     sync.Mutex
	logger *zap.Logger
}

// NewFileStorage creates a storage backed by path. The file is created on first write.
func NewFileStorage(path string, logger *zap.Logger) *FileStorage {
	return &FileStorage{path: path, logger: logger}
}

// ReadSecret returns the value stored under path.
func (s *FileStorage) ReadSecret(ctx context.Context, path string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	secrets, err := s.load()
	if err != nil {
		return "", false, err
	}
	value, ok := secrets[path]
	return value, ok, nil
}

// WriteSecret stores value under path.
func (s *FileStorage) WriteSecret(ctx context.Context, path, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	secrets, err := s.load()
	if err != nil {
		return err
	}
	secrets[path] = value
	if err := s.save(secrets); err != nil {
		return err
	}

	s.logger.Debug("secret written", zap.String("path", path))
	return nil
}

// RemoveSecret deletes the value stored under path.
func (s *FileStorage) RemoveSecret(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	secrets, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := secrets[path]; !ok {
		return nil
	}
	delete(secrets, path)
	return s.save(secrets)
}

func (s *FileStorage) load() (map[string]string, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return make(map[string]string), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read secrets file: %w", err)
	}
	if len(raw) == 0 {
		return make(map[string]string), nil
	}

	decoded, err := base64.StdEncoding.DecodeString(string(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to decode secrets file: %w", err)
	}
	secrets := make(map[string]string)
	if err := json.Unmarshal(decoded, &secrets); err != nil {
		return nil, fmt.Errorf("failed to unmarshal secrets: %w", err)
	}
	return secrets, nil
}

func (s *FileStorage) save(secrets map[string]string) error {
	data, err := json.Marshal(secrets)
	if err != nil {
		return fmt.Errorf("failed to marshal secrets: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".secrets-*")
	if err != nil {
		return fmt.Errorf("failed to create secrets file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(base64.StdEncoding.EncodeToString(data)); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write secrets file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write secrets file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace secrets file: %w", err)
	}
	return nil
}
