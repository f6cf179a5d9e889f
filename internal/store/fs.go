package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// FSStore is an ObjectStore backed by a directory tree. Objects are sharded
// by the first two characters of the key to keep directories small.
type FSStore struct {
	root string
}

// NewFS creates a filesystem store rooted at dir.
func NewFS(dir string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	return &FSStore{root: dir}, nil
}

func (s *FSStore) path(key string) string {
	shard := "00"
	if len(key) >= 2 {
		shard = key[:2]
	}
	return filepath.Join(s.root, shard, key)
}

// Put writes data under key and returns the file path as the location.
func (s *FSStore) Put(_ context.Context, key string, data []byte) (string, error) {
	p := s.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("create shard dir: %w", err)
	}
	// Write to a temp name then rename so readers never see partial objects.
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write object: %w", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("finalize object: %w", err)
	}
	return p, nil
}

// Get reads the object at location.
func (s *FSStore) Get(_ context.Context, location string) ([]byte, error) {
	data, err := os.ReadFile(location)
	if err != nil {
		return nil, fmt.Errorf("read object: %w", err)
	}
	return data, nil
}

// Delete removes the object at location.
func (s *FSStore) Delete(_ context.Context, location string) error {
	err := os.Remove(location)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}
