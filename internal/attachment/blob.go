package attachment

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// BlobStore keeps local attachment content as UUID-named files on disk.
type BlobStore struct {
	dir string
}

// NewBlobStore ensures the blob directory exists.
func NewBlobStore(dir string) (*BlobStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("blob directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob directory: %w", err)
	}
	return &BlobStore{dir: dir}, nil
}

// Put writes data to a fresh blob and returns its location.
func (b *BlobStore) Put(data []byte, extension string) (string, error) {
	key, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	name := key.String()
	if extension != "" {
		name += extension
	}
	location := filepath.Join(b.dir, name)
	if err := os.WriteFile(location, data, 0o644); err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}
	return location, nil
}

// Read returns the content of a stored blob.
func (b *BlobStore) Read(location string) ([]byte, error) {
	return os.ReadFile(location)
}
