package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// FileStore saves capture artifacts (JPEG images, sensor bundle JSON) under
// a base directory, one file per artifact named by a fresh UUID.
type FileStore struct {
	basePath string
}

func NewFileStore(basePath string) (*FileStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &FileStore{basePath: basePath}, nil
}

// Save writes data to a new file with the given extension and returns the
// file name relative to the base directory.
func (fs *FileStore) Save(data []byte, extension string) (string, error) {
	filename := fmt.Sprintf("%s.%s", uuid.New().String(), extension)
	fullPath := filepath.Join(fs.basePath, filename)
	if err := os.WriteFile(fullPath, data, 0644); err != nil {
		return "", fmt.Errorf("failed to save file: %w", err)
	}
	return filename, nil
}

// Read returns the contents of a previously saved file.
func (fs *FileStore) Read(name string) ([]byte, error) {
	fullPath, err := fs.resolve(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return data, nil
}

// Remove deletes a saved file. Removing a missing file or an empty name is
// a no-op.
func (fs *FileStore) Remove(name string) error {
	if name == "" {
		return nil
	}
	fullPath, err := fs.resolve(name)
	if err != nil {
		return err
	}
	if err := os.Remove(fullPath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

// Path returns the absolute path of a saved file.
func (fs *FileStore) Path(name string) (string, error) {
	return fs.resolve(name)
}

func (fs *FileStore) resolve(name string) (string, error) {
	cleanPath := filepath.Clean(name)
	if strings.Contains(cleanPath, "..") || filepath.IsAbs(cleanPath) {
		return "", fmt.Errorf("invalid path")
	}
	return filepath.Join(fs.basePath, cleanPath), nil
}
