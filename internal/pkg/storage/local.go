package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LocalArchiver writes payloads under a directory. Meant for development.
type LocalArchiver struct {
	basePath string
}

func NewLocalArchiver(basePath string) (*LocalArchiver, error) {
	if basePath == "" {
		basePath = "./archive"
	}
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	return &LocalArchiver{basePath: basePath}, nil
}

func (a *LocalArchiver) Archive(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	if strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid archive key %q", key)
	}
	fullPath := filepath.Join(a.basePath, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}

	// O_EXCL keeps the first write.
	file, err := os.OpenFile(fullPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if errors.Is(err, os.ErrExist) {
		return fullPath, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(body); err != nil {
		os.Remove(fullPath)
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	return fullPath, nil
}
