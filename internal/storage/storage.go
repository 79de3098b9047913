package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrInvalidObjectName is returned for names that would escape the storage root
var ErrInvalidObjectName = errors.New("invalid object name")

// Storage defines the interface for photo storage backends
type Storage interface {
	URL(objectName string) string
	Put(ctx context.Context, objectName string, reader io.Reader) error
	Get(ctx context.Context, objectName string) (io.ReadCloser, error)
	Delete(ctx context.Context, objectName string) error
}

// LocalStorage keeps objects under baseDir and serves them below baseURL
type LocalStorage struct {
	baseDir string
	baseURL string
}

func NewLocalStorage(baseDir, baseURL string) (*LocalStorage, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &LocalStorage{
		baseDir: baseDir,
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}, nil
}

func (s *LocalStorage) URL(objectName string) string {
	return fmt.Sprintf("%s/photos/%s", s.baseURL, objectName)
}

func (s *LocalStorage) path(objectName string) (string, error) {
	clean := filepath.Clean("/" + objectName)
	if objectName == "" || clean == "/" || clean != "/"+objectName {
		return "", fmt.Errorf("%w: %q", ErrInvalidObjectName, objectName)
	}
	return filepath.Join(s.baseDir, clean), nil
}

// Put writes through a temp file so readers never see a partial object
func (s *LocalStorage) Put(ctx context.Context, objectName string, reader io.Reader) error {
	fullPath, err := s.path(objectName)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(fullPath), ".upload-*")
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, reader); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), fullPath); err != nil {
		return fmt.Errorf("failed to store file: %w", err)
	}
	return nil
}

func (s *LocalStorage) Get(ctx context.Context, objectName string) (io.ReadCloser, error) {
	fullPath, err := s.path(objectName)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return file, nil
}

func (s *LocalStorage) Delete(ctx context.Context, objectName string) error {
	fullPath, err := s.path(objectName)
	if err != nil {
		return err
	}
	if err := os.Remove(fullPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}
