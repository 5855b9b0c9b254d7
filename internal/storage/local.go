package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Compile-time checks that LocalStorage implements Storage and Opener.
var (
	_ Storage = (*LocalStorage)(nil)
	_ Opener  = (*LocalStorage)(nil)
)

// LocalStorage implements Storage on the local filesystem.
// Locations are absolute paths under the base directory.
type LocalStorage struct {
	baseDir string
}

// NewLocalStorage creates a new LocalStorage instance.
// If baseDir is empty, a "studypod" directory under os.TempDir() is used.
// The directory is created if it doesn't exist.
func NewLocalStorage(baseDir string) (*LocalStorage, error) {
	if baseDir == "" {
		baseDir = filepath.Join(os.TempDir(), "studypod")
	}

	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve storage directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0750); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}

	return &LocalStorage{baseDir: abs}, nil
}

// BaseDir returns the storage root.
func (s *LocalStorage) BaseDir() string {
	return s.baseDir
}

// Upload copies localPath to <baseDir>/<key> and returns the absolute path.
func (s *LocalStorage) Upload(ctx context.Context, key, localPath string) (string, error) {
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("context cancelled: %w", ctx.Err())
	default:
	}

	dst, err := s.resolve(filepath.Join(s.baseDir, filepath.FromSlash(key)))
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0750); err != nil {
		return "", fmt.Errorf("create object directory: %w", err)
	}

	src, err := os.Open(localPath) // #nosec G304 - path is provided by trusted caller
	if err != nil {
		return "", fmt.Errorf("open source file: %w", err)
	}
	defer func() { _ = src.Close() }()

	f, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmp := f.Name()

	if _, err := io.Copy(f, src); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return "", fmt.Errorf("write object: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("close object: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("commit object: %w", err)
	}

	return dst, nil
}

// Delete removes the file at location.
func (s *LocalStorage) Delete(ctx context.Context, location string) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("context cancelled: %w", ctx.Err())
	default:
	}

	p, err := s.resolve(location)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove object %s: %w", p, err)
	}
	return nil
}

// Open returns a reader for the file at location.
func (s *LocalStorage) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("context cancelled: %w", ctx.Err())
	default:
	}

	p, err := s.resolve(location)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p) // #nosec G304 - path is confined to baseDir
	if err != nil {
		return nil, fmt.Errorf("open object: %w", err)
	}
	return f, nil
}

// resolve cleans location and checks that it lies inside baseDir.
func (s *LocalStorage) resolve(location string) (string, error) {
	p := filepath.Clean(location)
	rel, err := filepath.Rel(s.baseDir, p)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %s", ErrInvalidLocation, location)
	}
	return p, nil
}
