package synth

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrInvalidKey is returned for keys that cannot address a cache entry.
var ErrInvalidKey = errors.New("invalid cache key")

// Cache stores synthesized audio by content key.
type Cache interface {
	// Lookup returns the path of the artifact stored under key, if any.
	Lookup(key string) (path string, ok bool)
	// Store writes data under key and returns its path.
	Store(key, format string, data []byte) (path string, err error)
	// Evict removes any artifact stored under key.
	Evict(key string) error
}

// Compile-time check that DiskCache implements Cache.
var _ Cache = (*DiskCache)(nil)

// DiskCache is a content-addressed artifact store on the local filesystem.
// Layout: <dir>/<key[:2]>/<key>.<format>
//
// Writes go to a temporary file in the destination directory and are renamed
// into place, so readers never observe partial files. Concurrent writers of
// the same key are harmless because the content is deterministic.
type DiskCache struct {
	dir string
}

// NewDiskCache creates a DiskCache rooted at dir, creating it if needed.
func NewDiskCache(dir string) (*DiskCache, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "studypod", "cache")
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	return &DiskCache{dir: dir}, nil
}

// Dir returns the cache root.
func (c *DiskCache) Dir() string {
	return c.dir
}

// Path returns where an artifact for key and format is stored.
func (c *DiskCache) Path(key, format string) string {
	return filepath.Join(c.dir, key[:2], key+"."+format)
}

// Lookup returns the path of the artifact stored under key, if any.
func (c *DiskCache) Lookup(key string) (string, bool) {
	if len(key) < 2 {
		return "", false
	}
	for _, format := range supportedFormats {
		p := c.Path(key, format)
		if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() && info.Size() > 0 {
			return p, true
		}
	}
	return "", false
}

// Store atomically writes data under key.
func (c *DiskCache) Store(key, format string, data []byte) (string, error) {
	if len(key) < 2 {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	format = normalizeFormat(format)
	if !isSupportedFormat(format) {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}

	final := c.Path(key, format)
	dir := filepath.Dir(final)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", fmt.Errorf("create cache shard: %w", err)
	}

	f, err := os.CreateTemp(dir, key+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp artifact: %w", err)
	}
	tmp := f.Name()

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return "", fmt.Errorf("write temp artifact: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("close temp artifact: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("commit artifact: %w", err)
	}

	return final, nil
}

// Evict removes every artifact stored under key.
func (c *DiskCache) Evict(key string) error {
	if len(key) < 2 {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, format := range supportedFormats {
		if err := os.Remove(c.Path(key, format)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("evict artifact: %w", err)
		}
	}
	return nil
}
