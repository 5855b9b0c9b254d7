package synth

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maauso/studypod-api/internal/identity"
)

func TestDiskCache_StoreAndLookup(t *testing.T) {
	cache, err := NewDiskCache(t.TempDir())
	require.NoError(t, err)
	key := identity.SegmentKey("hello", "alloy")

	_, ok := cache.Lookup(key)
	assert.False(t, ok)

	path, err := cache.Store(key, "MP3", []byte("audio"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cache.Dir(), key[:2], key+".mp3"), path)

	got, ok := cache.Lookup(key)
	require.True(t, ok)
	assert.Equal(t, path, got)

	data, err := os.ReadFile(got)
	require.NoError(t, err)
	assert.Equal(t, "audio", string(data))
}

func TestDiskCache_StoreLeavesNoTempFiles(t *testing.T) {
	cache, err := NewDiskCache(t.TempDir())
	require.NoError(t, err)
	key := identity.SegmentKey("hello", "alloy")

	_, err = cache.Store(key, "mp3", []byte("first"))
	require.NoError(t, err)
	_, err = cache.Store(key, "mp3", []byte("first"))
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Join(cache.Dir(), key[:2]))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.False(t, strings.HasSuffix(entries[0].Name(), ".tmp"))
}

func TestDiskCache_Errors(t *testing.T) {
	cache, err := NewDiskCache(t.TempDir())
	require.NoError(t, err)

	_, err = cache.Store("a", "mp3", []byte("x"))
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = cache.Store(identity.SegmentKey("x", "y"), "midi", []byte("x"))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestDiskCache_Evict(t *testing.T) {
	cache, err := NewDiskCache(t.TempDir())
	require.NoError(t, err)
	key := identity.SegmentKey("evict me", "alloy")

	_, err = cache.Store(key, "wav", []byte("audio"))
	require.NoError(t, err)
	require.NoError(t, cache.Evict(key))

	_, ok := cache.Lookup(key)
	assert.False(t, ok)
	// Evicting a missing key is not an error.
	assert.NoError(t, cache.Evict(key))
}
