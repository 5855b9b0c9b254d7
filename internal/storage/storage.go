// Package storage provides durable storage for assembled episode audio.
// It defines the Storage interface (port) and implementations for local disk
// and S3-compatible object stores.
package storage

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"time"
)

// ErrInvalidLocation is returned when a location was not produced by the storage.
var ErrInvalidLocation = errors.New("location does not belong to this storage")

// Storage defines durable storage for final artifacts.
type Storage interface {
	// Upload copies the file at localPath under key and returns its location,
	// a public URL or an absolute path depending on the backend.
	Upload(ctx context.Context, key, localPath string) (location string, err error)

	// Delete removes the object at location. Deleting a missing object is not an error.
	Delete(ctx context.Context, location string) error
}

// Opener is implemented by storages whose objects can be streamed back.
type Opener interface {
	// Open returns a reader for the object at location.
	// The caller is responsible for closing the returned ReadCloser.
	Open(ctx context.Context, location string) (io.ReadCloser, error)
}

// URLSigner is implemented by storages that can issue time-limited URLs.
type URLSigner interface {
	SignedURL(ctx context.Context, location string, ttl time.Duration) (string, error)
}

// contentTypes maps audio extensions to MIME types.
var contentTypes = map[string]string{
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".opus": "audio/ogg",
	".aac":  "audio/aac",
	".flac": "audio/flac",
}

// ContentType returns the MIME type for an audio file name.
func ContentType(name string) string {
	if ct, ok := contentTypes[strings.ToLower(filepath.Ext(name))]; ok {
		return ct
	}
	return "application/octet-stream"
}
