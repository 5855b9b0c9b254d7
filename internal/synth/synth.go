// Package synth turns text segments into cached speech artifacts.
//
// Artifacts are addressed by identity.SegmentKey, so a given (text, voice)
// pair is synthesized at most once: later requests, in this process or any
// other sharing the cache directory, reuse the stored file.
package synth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Static errors for synthesis.
var (
	// ErrEmptyAudio is returned when a Synthesizer produces no audio bytes.
	ErrEmptyAudio = errors.New("synthesizer returned empty audio")
	// ErrUnsupportedFormat is returned for audio formats the cache does not store.
	ErrUnsupportedFormat = errors.New("unsupported audio format")
	// ErrNoSegments is returned when SynthesizeAll is called without segments.
	ErrNoSegments = errors.New("no segments to synthesize")
)

// supportedFormats lists the file extensions the cache accepts.
var supportedFormats = []string{"mp3", "wav", "opus", "aac", "flac"}

// Speech is the strict result of a text-to-speech call.
type Speech struct {
	// Audio is the encoded audio.
	Audio []byte
	// Format is the container format, e.g. "mp3".
	Format string
}

// Synthesizer converts text to speech.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string) (*Speech, error)
}

// Prober measures the duration of an audio file from its metadata.
type Prober interface {
	ProbeDuration(ctx context.Context, path string) (float64, error)
}

// Error reports a synthesis failure for one segment.
type Error struct {
	// Index is the segment index that failed.
	Index int
	// Err is the underlying cause.
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("synthesize segment %d: %v", e.Index, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// validateSpeech rejects results that must not enter the cache.
func validateSpeech(s *Speech) (string, error) {
	if s == nil || len(s.Audio) == 0 {
		return "", ErrEmptyAudio
	}
	format := normalizeFormat(s.Format)
	if !isSupportedFormat(format) {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, s.Format)
	}
	return format, nil
}

func normalizeFormat(format string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(format)), ".")
}

func isSupportedFormat(format string) bool {
	for _, f := range supportedFormats {
		if f == format {
			return true
		}
	}
	return false
}
