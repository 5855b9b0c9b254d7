// Package audio assembles synthesized segments into one episode file and
// derives chapter timing from real file metadata.
package audio

import "context"

// Toolkit is the audio processing capability used by the Assembler.
// FFmpegToolkit implements it with ffmpeg and ffprobe subprocesses.
type Toolkit interface {
	// ProbeDuration returns the duration in seconds read from the file metadata.
	ProbeDuration(ctx context.Context, path string) (float64, error)

	// Concatenate joins inputs, in order, into output using a single
	// consistent encoding.
	Concatenate(ctx context.Context, inputs []string, output string) error

	// NormalizeLoudness writes a loudness-normalized copy of input to output.
	NormalizeLoudness(ctx context.Context, input, output string) error
}
