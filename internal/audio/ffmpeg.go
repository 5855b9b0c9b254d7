package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// Static errors for ffmpeg operations.
var (
	// ErrNoInputs is returned when no input files are provided.
	ErrNoInputs = errors.New("no input files provided")
	// ErrInvalidDuration is returned when a probed duration is missing or not positive.
	ErrInvalidDuration = errors.New("invalid duration: must be positive")
	// ErrFFprobeExecution is returned when the ffprobe command fails.
	ErrFFprobeExecution = errors.New("ffprobe execution failed")
)

// Encoding defaults for assembled episodes.
const (
	DefaultBitrate    = "64k"
	DefaultSampleRate = 24000
	// loudnormFilter targets -16 LUFS integrated, the usual spoken-word level.
	loudnormFilter = "loudnorm=I=-16:TP=-1.5:LRA=11"
)

// Compile-time check that FFmpegToolkit implements Toolkit.
var _ Toolkit = (*FFmpegToolkit)(nil)

// FFmpegToolkit implements Toolkit using the ffmpeg and ffprobe CLIs.
// All outputs are mono MP3 at a fixed bitrate and sample rate so segments
// splice without artifacts.
type FFmpegToolkit struct {
	ffmpegPath  string
	ffprobePath string
	bitrate     string
	sampleRate  int
}

// ToolkitOption configures an FFmpegToolkit.
type ToolkitOption func(*FFmpegToolkit)

// WithFFprobePath sets the ffprobe binary. Defaults to "ffprobe".
func WithFFprobePath(path string) ToolkitOption {
	return func(t *FFmpegToolkit) {
		if path != "" {
			t.ffprobePath = path
		}
	}
}

// WithBitrate sets the output audio bitrate, e.g. "64k".
func WithBitrate(bitrate string) ToolkitOption {
	return func(t *FFmpegToolkit) {
		if bitrate != "" {
			t.bitrate = bitrate
		}
	}
}

// WithSampleRate sets the output sample rate in Hz.
func WithSampleRate(hz int) ToolkitOption {
	return func(t *FFmpegToolkit) {
		if hz > 0 {
			t.sampleRate = hz
		}
	}
}

// NewFFmpegToolkit creates a new FFmpegToolkit.
// If ffmpegPath is empty, it defaults to "ffmpeg" (found via PATH).
func NewFFmpegToolkit(ffmpegPath string, opts ...ToolkitOption) *FFmpegToolkit {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	t := &FFmpegToolkit{
		ffmpegPath:  ffmpegPath,
		ffprobePath: "ffprobe",
		bitrate:     DefaultBitrate,
		sampleRate:  DefaultSampleRate,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Concatenate re-encodes inputs, in order, into a single mono MP3.
func (t *FFmpegToolkit) Concatenate(ctx context.Context, inputs []string, output string) error {
	if len(inputs) == 0 {
		return ErrNoInputs
	}

	listFile, err := createConcatList(filepath.Dir(output), inputs)
	if err != nil {
		return fmt.Errorf("create concat list: %w", err)
	}
	defer func() { _ = os.Remove(listFile) }()

	args := []string{
		"-y",           // Overwrite output file
		"-f", "concat", // Use concat demuxer
		"-safe", "0", // Allow absolute paths
		"-i", listFile, // Input file list
	}
	args = append(args, t.encodeArgs()...)
	args = append(args, output)

	return t.runFFmpeg(ctx, args)
}

// NormalizeLoudness applies EBU R128 loudness normalization.
func (t *FFmpegToolkit) NormalizeLoudness(ctx context.Context, input, output string) error {
	args := []string{
		"-y",
		"-i", input,
		"-af", loudnormFilter,
	}
	args = append(args, t.encodeArgs()...)
	args = append(args, output)

	return t.runFFmpeg(ctx, args)
}

// ProbeDuration returns the duration in seconds of an audio file.
func (t *FFmpegToolkit) ProbeDuration(ctx context.Context, path string) (float64, error) {
	// #nosec G204 - ffprobePath is set by the application, not user input
	cmd := exec.CommandContext(ctx, t.ffprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return 0, fmt.Errorf("ffprobe cancelled: %w", ctx.Err())
		}
		return 0, fmt.Errorf("%w: %w, stderr: %s", ErrFFprobeExecution, err, stderr.String())
	}

	return parseDuration(stdout.String())
}

// encodeArgs returns the output encoding flags shared by every operation.
func (t *FFmpegToolkit) encodeArgs() []string {
	return []string{
		"-vn",      // Drop any cover art or video stream
		"-ac", "1", // Mono
		"-ar", strconv.Itoa(t.sampleRate),
		"-c:a", "libmp3lame",
		"-b:a", t.bitrate,
	}
}

// parseDuration parses ffprobe's duration output.
func parseDuration(out string) (float64, error) {
	out = strings.TrimSpace(out)
	duration, err := strconv.ParseFloat(out, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: parse %q: %w", ErrInvalidDuration, out, err)
	}
	if duration <= 0 {
		return 0, fmt.Errorf("%w: got %.3f", ErrInvalidDuration, duration)
	}
	return duration, nil
}

// createConcatList creates a file in dir listing inputs in the format
// required by ffmpeg's concat demuxer.
func createConcatList(dir string, inputs []string) (string, error) {
	f, err := os.CreateTemp(dir, "ffmpeg-concat-*.txt")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer func() { _ = f.Close() }()

	for _, path := range inputs {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return "", fmt.Errorf("get absolute path for %s: %w", path, err)
		}
		escapedPath := strings.ReplaceAll(absPath, "'", "'\\''")
		if _, err := fmt.Fprintf(f, "file '%s'\n", escapedPath); err != nil {
			return "", fmt.Errorf("write to concat list: %w", err)
		}
	}

	return f.Name(), nil
}

// runFFmpeg executes ffmpeg with the given arguments and returns an error
// containing stderr output if the command fails.
func (t *FFmpegToolkit) runFFmpeg(ctx context.Context, args []string) error {
	// #nosec G204 - ffmpegPath is set by the application, not user input
	cmd := exec.CommandContext(ctx, t.ffmpegPath, append([]string{"-hide_banner", "-nostdin"}, args...)...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("ffmpeg cancelled: %w", ctx.Err())
		}
		return &FFmpegError{
			Args:   args,
			Stderr: stderr.String(),
			Err:    err,
		}
	}

	return nil
}

// FFmpegError represents an error from running ffmpeg, including the stderr output.
type FFmpegError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *FFmpegError) Error() string {
	return fmt.Sprintf("ffmpeg error: %v\nargs: %v\nstderr: %s", e.Err, e.Args, lastLines(e.Stderr, 5))
}

func (e *FFmpegError) Unwrap() error {
	return e.Err
}

// lastLines keeps the tail of ffmpeg's stderr, where the actual error is.
func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
