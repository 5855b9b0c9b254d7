package audio

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeToolkit treats every byte of a file as 0.1 seconds of audio.
type fakeToolkit struct {
	concatCalls    [][]string
	normalizeCalls int
	normalizePad   int
	concatErr      error
}

func (f *fakeToolkit) ProbeDuration(_ context.Context, path string) (float64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return float64(info.Size()) / 10, nil
}

func (f *fakeToolkit) Concatenate(_ context.Context, inputs []string, output string) error {
	f.concatCalls = append(f.concatCalls, inputs)
	if f.concatErr != nil {
		return f.concatErr
	}
	var buf bytes.Buffer
	for _, in := range inputs {
		data, err := os.ReadFile(in)
		if err != nil {
			return err
		}
		buf.Write(data)
	}
	return os.WriteFile(output, buf.Bytes(), 0600)
}

func (f *fakeToolkit) NormalizeLoudness(_ context.Context, input, output string) error {
	f.normalizeCalls++
	data, err := os.ReadFile(input)
	if err != nil {
		return err
	}
	return os.WriteFile(output, append(data, bytes.Repeat([]byte{'n'}, f.normalizePad)...), 0600)
}

func writeSegment(t *testing.T, dir, name string, size int) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, bytes.Repeat([]byte(name[:1]), size), 0600))
	return p
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAssemble_SingleSegmentIsCopied(t *testing.T) {
	dir := t.TempDir()
	tk := &fakeToolkit{}
	a := NewAssembler(tk, WithLogger(quietLogger()))
	seg := writeSegment(t, dir, "a.mp3", 123)

	res, err := a.Assemble(context.Background(), []Input{{Index: 0, Path: seg, Title: "Intro", DurationSec: 12.3}}, filepath.Join(dir, "out"))
	require.NoError(t, err)

	assert.Empty(t, tk.concatCalls)
	assert.Equal(t, filepath.Join(dir, "out", OutputFile), res.Path)
	require.Len(t, res.Chapters, 1)
	assert.Equal(t, Chapter{Title: "Intro", StartSec: 0, DurationSec: 12.3, SegmentIndex: 0}, res.Chapters[0])
	assert.InDelta(t, 12.3, res.TotalDurationSec, 0.0001)
	assert.False(t, res.Rescaled)

	data, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	assert.Len(t, data, 123)
}

func TestAssemble_OrdersByIndex(t *testing.T) {
	dir := t.TempDir()
	tk := &fakeToolkit{}
	a := NewAssembler(tk, WithLogger(quietLogger()))

	inputs := []Input{
		{Index: 2, Path: writeSegment(t, dir, "c.mp3", 30), Title: "Third"},
		{Index: 0, Path: writeSegment(t, dir, "a.mp3", 10), Title: "First"},
		{Index: 1, Path: writeSegment(t, dir, "b.mp3", 20), Title: "Second"},
	}

	res, err := a.Assemble(context.Background(), inputs, dir)
	require.NoError(t, err)

	require.Len(t, tk.concatCalls, 1)
	assert.Equal(t, []string{inputs[1].Path, inputs[2].Path, inputs[0].Path}, tk.concatCalls[0])

	assert.Equal(t, []Chapter{
		{Title: "First", StartSec: 0, DurationSec: 1, SegmentIndex: 0},
		{Title: "Second", StartSec: 1, DurationSec: 2, SegmentIndex: 1},
		{Title: "Third", StartSec: 3, DurationSec: 3, SegmentIndex: 2},
	}, res.Chapters)
	assert.InDelta(t, 6.0, res.TotalDurationSec, 0.0001)
	assert.InDelta(t, 0.0, res.DriftSec, 0.0001)

	data, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("a", 10)+strings.Repeat("b", 20)+strings.Repeat("c", 30), string(data))
}

func TestAssemble_ToleratesSmallDrift(t *testing.T) {
	dir := t.TempDir()
	tk := &fakeToolkit{normalizePad: 3}
	a := NewAssembler(tk, WithNormalization(true), WithLogger(quietLogger()))

	inputs := []Input{
		{Index: 0, Path: writeSegment(t, dir, "a.mp3", 40), Title: "One"},
		{Index: 1, Path: writeSegment(t, dir, "b.mp3", 60), Title: "Two"},
	}

	res, err := a.Assemble(context.Background(), inputs, dir)
	require.NoError(t, err)

	assert.Equal(t, 1, tk.normalizeCalls)
	assert.True(t, res.Normalized)
	assert.False(t, res.Rescaled)
	assert.InDelta(t, 10.3, res.TotalDurationSec, 0.0001)
	assert.InDelta(t, 10.0, res.SegmentsSumSec, 0.0001)
	assert.InDelta(t, 0.3, res.DriftSec, 0.0001)
	assert.InDelta(t, 4.0, res.Chapters[1].StartSec, 0.0001)

	_, err = os.Stat(filepath.Join(dir, "premix.mp3"))
	assert.True(t, os.IsNotExist(err), "staged file should be removed")
}

func TestAssemble_RescalesLargeDrift(t *testing.T) {
	dir := t.TempDir()
	tk := &fakeToolkit{normalizePad: 20}
	a := NewAssembler(tk, WithNormalization(true), WithDriftEpsilon(0.5), WithLogger(quietLogger()))

	inputs := []Input{
		{Index: 0, Path: writeSegment(t, dir, "a.mp3", 40)},
		{Index: 1, Path: writeSegment(t, dir, "b.mp3", 60)},
	}

	res, err := a.Assemble(context.Background(), inputs, dir)
	require.NoError(t, err)

	assert.True(t, res.Rescaled)
	assert.InDelta(t, 12.0, res.TotalDurationSec, 0.0001)

	sum := 0.0
	for i, ch := range res.Chapters {
		if i > 0 {
			prev := res.Chapters[i-1]
			assert.InDelta(t, prev.StartSec+prev.DurationSec, ch.StartSec, 0.001)
		}
		sum += ch.DurationSec
	}
	assert.Equal(t, 0.0, res.Chapters[0].StartSec)
	assert.InDelta(t, res.TotalDurationSec, sum, 0.001)
	assert.InDelta(t, 4.8, res.Chapters[1].StartSec, 0.001)
}

func TestAssemble_ProbesMissingDurations(t *testing.T) {
	dir := t.TempDir()
	a := NewAssembler(&fakeToolkit{}, WithLogger(quietLogger()))

	inputs := []Input{
		{Index: 0, Path: writeSegment(t, dir, "a.mp3", 25)},
		{Index: 1, Path: writeSegment(t, dir, "b.mp3", 15), DurationSec: 1.5},
	}

	res, err := a.Assemble(context.Background(), inputs, dir)
	require.NoError(t, err)
	assert.InDelta(t, 2.5, res.Chapters[0].DurationSec, 0.0001)
	assert.InDelta(t, 2.5, res.Chapters[1].StartSec, 0.0001)
}

func TestAssemble_ValidationErrors(t *testing.T) {
	dir := t.TempDir()
	seg := writeSegment(t, dir, "a.mp3", 10)

	tests := []struct {
		name   string
		inputs []Input
		want   error
	}{
		{"no inputs", nil, ErrNoInputs},
		{"duplicate index", []Input{{Index: 0, Path: seg}, {Index: 0, Path: seg}}, ErrDuplicateIndex},
		{"gap in indices", []Input{{Index: 0, Path: seg}, {Index: 2, Path: seg}}, ErrMissingIndex},
		{"not starting at zero", []Input{{Index: 1, Path: seg}}, ErrMissingIndex},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAssembler(&fakeToolkit{}, WithLogger(quietLogger()))
			_, err := a.Assemble(context.Background(), tt.inputs, dir)

			var asmErr *AssemblyError
			require.ErrorAs(t, err, &asmErr)
			assert.Equal(t, StageValidate, asmErr.Stage)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestAssemble_ConcatFailure(t *testing.T) {
	dir := t.TempDir()
	tk := &fakeToolkit{concatErr: &FFmpegError{Args: []string{"-f", "concat"}, Stderr: "Invalid data", Err: errors.New("exit status 1")}}
	a := NewAssembler(tk, WithLogger(quietLogger()))

	inputs := []Input{
		{Index: 0, Path: writeSegment(t, dir, "a.mp3", 10)},
		{Index: 1, Path: writeSegment(t, dir, "b.mp3", 10)},
	}

	_, err := a.Assemble(context.Background(), inputs, dir)

	var asmErr *AssemblyError
	require.ErrorAs(t, err, &asmErr)
	assert.Equal(t, StageConcat, asmErr.Stage)

	var ffErr *FFmpegError
	assert.ErrorAs(t, err, &ffErr)
}
