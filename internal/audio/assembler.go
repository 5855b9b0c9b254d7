package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
)

// Static errors for assembly.
var (
	// ErrDuplicateIndex is returned when two inputs share a segment index.
	ErrDuplicateIndex = errors.New("duplicate segment index")
	// ErrMissingIndex is returned when segment indices are not contiguous from 0.
	ErrMissingIndex = errors.New("missing segment index")
)

// Assembly stages reported by AssemblyError.
const (
	StageValidate  = "validate"
	StageProbe     = "probe"
	StageConcat    = "concatenate"
	StageNormalize = "normalize"
	StageFinalize  = "finalize"
)

// DefaultDriftEpsilonSec is the drift between the final file and the sum of
// segment durations that is tolerated without correcting chapters.
const DefaultDriftEpsilonSec = 0.5

// OutputFile is the name of the assembled episode inside the output directory.
const OutputFile = "episode.mp3"

// AssemblyError reports a failure during assembly.
type AssemblyError struct {
	Stage string
	Err   error
}

func (e *AssemblyError) Error() string {
	return fmt.Sprintf("assembly %s: %v", e.Stage, e.Err)
}

func (e *AssemblyError) Unwrap() error {
	return e.Err
}

// Input is one synthesized segment to assemble.
type Input struct {
	// Index is the segment position; inputs are assembled in Index order.
	Index int
	// Path is the segment audio file.
	Path string
	// Title is the chapter title for the segment.
	Title string
	// DurationSec is the measured duration. Zero means probe it.
	DurationSec float64
}

// Chapter is a named time range within the assembled audio.
type Chapter struct {
	Title        string  `json:"title"`
	StartSec     float64 `json:"start_sec"`
	DurationSec  float64 `json:"duration_sec"`
	SegmentIndex int     `json:"segment_index"`
}

// Result is the outcome of Assemble.
type Result struct {
	// Path is the assembled episode file.
	Path string
	// Chapters are ordered by StartSec, starting at 0.
	Chapters []Chapter
	// TotalDurationSec is probed from the final file.
	TotalDurationSec float64
	// SegmentsSumSec is the sum of segment durations.
	SegmentsSumSec float64
	// DriftSec is TotalDurationSec minus SegmentsSumSec.
	DriftSec float64
	// Rescaled is true when chapters were stretched to match the final duration.
	Rescaled bool
	// Normalized is true when loudness normalization was applied.
	Normalized bool
}

// Assembler joins segment audio into one file with chapter markers.
type Assembler struct {
	toolkit      Toolkit
	normalize    bool
	driftEpsilon float64
	logger       *slog.Logger
}

// AssemblerOption configures an Assembler.
type AssemblerOption func(*Assembler)

// WithNormalization enables loudness normalization of the final file.
func WithNormalization(enabled bool) AssemblerOption {
	return func(a *Assembler) {
		a.normalize = enabled
	}
}

// WithDriftEpsilon sets the tolerated drift in seconds.
func WithDriftEpsilon(sec float64) AssemblerOption {
	return func(a *Assembler) {
		if sec >= 0 {
			a.driftEpsilon = sec
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) AssemblerOption {
	return func(a *Assembler) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// NewAssembler creates an Assembler.
func NewAssembler(toolkit Toolkit, opts ...AssemblerOption) *Assembler {
	a := &Assembler{
		toolkit:      toolkit,
		driftEpsilon: DefaultDriftEpsilonSec,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Assemble joins inputs in index order into outputDir/OutputFile.
//
// Chapter offsets are the running sum of segment durations. The total is
// probed from the final (possibly normalized) file. Drift beyond the
// configured epsilon rescales chapters proportionally so they cover the
// final file exactly.
func (a *Assembler) Assemble(ctx context.Context, inputs []Input, outputDir string) (*Result, error) {
	ordered, err := orderInputs(inputs)
	if err != nil {
		return nil, &AssemblyError{Stage: StageValidate, Err: err}
	}

	chapters := make([]Chapter, len(ordered))
	sum := 0.0
	for i, in := range ordered {
		d := in.DurationSec
		if d <= 0 {
			d, err = a.toolkit.ProbeDuration(ctx, in.Path)
			if err != nil {
				return nil, &AssemblyError{Stage: StageProbe, Err: fmt.Errorf("segment %d: %w", in.Index, err)}
			}
		}
		chapters[i] = Chapter{
			Title:        in.Title,
			StartSec:     sum,
			DurationSec:  d,
			SegmentIndex: in.Index,
		}
		sum += d
	}

	if err := os.MkdirAll(outputDir, 0750); err != nil {
		return nil, &AssemblyError{Stage: StageFinalize, Err: fmt.Errorf("create output directory: %w", err)}
	}

	final := filepath.Join(outputDir, OutputFile)
	staged := final
	if a.normalize {
		staged = filepath.Join(outputDir, "premix.mp3")
		defer func() { _ = os.Remove(staged) }()
	}

	if len(ordered) == 1 {
		err = copyFile(ctx, ordered[0].Path, staged)
	} else {
		paths := make([]string, len(ordered))
		for i, in := range ordered {
			paths[i] = in.Path
		}
		err = a.toolkit.Concatenate(ctx, paths, staged)
	}
	if err != nil {
		return nil, &AssemblyError{Stage: StageConcat, Err: err}
	}

	if a.normalize {
		if err := a.toolkit.NormalizeLoudness(ctx, staged, final); err != nil {
			return nil, &AssemblyError{Stage: StageNormalize, Err: err}
		}
	}

	total, err := a.toolkit.ProbeDuration(ctx, final)
	if err != nil {
		return nil, &AssemblyError{Stage: StageFinalize, Err: fmt.Errorf("probe final file: %w", err)}
	}

	res := &Result{
		Path:             final,
		Chapters:         chapters,
		TotalDurationSec: roundMillis(total),
		SegmentsSumSec:   roundMillis(sum),
		DriftSec:         roundMillis(total - sum),
		Normalized:       a.normalize,
	}

	if math.Abs(total-sum) > a.driftEpsilon {
		a.logger.Warn("assembled duration drifts from segment sum, rescaling chapters",
			slog.Float64("total_sec", total),
			slog.Float64("segments_sum_sec", sum),
			slog.Float64("epsilon_sec", a.driftEpsilon),
		)
		rescale(chapters, total/sum)
		res.Rescaled = true
	}

	for i := range chapters {
		chapters[i].StartSec = roundMillis(chapters[i].StartSec)
		chapters[i].DurationSec = roundMillis(chapters[i].DurationSec)
	}

	a.logger.Info("episode assembled",
		slog.String("path", final),
		slog.Int("chapters", len(chapters)),
		slog.Float64("total_sec", res.TotalDurationSec),
		slog.Float64("drift_sec", res.DriftSec),
		slog.Bool("normalized", res.Normalized),
	)

	return res, nil
}

// orderInputs returns inputs sorted by index and checks that indices run
// contiguously from 0.
func orderInputs(inputs []Input) ([]Input, error) {
	if len(inputs) == 0 {
		return nil, ErrNoInputs
	}
	ordered := make([]Input, len(inputs))
	copy(ordered, inputs)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Index < ordered[j].Index
	})
	for i, in := range ordered {
		if i > 0 && in.Index == ordered[i-1].Index {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateIndex, in.Index)
		}
		if in.Index != i {
			return nil, fmt.Errorf("%w: %d", ErrMissingIndex, i)
		}
	}
	return ordered, nil
}

// rescale stretches chapter offsets and durations by factor.
func rescale(chapters []Chapter, factor float64) {
	for i := range chapters {
		chapters[i].StartSec *= factor
		chapters[i].DurationSec *= factor
	}
}

func roundMillis(sec float64) float64 {
	return math.Round(sec*1000) / 1000
}

// copyFile copies src to dst.
func copyFile(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	in, err := os.Open(src) // #nosec G304 - src is provided by trusted internal code
	if err != nil {
		return fmt.Errorf("open source file: %w", err)
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600) // #nosec G304
	if err != nil {
		return fmt.Errorf("create destination file: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy file: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close destination file: %w", err)
	}
	return nil
}
