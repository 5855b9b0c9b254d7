// Package governance validates study text and enforces the hard limits that
// bound an episode's length.
//
// Validation failures are returned to the caller. Limit violations are not:
// oversized text is reduced by an external Reducer and, when that fails,
// truncated deterministically at a word boundary.
package governance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"unicode/utf8"
)

// Static errors for text validation.
var (
	// ErrValidation wraps every error caused by unacceptable input text.
	ErrValidation = errors.New("validation failed")
	// ErrEmptyText is returned when the text contains no words.
	ErrEmptyText = errors.New("text is empty")
	// ErrTooShort is returned when the text has fewer words than Limits.MinWords.
	ErrTooShort = errors.New("text is too short")
)

// Stats describes the size of a text.
type Stats struct {
	CharCount        int     `json:"char_count"`
	WordCount        int     `json:"word_count"`
	EstimatedMinutes float64 `json:"estimated_minutes"`
}

// Limits are the hard bounds applied to episode text.
type Limits struct {
	// MaxChars is the maximum number of characters.
	MaxChars int
	// MaxWords is the maximum number of words.
	MaxWords int
	// MaxMinutes is the maximum estimated spoken duration.
	MaxMinutes float64
	// WordsPerMinute is the reading rate used for duration estimates.
	WordsPerMinute int
	// TargetWords is the word count requested from reduction and truncation.
	TargetWords int
	// MinWords is the minimum number of words accepted.
	MinWords int
}

// DefaultLimits returns the production limits.
func DefaultLimits() Limits {
	return Limits{
		MaxChars:       8000,
		MaxWords:       1500,
		MaxMinutes:     12,
		WordsPerMinute: 150,
		TargetWords:    1200,
		MinWords:       10,
	}
}

// Reducer rewrites text into shorter, speech-friendly prose.
type Reducer interface {
	Reduce(ctx context.Context, text, title string, targetWords int) (string, error)
}

// Result is the outcome of Prepare.
type Result struct {
	// Text is the governed text handed to the segmenter.
	Text string
	// Raw describes the input before any reduction.
	Raw Stats
	// Final describes Text.
	Final Stats
	// WasReduced is true when Text differs from the input because of the limits.
	WasReduced bool
	// Truncated is true when the deterministic fallback produced Text.
	Truncated bool
}

// Governor applies validation and limits to text.
type Governor struct {
	limits  Limits
	reducer Reducer
	logger  *slog.Logger
}

// Option configures a Governor.
type Option func(*Governor)

// WithLimits overrides the default limits.
func WithLimits(l Limits) Option {
	return func(g *Governor) {
		g.limits = l
	}
}

// WithReducer sets the external reduction capability.
// Without one, oversized text is always truncated.
func WithReducer(r Reducer) Option {
	return func(g *Governor) {
		g.reducer = r
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Governor) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// New creates a Governor.
func New(opts ...Option) *Governor {
	g := &Governor{
		limits: DefaultLimits(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Limits returns the configured limits.
func (g *Governor) Limits() Limits {
	return g.limits
}

// Measure computes stats for text.
func (g *Governor) Measure(text string) Stats {
	words := len(strings.Fields(text))
	minutes := 0.0
	if g.limits.WordsPerMinute > 0 {
		minutes = float64(words) / float64(g.limits.WordsPerMinute)
	}
	return Stats{
		CharCount:        utf8.RuneCountInString(strings.TrimSpace(text)),
		WordCount:        words,
		EstimatedMinutes: math.Round(minutes*100) / 100,
	}
}

// Exceeds reports whether stats violate any hard limit.
func (g *Governor) Exceeds(s Stats) bool {
	return s.CharCount > g.limits.MaxChars ||
		s.WordCount > g.limits.MaxWords ||
		s.EstimatedMinutes > g.limits.MaxMinutes
}

// Check validates text and reports whether it exceeds the limits.
// Only validation problems are returned as errors; they wrap ErrValidation.
func (g *Governor) Check(text string) (Stats, bool, error) {
	stats := g.Measure(text)
	if stats.WordCount == 0 {
		return stats, false, fmt.Errorf("%w: %w", ErrValidation, ErrEmptyText)
	}
	if stats.WordCount < g.limits.MinWords {
		return stats, false, fmt.Errorf("%w: %w: %d words, need at least %d",
			ErrValidation, ErrTooShort, stats.WordCount, g.limits.MinWords)
	}
	return stats, g.Exceeds(stats), nil
}

// Prepare validates text and, when it exceeds the limits, reduces it.
// Reduction failures are logged and recovered with Truncate.
func (g *Governor) Prepare(ctx context.Context, text, title string) (*Result, error) {
	text = normalizeNewlines(text)

	raw, exceeds, err := g.Check(text)
	if err != nil {
		return nil, err
	}
	if !exceeds {
		return &Result{Text: text, Raw: raw, Final: raw}, nil
	}

	g.logger.Info("text exceeds limits, reducing",
		slog.Int("char_count", raw.CharCount),
		slog.Int("word_count", raw.WordCount),
		slog.Float64("estimated_minutes", raw.EstimatedMinutes),
	)

	if reduced, ok := g.reduce(ctx, text, title); ok {
		return &Result{
			Text:       reduced,
			Raw:        raw,
			Final:      g.Measure(reduced),
			WasReduced: true,
		}, nil
	}

	truncated := Truncate(text, g.limits.TargetWords, g.limits.MaxChars)
	return &Result{
		Text:       truncated,
		Raw:        raw,
		Final:      g.Measure(truncated),
		WasReduced: true,
		Truncated:  true,
	}, nil
}

// reduce asks the Reducer for a rewrite and accepts it only if it is valid
// text within the limits.
func (g *Governor) reduce(ctx context.Context, text, title string) (string, bool) {
	if g.reducer == nil {
		return "", false
	}

	out, err := g.reducer.Reduce(ctx, text, title, g.limits.TargetWords)
	if err != nil {
		g.logger.Warn("text reduction failed, falling back to truncation",
			slog.String("error", err.Error()),
		)
		return "", false
	}

	out = strings.TrimSpace(normalizeNewlines(out))
	stats, exceeds, err := g.Check(out)
	if err != nil || exceeds {
		g.logger.Warn("reduced text rejected, falling back to truncation",
			slog.Int("word_count", stats.WordCount),
			slog.Int("char_count", stats.CharCount),
			slog.Bool("exceeds_limits", exceeds),
		)
		return "", false
	}
	return out, true
}

func normalizeNewlines(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.ReplaceAll(text, "\r", "\n")
}
