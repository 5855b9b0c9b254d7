package synth

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/maauso/studypod-api/internal/identity"
	"github.com/maauso/studypod-api/internal/segment"
)

// Artifact is a synthesized segment on disk.
type Artifact struct {
	// Index is the segment index the artifact belongs to.
	Index int
	// Key is the content key of (segment text, voice).
	Key string
	// Path is the cached audio file.
	Path string
	// DurationSec is measured from the file metadata.
	DurationSec float64
	// Cached is true when no synthesis call was made for this artifact.
	Cached bool
}

// DefaultFlightTimeout bounds a shared synthesis call.
const DefaultFlightTimeout = 2 * time.Minute

// Orchestrator synthesizes segments through a Synthesizer with caching,
// in-process de-duplication, and bounded concurrency.
type Orchestrator struct {
	synthesizer    Synthesizer
	cache          Cache
	prober         Prober
	logger         *slog.Logger
	maxConcurrency int
	flightTimeout  time.Duration

	flights singleflight.Group
	mu      sync.Mutex
	waiting map[string]*flight
}

// flight is the context shared by every caller waiting on one key. It is
// cancelled when the last waiter leaves, not when the first one does.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMaxConcurrency limits how many segments are synthesized in parallel.
func WithMaxConcurrency(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxConcurrency = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithFlightTimeout bounds each shared synthesis call.
func WithFlightTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.flightTimeout = d
		}
	}
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(s Synthesizer, cache Cache, prober Prober, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		synthesizer:    s,
		cache:          cache,
		prober:         prober,
		logger:         slog.Default(),
		maxConcurrency: 3,
		flightTimeout:  DefaultFlightTimeout,
		waiting:        make(map[string]*flight),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// fetched is the value shared between callers waiting on the same key.
type fetched struct {
	path   string
	cached bool
}

// Synthesize returns the artifact for text spoken with voice, calling the
// Synthesizer only when no artifact exists for its content key.
func (o *Orchestrator) Synthesize(ctx context.Context, text, voice string) (Artifact, error) {
	key := identity.SegmentKey(text, voice)

	if path, ok := o.cache.Lookup(key); ok {
		duration, err := o.prober.ProbeDuration(ctx, path)
		if err == nil {
			return Artifact{Key: key, Path: path, DurationSec: duration, Cached: true}, nil
		}
		if ctx.Err() != nil {
			return Artifact{}, ctx.Err()
		}
		o.logger.Warn("cached artifact unreadable, evicting",
			slog.String("key", key),
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		if err := o.cache.Evict(key); err != nil {
			return Artifact{}, err
		}
	}

	executed := false
	ch := o.join(ctx, key, func(flightCtx context.Context) (any, error) {
		executed = true
		if path, ok := o.cache.Lookup(key); ok {
			return fetched{path: path, cached: true}, nil
		}

		o.logger.Debug("synthesizing segment",
			slog.String("key", key),
			slog.String("voice", voice),
			slog.Int("chars", len(text)),
		)

		speech, err := o.synthesizer.Synthesize(flightCtx, text, voice)
		if err != nil {
			return nil, err
		}
		format, err := validateSpeech(speech)
		if err != nil {
			return nil, err
		}
		path, err := o.cache.Store(key, format, speech.Audio)
		if err != nil {
			return nil, fmt.Errorf("store artifact: %w", err)
		}
		return fetched{path: path}, nil
	})

	var r singleflight.Result
	select {
	case r = <-ch:
		o.leave(key)
	case <-ctx.Done():
		o.leave(key)
		return Artifact{}, ctx.Err()
	}
	if r.Err != nil {
		return Artifact{}, r.Err
	}

	res := r.Val.(fetched)
	duration, err := o.prober.ProbeDuration(ctx, res.path)
	if err != nil {
		return Artifact{}, fmt.Errorf("probe artifact: %w", err)
	}

	return Artifact{
		Key:         key,
		Path:        res.path,
		DurationSec: duration,
		Cached:      res.cached || !executed,
	}, nil
}

// join registers the caller as a waiter on key and returns the channel of
// the shared call. The call runs under the flight context so one caller
// giving up does not fail the others.
func (o *Orchestrator) join(ctx context.Context, key string, fn func(context.Context) (any, error)) <-chan singleflight.Result {
	o.mu.Lock()
	defer o.mu.Unlock()

	f, ok := o.waiting[key]
	if !ok {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.flightTimeout)
		f = &flight{ctx: fctx, cancel: cancel}
		o.waiting[key] = f
	}
	f.waiters++
	return o.flights.DoChan(key, func() (any, error) {
		return fn(f.ctx)
	})
}

// leave drops a waiter. The last one out cancels the flight and forgets the
// call, so a later caller starts fresh instead of joining a cancelled call.
func (o *Orchestrator) leave(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	f, ok := o.waiting[key]
	if !ok {
		return
	}
	f.waiters--
	if f.waiters > 0 {
		return
	}
	f.cancel()
	delete(o.waiting, key)
	o.flights.Forget(key)
}

// SynthesizeAll synthesizes every segment and returns the artifacts ordered
// by segment index. The first failure cancels the remaining work and is
// returned as an *Error.
func (o *Orchestrator) SynthesizeAll(ctx context.Context, segments []segment.Segment, voice string) ([]Artifact, error) {
	if len(segments) == 0 {
		return nil, ErrNoSegments
	}

	results := make([]Artifact, len(segments))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.maxConcurrency)

	for i, seg := range segments {
		g.Go(func() error {
			a, err := o.Synthesize(gctx, seg.Text, voice)
			if err != nil {
				return &Error{Index: seg.Index, Err: err}
			}
			a.Index = seg.Index
			results[i] = a
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(a, b int) bool {
		return results[a].Index < results[b].Index
	})

	cached := 0
	for _, a := range results {
		if a.Cached {
			cached++
		}
	}
	o.logger.Info("segments synthesized",
		slog.Int("segments", len(results)),
		slog.Int("cached", cached),
		slog.String("voice", voice),
	)

	return results, nil
}
