package synth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maauso/studypod-api/internal/identity"
	"github.com/maauso/studypod-api/internal/segment"
)

// fakeSynthesizer returns the text itself as audio and counts calls per text.
type fakeSynthesizer struct {
	mu       sync.Mutex
	calls    map[string]int
	delay    func(text string) time.Duration
	failOn   string
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	format   string
}

func newFakeSynthesizer() *fakeSynthesizer {
	return &fakeSynthesizer{calls: make(map[string]int), format: "mp3"}
}

func (f *fakeSynthesizer) Synthesize(ctx context.Context, text, _ string) (*Speech, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		seen := f.maxSeen.Load()
		if n <= seen || f.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}

	f.mu.Lock()
	f.calls[text]++
	f.mu.Unlock()

	if f.delay != nil {
		select {
		case <-time.After(f.delay(text)):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.failOn != "" && strings.Contains(text, f.failOn) {
		return nil, errors.New("tts engine unavailable")
	}
	return &Speech{Audio: []byte(text), Format: f.format}, nil
}

func (f *fakeSynthesizer) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

// sizeProber reports one second per 10 bytes of file content.
type sizeProber struct {
	failPaths sync.Map
}

func (p *sizeProber) ProbeDuration(_ context.Context, path string) (float64, error) {
	if _, bad := p.failPaths.LoadAndDelete(path); bad {
		return 0, errors.New("invalid data found when processing input")
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return float64(info.Size()) / 10, nil
}

func newTestOrchestrator(t *testing.T, s Synthesizer, opts ...Option) (*Orchestrator, *DiskCache, *sizeProber) {
	t.Helper()
	cache, err := NewDiskCache(t.TempDir())
	require.NoError(t, err)
	prober := &sizeProber{}
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	return NewOrchestrator(s, cache, prober, opts...), cache, prober
}

func TestSynthesize_CacheDedup(t *testing.T) {
	fake := newFakeSynthesizer()
	o, _, _ := newTestOrchestrator(t, fake)
	ctx := context.Background()

	first, err := o.Synthesize(ctx, "Mitochondria are the powerhouse of the cell.", "alloy")
	require.NoError(t, err)
	second, err := o.Synthesize(ctx, "Mitochondria are the powerhouse of the cell.", "alloy")
	require.NoError(t, err)

	assert.Equal(t, 1, fake.total())
	assert.False(t, first.Cached)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Path, second.Path)
	assert.Equal(t, first.Key, second.Key)
	assert.InDelta(t, 4.4, first.DurationSec, 0.001)
}

func TestSynthesize_VoiceIsPartOfKey(t *testing.T) {
	fake := newFakeSynthesizer()
	o, _, _ := newTestOrchestrator(t, fake)
	ctx := context.Background()

	a, err := o.Synthesize(ctx, "Same text.", "alloy")
	require.NoError(t, err)
	b, err := o.Synthesize(ctx, "Same text.", "nova")
	require.NoError(t, err)

	assert.NotEqual(t, a.Key, b.Key)
	assert.Equal(t, 2, fake.total())
}

func TestSynthesize_ConcurrentSameKey(t *testing.T) {
	fake := newFakeSynthesizer()
	fake.delay = func(string) time.Duration { return 20 * time.Millisecond }
	o, _, _ := newTestOrchestrator(t, fake)

	var wg sync.WaitGroup
	paths := make([]string, 16)
	errs := make([]error, 16)
	for i := range paths {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := o.Synthesize(context.Background(), "Shared content.", "alloy")
			paths[i], errs[i] = a.Path, err
		}()
	}
	wg.Wait()

	for i := range paths {
		require.NoError(t, errs[i])
		assert.Equal(t, paths[0], paths[i])
	}
	assert.Equal(t, 1, fake.total())
}

func TestSynthesize_JoinerSurvivesLeaderCancel(t *testing.T) {
	fake := newFakeSynthesizer()
	fake.delay = func(string) time.Duration { return 100 * time.Millisecond }
	o, _, _ := newTestOrchestrator(t, fake)
	text := "Shared content."
	key := identity.SegmentKey(text, "alloy")

	ctxA, cancelA := context.WithCancel(context.Background())
	defer cancelA()
	errA := make(chan error, 1)
	go func() {
		_, err := o.Synthesize(ctxA, text, "alloy")
		errA <- err
	}()
	require.Eventually(t, func() bool { return fake.inFlight.Load() == 1 }, time.Second, time.Millisecond)

	type outcome struct {
		a   Artifact
		err error
	}
	doneB := make(chan outcome, 1)
	go func() {
		a, err := o.Synthesize(context.Background(), text, "alloy")
		doneB <- outcome{a, err}
	}()
	require.Eventually(t, func() bool {
		o.mu.Lock()
		defer o.mu.Unlock()
		f := o.waiting[key]
		return f != nil && f.waiters == 2
	}, time.Second, time.Millisecond)

	cancelA()
	assert.ErrorIs(t, <-errA, context.Canceled)

	b := <-doneB
	require.NoError(t, b.err)
	assert.NotEmpty(t, b.a.Path)
	assert.Equal(t, 1, fake.total())
}

func TestSynthesize_LastWaiterCancelStopsCall(t *testing.T) {
	stopped := make(chan struct{})
	s := synthFunc(func(ctx context.Context, _, _ string) (*Speech, error) {
		<-ctx.Done()
		close(stopped)
		return nil, ctx.Err()
	})
	o, _, _ := newTestOrchestrator(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := o.Synthesize(ctx, "Abandoned content.", "alloy")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("synthesis call was not cancelled after every caller left")
	}
}

func TestSynthesize_SharedCacheAcrossOrchestrators(t *testing.T) {
	cache, err := NewDiskCache(t.TempDir())
	require.NoError(t, err)
	prober := &sizeProber{}

	first := newFakeSynthesizer()
	second := newFakeSynthesizer()
	o1 := NewOrchestrator(first, cache, prober)
	o2 := NewOrchestrator(second, cache, prober)

	_, err = o1.Synthesize(context.Background(), "Persisted text.", "alloy")
	require.NoError(t, err)
	a, err := o2.Synthesize(context.Background(), "Persisted text.", "alloy")
	require.NoError(t, err)

	assert.True(t, a.Cached)
	assert.Equal(t, 1, first.total())
	assert.Equal(t, 0, second.total())
}

func TestSynthesize_RejectsInvalidSpeech(t *testing.T) {
	tests := []struct {
		name   string
		speech *Speech
		want   error
	}{
		{"nil", nil, ErrEmptyAudio},
		{"empty audio", &Speech{Format: "mp3"}, ErrEmptyAudio},
		{"unknown format", &Speech{Audio: []byte("x"), Format: "midi"}, ErrUnsupportedFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, cache, _ := newTestOrchestrator(t, synthFunc(func(context.Context, string, string) (*Speech, error) {
				return tt.speech, nil
			}))

			a, err := o.Synthesize(context.Background(), "Some text.", "alloy")
			assert.ErrorIs(t, err, tt.want)
			assert.Empty(t, a.Path)

			_, ok := cache.Lookup(identity.SegmentKey("Some text.", "alloy"))
			assert.False(t, ok)
		})
	}
}

func TestSynthesize_EvictsUnreadableArtifact(t *testing.T) {
	fake := newFakeSynthesizer()
	o, cache, prober := newTestOrchestrator(t, fake)
	ctx := context.Background()

	a, err := o.Synthesize(ctx, "Corrupted later.", "alloy")
	require.NoError(t, err)

	prober.failPaths.Store(a.Path, struct{}{})

	b, err := o.Synthesize(ctx, "Corrupted later.", "alloy")
	require.NoError(t, err)
	assert.False(t, b.Cached)
	assert.Equal(t, 2, fake.total())

	_, ok := cache.Lookup(b.Key)
	assert.True(t, ok)
}

func TestSynthesizeAll_OrderedByIndex(t *testing.T) {
	fake := newFakeSynthesizer()
	// Earlier segments finish last.
	fake.delay = func(text string) time.Duration {
		var idx int
		_, _ = fmt.Sscanf(text, "Segment %d", &idx)
		return time.Duration(5-idx) * 10 * time.Millisecond
	}
	o, _, _ := newTestOrchestrator(t, fake, WithMaxConcurrency(5))

	segs := make([]segment.Segment, 5)
	for i := range segs {
		segs[i] = segment.Segment{Index: i, Text: fmt.Sprintf("Segment %d text.", i)}
	}

	artifacts, err := o.SynthesizeAll(context.Background(), segs, "alloy")
	require.NoError(t, err)
	require.Len(t, artifacts, 5)

	for i, a := range artifacts {
		assert.Equal(t, i, a.Index)
		content, err := os.ReadFile(a.Path)
		require.NoError(t, err)
		assert.Equal(t, segs[i].Text, string(content))
	}
}

func TestSynthesizeAll_BoundedConcurrency(t *testing.T) {
	fake := newFakeSynthesizer()
	fake.delay = func(string) time.Duration { return 15 * time.Millisecond }
	o, _, _ := newTestOrchestrator(t, fake, WithMaxConcurrency(2))

	segs := make([]segment.Segment, 8)
	for i := range segs {
		segs[i] = segment.Segment{Index: i, Text: fmt.Sprintf("Distinct segment number %d.", i)}
	}

	_, err := o.SynthesizeAll(context.Background(), segs, "alloy")
	require.NoError(t, err)

	assert.LessOrEqual(t, int(fake.maxSeen.Load()), 2)
	assert.Equal(t, 8, fake.total())
}

func TestSynthesizeAll_DuplicateSegmentsSynthesizedOnce(t *testing.T) {
	fake := newFakeSynthesizer()
	o, _, _ := newTestOrchestrator(t, fake, WithMaxConcurrency(4))

	segs := []segment.Segment{
		{Index: 0, Text: "Repeated refrain."},
		{Index: 1, Text: "Something else."},
		{Index: 2, Text: "Repeated refrain."},
	}

	artifacts, err := o.SynthesizeAll(context.Background(), segs, "alloy")
	require.NoError(t, err)

	assert.Equal(t, 2, fake.total())
	assert.Equal(t, artifacts[0].Path, artifacts[2].Path)
}

func TestSynthesizeAll_FailureAborts(t *testing.T) {
	fake := newFakeSynthesizer()
	fake.failOn = "broken"
	o, _, _ := newTestOrchestrator(t, fake)

	segs := []segment.Segment{
		{Index: 0, Text: "Fine segment."},
		{Index: 1, Text: "This one is broken."},
		{Index: 2, Text: "Another fine segment."},
	}

	artifacts, err := o.SynthesizeAll(context.Background(), segs, "alloy")
	require.Error(t, err)
	assert.Nil(t, artifacts)

	var synthErr *Error
	require.ErrorAs(t, err, &synthErr)
	assert.Equal(t, 1, synthErr.Index)
	assert.Contains(t, err.Error(), "tts engine unavailable")
}

func TestSynthesizeAll_NoSegments(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, newFakeSynthesizer())
	_, err := o.SynthesizeAll(context.Background(), nil, "alloy")
	assert.ErrorIs(t, err, ErrNoSegments)
}

type synthFunc func(ctx context.Context, text, voice string) (*Speech, error)

func (f synthFunc) Synthesize(ctx context.Context, text, voice string) (*Speech, error) {
	return f(ctx, text, voice)
}
