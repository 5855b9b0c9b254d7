package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPool_RunsSubmittedEpisodes(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]int{}
	done := make(chan struct{}, 3)

	p := NewPool(func(_ context.Context, id string) error {
		mu.Lock()
		seen[id]++
		mu.Unlock()
		done <- struct{}{}
		return nil
	}, WithWorkers(2))
	defer func() { _ = p.Shutdown(context.Background()) }()

	for _, id := range []string{"ep-1", "ep-2", "ep-3"} {
		if err := p.Submit(context.Background(), id); err != nil {
			t.Fatalf("Submit(%s) error = %v", id, err)
		}
	}

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for handlers")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for _, id := range []string{"ep-1", "ep-2", "ep-3"} {
		if seen[id] != 1 {
			t.Errorf("episode %s ran %d times, want 1", id, seen[id])
		}
	}
}

func TestPool_DuplicateSubmissionCollapses(t *testing.T) {
	release := make(chan struct{})
	var runs atomic.Int32

	p := NewPool(func(_ context.Context, _ string) error {
		runs.Add(1)
		<-release
		return nil
	}, WithWorkers(1))

	ctx := context.Background()
	if err := p.Submit(ctx, "ep-1"); err != nil {
		t.Fatalf("Submit error = %v", err)
	}
	if !p.InFlight("ep-1") {
		t.Error("expected ep-1 to be in flight")
	}
	if err := p.Submit(ctx, "ep-1"); err != nil {
		t.Fatalf("duplicate Submit error = %v", err)
	}
	if p.Len() != 1 {
		t.Errorf("Len() = %d, want 1", p.Len())
	}

	close(release)
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown error = %v", err)
	}

	// The duplicate was submitted while the first run was in flight, so
	// exactly one follow-up run is allowed, not one per submission.
	if got := runs.Load(); got < 1 || got > 2 {
		t.Errorf("handler ran %d times, want 1 or 2", got)
	}
	if p.InFlight("ep-1") {
		t.Error("expected ep-1 to be done after shutdown")
	}
}

func TestPool_RerunAfterInFlightSubmit(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var runs atomic.Int32
	finished := make(chan struct{}, 2)

	p := NewPool(func(_ context.Context, _ string) error {
		if runs.Add(1) == 1 {
			close(started)
			<-release
		}
		finished <- struct{}{}
		return nil
	}, WithWorkers(1))
	defer func() { _ = p.Shutdown(context.Background()) }()

	ctx := context.Background()
	_ = p.Submit(ctx, "ep-1")
	<-started
	_ = p.Submit(ctx, "ep-1") // arrives while the first run is executing
	close(release)

	for i := 0; i < 2; i++ {
		select {
		case <-finished:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for run %d", i+1)
		}
	}
	if got := runs.Load(); got != 2 {
		t.Errorf("handler ran %d times, want 2", got)
	}
}

func TestPool_QueueFull(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once

	p := NewPool(func(_ context.Context, _ string) error {
		once.Do(func() { close(started) })
		<-release
		return nil
	}, WithWorkers(1), WithQueueSize(1))

	ctx := context.Background()
	_ = p.Submit(ctx, "ep-running")
	<-started
	if err := p.Submit(ctx, "ep-waiting"); err != nil {
		t.Fatalf("Submit error = %v", err)
	}

	err := p.Submit(ctx, "ep-overflow")
	if !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
	if p.InFlight("ep-overflow") {
		t.Error("rejected episode must not be in flight")
	}

	close(release)
	_ = p.Shutdown(context.Background())
}

func TestPool_HandlerErrorsAndPanicsDoNotStopWorkers(t *testing.T) {
	done := make(chan string, 3)
	p := NewPool(func(_ context.Context, id string) error {
		defer func() { done <- id }()
		switch id {
		case "ep-err":
			return errors.New("boom")
		case "ep-panic":
			panic("kaboom")
		}
		return nil
	}, WithWorkers(1))
	defer func() { _ = p.Shutdown(context.Background()) }()

	ctx := context.Background()
	for _, id := range []string{"ep-err", "ep-panic", "ep-ok"} {
		if err := p.Submit(ctx, id); err != nil {
			t.Fatalf("Submit(%s) error = %v", id, err)
		}
	}

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("worker stopped after handler failure")
		}
	}
}

func TestPool_ShutdownRejectsNewWork(t *testing.T) {
	p := NewPool(func(context.Context, string) error { return nil })
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown error = %v", err)
	}
	if err := p.Submit(context.Background(), "ep-1"); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("expected ErrPoolClosed, got %v", err)
	}
	// Shutdown is idempotent.
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown error = %v", err)
	}
}

func TestPool_ShutdownDeadlineCancelsHandlers(t *testing.T) {
	started := make(chan struct{})
	p := NewPool(func(ctx context.Context, _ string) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, WithWorkers(1))

	_ = p.Submit(context.Background(), "ep-slow")
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := p.Shutdown(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
}
