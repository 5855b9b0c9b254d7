// Package queue runs episode generations in the background, either on an
// in-process worker pool or on a Redis-backed asynq queue.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	// ErrQueueFull is returned when the pool buffer has no free slot.
	ErrQueueFull = errors.New("generation queue is full")
	// ErrPoolClosed is returned when submitting to a pool that is shutting down.
	ErrPoolClosed = errors.New("worker pool is closed")
)

// Handler runs the generation for one episode.
type Handler func(ctx context.Context, episodeID string) error

const (
	defaultWorkers   = 2
	defaultQueueSize = 64
)

// Pool is an in-process worker pool keyed by episode ID.
//
// An episode is in flight from Submit until its handler returns. Submitting
// an in-flight episode does not queue a second copy; it requests one more
// run after the current one finishes, so a retry issued while the previous
// run is still unwinding is not lost.
type Pool struct {
	handler Handler
	logger  *slog.Logger
	workers int

	jobs chan string
	wg   sync.WaitGroup

	mu       sync.Mutex
	inFlight map[string]bool // value: rerun requested
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithWorkers sets the number of worker goroutines.
func WithWorkers(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithQueueSize sets the number of episodes that may wait for a worker.
func WithQueueSize(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.jobs = make(chan string, n)
		}
	}
}

// WithLogger sets the pool logger.
func WithLogger(logger *slog.Logger) PoolOption {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPool creates a pool and starts its workers.
func NewPool(handler Handler, opts ...PoolOption) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		handler:  handler,
		logger:   slog.Default(),
		workers:  defaultWorkers,
		jobs:     make(chan string, defaultQueueSize),
		inFlight: make(map[string]bool),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(p)
	}

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.work()
	}
	return p
}

// Submit queues the episode unless it is already queued or running.
func (p *Pool) Submit(_ context.Context, episodeID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}
	if _, ok := p.inFlight[episodeID]; ok {
		p.inFlight[episodeID] = true
		return nil
	}

	select {
	case p.jobs <- episodeID:
		p.inFlight[episodeID] = false
		return nil
	default:
		return fmt.Errorf("%w (%d waiting)", ErrQueueFull, len(p.jobs))
	}
}

// InFlight reports whether the episode is queued or running.
func (p *Pool) InFlight(episodeID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inFlight[episodeID]
	return ok
}

// Len returns the number of episodes queued or running.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inFlight)
}

// Shutdown stops accepting work and waits for queued and running
// generations. When ctx expires first, running handlers are cancelled.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}

func (p *Pool) work() {
	defer p.wg.Done()
	for id := range p.jobs {
		p.run(id)
		p.finish(id)
	}
}

func (p *Pool) run(id string) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("generation panicked",
				slog.String("episode_id", id),
				slog.Any("panic", r),
			)
		}
	}()

	if err := p.handler(p.ctx, id); err != nil {
		p.logger.Error("generation handler failed",
			slog.String("episode_id", id),
			slog.String("error", err.Error()),
		)
	}
}

func (p *Pool) finish(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rerun := p.inFlight[id]
	if !rerun || p.closed {
		delete(p.inFlight, id)
		return
	}

	select {
	case p.jobs <- id:
		p.inFlight[id] = false
	default:
		delete(p.inFlight, id)
		p.logger.Warn("dropping rerun, queue is full", slog.String("episode_id", id))
	}
}
