// Package async provides bounded worker pool utilities.
package async

import (
	"context"
	"fmt"
	"sync"

	"github.com/coachpo/copytrader/errs"
)

// Task represents a unit of work executed by the pool workers.
type Task func(context.Context) error

// ErrorHandler receives task failures and recovered panics.
type ErrorHandler func(error)

// Pool defines a bounded worker pool enforcing backpressure when saturated.
// A pool with a single worker executes tasks strictly in submission order.
type Pool struct {
	ctx     context.Context
	cancel  context.CancelFunc
	jobs    chan job
	wg      sync.WaitGroup
	workers sync.WaitGroup
	once    sync.Once
	onError ErrorHandler

	mu     sync.RWMutex
	closed bool
}

type job struct {
	ctx context.Context
	fn  Task
}

// Option customises a pool.
type Option func(*Pool)

// WithErrorHandler routes task errors and panics to the supplied handler.
func WithErrorHandler(h ErrorHandler) Option {
	return func(p *Pool) {
		p.onError = h
	}
}

// NewPool creates a worker pool with the given concurrency and queue depth.
func NewPool(workers, queue int, opts ...Option) (*Pool, error) {
	if workers <= 0 {
		return nil, errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("workers must be >0"))
	}
	if queue < 0 {
		queue = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := new(Pool)
	p.ctx = ctx
	p.cancel = cancel
	p.jobs = make(chan job, queue)
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	p.workers.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p, nil
}

// Submit schedules the task without blocking. It fails with CodeUnavailable
// when the queue is full or the pool is closed.
func (p *Pool) Submit(ctx context.Context, fn Task) error {
	if fn == nil {
		return errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("task must not be nil"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	p.wg.Add(1)
	select {
	case p.jobs <- job{ctx: ctx, fn: fn}:
		return nil
	default:
		p.wg.Done()
		return ErrSaturated
	}
}

// SubmitWait schedules the task, blocking while the queue is full until room
// frees up, the context ends or the pool closes.
func (p *Pool) SubmitWait(ctx context.Context, fn Task) error {
	if fn == nil {
		return errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("task must not be nil"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	p.wg.Add(1)
	select {
	case p.jobs <- job{ctx: ctx, fn: fn}:
		return nil
	case <-p.ctx.Done():
		p.wg.Done()
		return ErrClosed
	case <-ctx.Done():
		p.wg.Done()
		return fmt.Errorf("submit context: %w", ctx.Err())
	}
}

// Pending reports the number of queued tasks not yet picked up by a worker.
func (p *Pool) Pending() int {
	return len(p.jobs)
}

// Close stops accepting new tasks. Tasks already queued are still executed.
func (p *Pool) Close() {
	p.once.Do(func() {
		// unblock SubmitWait callers before taking the write lock
		p.cancel()
		p.mu.Lock()
		p.closed = true
		close(p.jobs)
		p.mu.Unlock()
	})
}

// Shutdown closes the pool and waits for queued and in-flight tasks to
// complete or until the context expires.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.Close()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		p.workers.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("shutdown context: %w", ctx.Err())
	case <-done:
		return nil
	}
}

func (p *Pool) worker() {
	defer p.workers.Done()
	for job := range p.jobs {
		p.run(job)
		p.wg.Done()
	}
}

func (p *Pool) run(j job) {
	defer func() {
		if r := recover(); r != nil {
			p.report(fmt.Errorf("task panic: %v", r))
		}
	}()
	if err := j.fn(j.ctx); err != nil {
		p.report(err)
	}
}

func (p *Pool) report(err error) {
	if p.onError != nil {
		p.onError(err)
	}
}

var (
	// ErrSaturated is returned by Submit when the queue has no free slot.
	ErrSaturated = errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("pool at capacity"))
	// ErrClosed is returned once the pool stops accepting tasks.
	ErrClosed = errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("pool closed"))
)
