// Package workerpool runs submitted tasks on a fixed number of goroutines
// behind a bounded queue.
package workerpool

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/josephgoksu/NoteWing/internal/logger"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrQueueFull is returned by Submit when the queue has no free slot.
	ErrQueueFull = errors.New("worker pool queue full")
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("worker pool closed")
)

// Task is one unit of work. The context is cancelled when the pool is aborted.
type Task func(ctx context.Context) error

// Pool is a bounded worker pool. Submit never blocks.
type Pool struct {
	name   string
	tasks  chan Task
	g      *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

// New starts workers goroutines reading from a queue of queueSize tasks.
func New(name string, workers, queueSize int) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:   name,
		tasks:  make(chan Task, queueSize),
		g:      &errgroup.Group{},
		ctx:    ctx,
		cancel: cancel,
	}
	for range workers {
		p.g.Go(p.work)
	}
	return p
}

func (p *Pool) work() error {
	for task := range p.tasks {
		p.run(task)
	}
	return nil
}

func (p *Pool) run(task Task) {
	var err error
	func() {
		defer logger.Recover(&err, p.name, "")
		err = task(p.ctx)
	}()
	if err != nil {
		slog.Warn("pool task failed", "pool", p.name, "error", err)
	}
}

// Submit queues a task without blocking.
func (p *Pool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.tasks <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting tasks and waits for queued ones to finish, or for
// ctx to expire, in which case running tasks see a cancelled context.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.tasks)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = p.g.Wait()
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
