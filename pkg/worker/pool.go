package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"patchwatch/pkg/logger"

	"go.uber.org/zap"
)

// ErrPoolClosed is returned by Submit once the pool stopped accepting work.
var ErrPoolClosed = errors.New("worker: pool closed")

// Task is a unit of work executed by one worker
type Task func()

// Pool runs submitted tasks on a fixed number of goroutines. It bounds the
// concurrency of everything submitted to it, regardless of how many callers
// submit at once.
type Pool struct {
	logger     *logger.Logger
	numWorkers int
	tasks      chan Task
	done       chan struct{}
	wg         sync.WaitGroup

	mu      sync.RWMutex
	closed  bool
	started bool
}

// NewPool creates a pool with numWorkers goroutines (at least one).
func NewPool(l *logger.Logger, numWorkers int) *Pool {
	if numWorkers < 1 {
		numWorkers = 1
	}
	return &Pool{
		logger:     l,
		numWorkers: numWorkers,
		tasks:      make(chan Task, numWorkers*2), // Buffered for smooth handoff
		done:       make(chan struct{}),
	}
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return p.numWorkers
}

// Start initializes the worker goroutines. Workers stop when ctx is done or
// after Shutdown drained the queue.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.runWorker(ctx, i)
	}
	go func() {
		p.wg.Wait()
		close(p.done)
	}()
}

// Done is closed once every worker has exited.
func (p *Pool) Done() <-chan struct{} {
	return p.done
}

// Submit queues a task, blocking while the queue is full.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case <-p.done:
		return ErrPoolClosed
	default:
	}

	select {
	case p.tasks <- task:
		return nil
	case <-p.done:
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) runWorker(ctx context.Context, id int) {
	defer p.wg.Done()

	p.logger.Debug("worker started", zap.Int("worker_id", id))

	for {
		select {
		case task, ok := <-p.tasks:
			if !ok {
				return
			}
			p.run(id, task)
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pool) run(id int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker task panicked", fmt.Errorf("%v", r), zap.Int("worker_id", id))
		}
	}()
	task()
}

// Shutdown stops accepting tasks and waits for queued ones to finish
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.tasks)
	}
	started := p.started
	p.mu.Unlock()

	if !started {
		return nil
	}

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
