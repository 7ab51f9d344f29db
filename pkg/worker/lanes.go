package worker

import (
	"context"
	"errors"
	"sync"

	"patchwatch/pkg/logger"

	"go.uber.org/zap"
)

// ErrLanesClosed is returned by Dispatch after Close.
var ErrLanesClosed = errors.New("worker: lanes closed")

// Handler processes one item of a lane.
type Handler[T any] func(ctx context.Context, item T)

// Lanes serializes items per key while running different keys concurrently.
// Each key gets its own goroutine and a bounded queue; Dispatch blocks when
// a lane's queue is full.
type Lanes[T any] struct {
	ctx     context.Context
	logger  *logger.Logger
	buffer  int
	handler Handler[T]
	wg      sync.WaitGroup

	mu     sync.RWMutex
	lanes  map[string]chan T
	closed bool
}

// NewLanes creates lanes whose goroutines stop when ctx is done.
func NewLanes[T any](ctx context.Context, l *logger.Logger, buffer int, handler func(ctx context.Context, item T)) *Lanes[T] {
	if buffer < 1 {
		buffer = 1
	}
	return &Lanes[T]{
		ctx:     ctx,
		logger:  l,
		buffer:  buffer,
		handler: handler,
		lanes:   make(map[string]chan T),
	}
}

// Dispatch queues item on the lane for key.
func (l *Lanes[T]) Dispatch(ctx context.Context, key string, item T) error {
	ch, err := l.lane(key)
	if err != nil {
		return err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrLanesClosed
	}

	select {
	case ch <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.ctx.Done():
		return l.ctx.Err()
	}
}

func (l *Lanes[T]) lane(key string) (chan T, error) {
	l.mu.RLock()
	ch, ok := l.lanes[key]
	closed := l.closed
	l.mu.RUnlock()
	if closed {
		return nil, ErrLanesClosed
	}
	if ok {
		return ch, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrLanesClosed
	}
	if ch, ok = l.lanes[key]; ok {
		return ch, nil
	}
	ch = make(chan T, l.buffer)
	l.lanes[key] = ch
	l.wg.Add(1)
	go l.run(key, ch)
	return ch, nil
}

func (l *Lanes[T]) run(key string, ch <-chan T) {
	defer l.wg.Done()
	l.logger.Debug("lane started", zap.String("lane", key))

	for {
		select {
		case item, ok := <-ch:
			if !ok {
				return
			}
			l.handler(l.ctx, item)
		case <-l.ctx.Done():
			return
		}
	}
}

// Len returns the number of lanes opened so far.
func (l *Lanes[T]) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.lanes)
}

// Close stops accepting items and waits until every lane drained its queue
// (or the lanes' context ended).
func (l *Lanes[T]) Close() {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		for _, ch := range l.lanes {
			close(ch)
		}
	}
	l.mu.Unlock()

	l.wg.Wait()
}
