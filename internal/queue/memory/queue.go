// Package memory provides the bounded in-process FIFO that feeds scrape workers.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/lens-scraper/internal/lens"
)

// ErrClosed is returned by Enqueue after Close and by Dequeue once the
// closed queue is drained.
var ErrClosed = fmt.Errorf("queue closed: %w", lens.ErrShuttingDown)

// Queue is a bounded FIFO of executions. Enqueue never blocks: a full queue
// is reported to the caller so it can shed load.
type Queue struct {
	ch      chan lens.QueueItem
	closeMu sync.RWMutex
	closed  bool
}

var _ lens.Queue = (*Queue)(nil)

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		ch: make(chan lens.QueueItem, capacity),
	}
}

// Enqueue appends item or returns lens.ErrQueueFull when at capacity.
func (q *Queue) Enqueue(ctx context.Context, item lens.QueueItem) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue canceled: %w", err)
	}
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.ch <- item:
		return nil
	default:
		return lens.ErrQueueFull
	}
}

// Dequeue pops the oldest item, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (lens.QueueItem, error) {
	select {
	case <-ctx.Done():
		return lens.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case item, ok := <-q.ch:
		if !ok {
			return lens.QueueItem{}, ErrClosed
		}
		return item, nil
	}
}

// Len returns the number of waiting items.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	return cap(q.ch)
}

// Close stops intake. Items already queued can still be dequeued.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
