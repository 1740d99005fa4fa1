// Package mailbox provides the unbounded FIFO queue used wherever a writer
// must never block on a slower reader: store subscriptions, the per-client
// publish outbox and event watchers.
package mailbox

import "sync"

// Queue is a thread-safe, unbounded FIFO queue.
//
// The queue is unbounded so that a burst of remote changes or local moves
// never back-pressures the goroutine producing them. It uses a buffered
// signal channel for context-aware waiting in consumer loops:
//
//	for {
//	    if v, ok := q.TryDequeue(); ok {
//	        handle(v)
//	        continue
//	    }
//	    select {
//	    case <-ctx.Done():
//	        return
//	    case <-q.Wait():
//	    }
//	}
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	signal chan struct{} // buffered, size 1
}

// New creates an empty queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{
		items:  make([]T, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue appends v. Safe from any goroutine.
// Returns false if the queue is closed.
func (q *Queue[T]) Enqueue(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.items = append(q.items, v)

	// Non-blocking: the buffer of 1 coalesces signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes and returns the front item without blocking.
func (q *Queue[T]) TryDequeue() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	v := q.items[0]

	// Zero the slot so the backing array does not pin the item.
	q.items[0] = zero
	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}
	return v, true
}

// Wait returns a channel that signals when items may be available. The
// channel is closed when the queue is closed.
func (q *Queue[T]) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Closed reports whether Close has been called.
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close stops further enqueues and wakes all waiters. Items already queued
// can still be dequeued.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

// Forward moves items from q to out until stop is closed, or until q is
// closed and drained. It closes out before returning. Intended to run in its
// own goroutine.
func Forward[T any](q *Queue[T], out chan<- T, stop <-chan struct{}) {
	defer close(out)
	for {
		if v, ok := q.TryDequeue(); ok {
			select {
			case out <- v:
				continue
			case <-stop:
				return
			}
		}
		if q.Closed() && q.Len() == 0 {
			return
		}
		select {
		case <-stop:
			return
		case <-q.Wait():
		}
	}
}
