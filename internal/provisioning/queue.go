package provisioning

import (
	"context"
	"sync"
)

// opQueue is a thread-safe FIFO of operation ids feeding the worker pool.
//
// The queue is unbounded so RequestProvisioning never blocks. It uses a
// channel for signaling to enable context-aware waiting in the workers.
type opQueue struct {
	mu     sync.Mutex
	ids    []string
	closed bool
	signal chan struct{} // buffered, size 1
}

func newOpQueue() *opQueue {
	return &opQueue{
		ids:    make([]string, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds id to the back of the queue.
// Returns false if the queue is closed.
func (q *opQueue) Enqueue(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.ids = append(q.ids, id)
	q.notify()
	return true
}

// TryDequeue removes and returns the front id without blocking.
func (q *opQueue) TryDequeue() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.ids) == 0 {
		return "", false
	}
	id := q.ids[0]
	if len(q.ids) == 1 {
		q.ids = q.ids[:0]
	} else {
		q.ids = q.ids[1:]
		// wake another worker for the rest
		q.notify()
	}
	return id, true
}

// Dequeue blocks until an id is available, the queue is closed and drained,
// or ctx is done.
func (q *opQueue) Dequeue(ctx context.Context) (string, bool) {
	for {
		if id, ok := q.TryDequeue(); ok {
			return id, true
		}
		q.mu.Lock()
		done := q.closed
		q.mu.Unlock()
		if done {
			return "", false
		}

		select {
		case <-ctx.Done():
			return "", false
		case <-q.signal:
		}
	}
}

// Len returns the current queue length.
func (q *opQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ids)
}

// Close stops accepting ids. Workers drain what is queued, then exit.
func (q *opQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

// notify signals availability. Caller holds q.mu.
func (q *opQueue) notify() {
	if q.closed {
		return
	}
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
