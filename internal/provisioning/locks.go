package provisioning

import (
	"context"
	"slices"
	"sync"
)

type lockKey struct {
	system string
	uid    string
}

// uidLocks serializes work per (system, UID). Waiters are admitted in
// arrival order.
type uidLocks struct {
	mu     sync.Mutex
	queues map[lockKey][]chan struct{}
}

func newUIDLocks() *uidLocks {
	return &uidLocks{queues: make(map[lockKey][]chan struct{})}
}

// acquire blocks until key is free or ctx is done. waited reports whether
// another holder was ahead in line.
func (l *uidLocks) acquire(ctx context.Context, key lockKey) (release func(), waited bool, err error) {
	ticket := make(chan struct{})

	l.mu.Lock()
	q := l.queues[key]
	waited = len(q) > 0
	l.queues[key] = append(q, ticket)
	if !waited {
		close(ticket)
	}
	l.mu.Unlock()

	release = func() { l.release(key, ticket) }

	select {
	case <-ticket:
		return release, waited, nil
	case <-ctx.Done():
		l.abandon(key, ticket)
		return nil, waited, ctx.Err()
	}
}

// release hands key to the next waiter.
func (l *uidLocks) release(key lockKey, ticket chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	q := l.queues[key]
	if len(q) == 0 || q[0] != ticket {
		return
	}
	q = q[1:]
	if len(q) == 0 {
		delete(l.queues, key)
		return
	}
	l.queues[key] = q
	close(q[0])
}

// abandon removes a cancelled waiter. If the ticket was granted in the
// meantime, the lock is passed on.
func (l *uidLocks) abandon(key lockKey, ticket chan struct{}) {
	l.mu.Lock()
	q := l.queues[key]
	i := slices.Index(q, ticket)
	if i == 0 {
		l.mu.Unlock()
		l.release(key, ticket)
		return
	}
	if i > 0 {
		l.queues[key] = slices.Delete(q, i, i+1)
	}
	l.mu.Unlock()
}

// held reports how many holders and waiters key has.
func (l *uidLocks) held(key lockKey) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queues[key])
}
