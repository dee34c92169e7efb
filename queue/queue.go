// ════════════════════════════════════════════════════════════════════════════════════════════════
// Bounded Blocking Queue
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Component: Inter-thread Message Hand-off
//
// Description:
//   Fixed-capacity FIFO of typed elements.  Slot accounting is done with two counting
//   semaphores (free slots, filled slots) and a mutex guards the cursor update, so any number
//   of producers and consumers may share one queue.  Put blocks while the queue is full, Get
//   blocks while it is empty.  The kernel logger builds its free-record and filled-record pools
//   from two of these.
//
// Invariants:
//   - free + filled == capacity whenever no operation is mid-flight
//   - elements leave in exactly the order the cursor assigned them on entry
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package queue

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Queue is a bounded blocking FIFO.
type Queue[T any] struct {
	free   *semaphore.Weighted // available slots
	filled *semaphore.Weighted // published elements

	mu    sync.Mutex
	elems []T
	in    int
	out   int
	count int
}

// New creates a queue holding at most n elements.  It panics when n is not
// positive.
func New[T any](n int) *Queue[T] {
	if n <= 0 {
		panic("queue: capacity must be > 0")
	}
	q := &Queue[T]{
		free:   semaphore.NewWeighted(int64(n)),
		filled: semaphore.NewWeighted(int64(n)),
		elems:  make([]T, n),
	}
	// filled starts empty: hold every permit, Put releases one per element
	q.filled.TryAcquire(int64(n))
	return q
}

// Put inserts v at the tail, blocking while the queue is full.
func (q *Queue[T]) Put(v T) {
	_ = q.PutContext(context.Background(), v)
}

// Get removes and returns the head, blocking while the queue is empty.
func (q *Queue[T]) Get() T {
	v, _ := q.GetContext(context.Background())
	return v
}

// PutContext is Put with cancellation.  On error nothing was inserted.
func (q *Queue[T]) PutContext(ctx context.Context, v T) error {
	if err := q.free.Acquire(ctx, 1); err != nil {
		return err
	}
	q.push(v)
	return nil
}

// GetContext is Get with cancellation.  On error nothing was removed.
func (q *Queue[T]) GetContext(ctx context.Context) (T, error) {
	if err := q.filled.Acquire(ctx, 1); err != nil {
		var zero T
		return zero, err
	}
	return q.pop(), nil
}

// TryPut inserts v only if a slot is free right now.
func (q *Queue[T]) TryPut(v T) bool {
	if !q.free.TryAcquire(1) {
		return false
	}
	q.push(v)
	return true
}

// TryGet removes the head only if one is available right now.
func (q *Queue[T]) TryGet() (T, bool) {
	if !q.filled.TryAcquire(1) {
		var zero T
		return zero, false
	}
	return q.pop(), true
}

// Len returns the number of queued elements.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap returns the fixed capacity.
func (q *Queue[T]) Cap() int {
	return len(q.elems)
}

// push stores v in the slot reserved by a successful free acquire.
func (q *Queue[T]) push(v T) {
	q.mu.Lock()
	q.elems[q.in] = v
	if q.in++; q.in == len(q.elems) {
		q.in = 0
	}
	q.count++
	q.mu.Unlock()

	q.filled.Release(1)
}

// pop takes the element published by a successful filled acquire.
func (q *Queue[T]) pop() T {
	var zero T

	q.mu.Lock()
	v := q.elems[q.out]
	q.elems[q.out] = zero // drop the reference for the GC
	if q.out++; q.out == len(q.elems) {
		q.out = 0
	}
	q.count--
	q.mu.Unlock()

	q.free.Release(1)
	return v
}
