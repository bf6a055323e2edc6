// Package queue provides the unbounded FIFO used between pipeline stages.
//
// Reads are non-blocking: consumers check Len or call TryPop and sleep
// themselves when nothing is available, so a stop flag set between
// iterations is always observed within one sleep interval.
package queue

import "sync"

// Queue is an unbounded, goroutine-safe FIFO. Items are moved, not copied:
// once popped, the queue holds no reference to them.
type Queue[T any] struct {
	mu    sync.Mutex
	items []T
	head  int
}

// New creates an empty queue
func New[T any]() *Queue[T] {
	return &Queue[T]{}
}

// Push appends an item at the tail. It never blocks.
func (q *Queue[T]) Push(item T) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
}

// TryPop removes and returns the head item. ok is false when the queue is empty.
func (q *Queue[T]) TryPop() (item T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.head >= len(q.items) {
		return item, false
	}

	item = q.items[q.head]
	var zero T
	q.items[q.head] = zero // drop our reference
	q.head++

	// Compact once the consumed prefix dominates the backing array
	if q.head > 64 && q.head*2 >= len(q.items) {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}

	return item, true
}

// Len returns the number of queued items
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

// Empty reports whether the queue holds no items
func (q *Queue[T]) Empty() bool {
	return q.Len() == 0
}
