package queue

import (
	"sync"
)

// Queue is a generic thread-safe FIFO queue of fixed capacity. Pushes beyond
// the capacity are refused, never blocked.
type Queue[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
}

// NewBounded creates an empty queue holding at most capacity items.
// A capacity below 1 is treated as 1.
func NewBounded[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{
		items:    make([]T, 0, capacity),
		capacity: capacity,
	}
}

// TryPush appends item unless the queue is at capacity. It never blocks.
func (q *Queue[T]) TryPush(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, item)
	return true
}

// Len returns the number of items in the queue.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Cap returns the capacity.
func (q *Queue[T]) Cap() int {
	return q.capacity
}

// Clear removes all items from the queue.
func (q *Queue[T]) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	clear(q.items)
	q.items = q.items[:0]
}

// GetAndEmpty returns all items in insertion order and clears the queue.
// An empty queue yields nil.
func (q *Queue[T]) GetAndEmpty() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	result := q.items
	q.items = make([]T, 0, q.capacity)
	return result
}
