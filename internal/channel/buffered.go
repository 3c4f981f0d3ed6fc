package channel

import (
	"sync"
	"sync/atomic"
)

// Buffered is a Channel backed by a buffered Go channel.
type Buffered[T any] struct {
	ch      chan T
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

// NewBuffered creates a channel with room for size values. A size below
// one is raised to one so TrySend can ever succeed.
func NewBuffered[T any](size int) *Buffered[T] {
	if size < 1 {
		size = 1
	}
	return &Buffered[T]{ch: make(chan T, size)}
}

// TrySend sends a value if there is room in the buffer. Sends after Close
// are refused.
func (b *Buffered[T]) TrySend(v T) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return false
	}
	select {
	case b.ch <- v:
		return true
	default:
		b.dropped.Add(1)
		return false
	}
}

// Dropped returns how many TrySend calls found the buffer full.
func (b *Buffered[T]) Dropped() uint64 {
	return b.dropped.Load()
}

// Receive returns the receive-only channel
func (b *Buffered[T]) Receive() <-chan T {
	return b.ch
}

// Len returns the number of items currently in the buffer
func (b *Buffered[T]) Len() int {
	return len(b.ch)
}

// Close closes the channel. Calling it more than once is safe.
func (b *Buffered[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.ch)
}
