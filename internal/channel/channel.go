// Package channel provides bounded generic channels that never block the sender
// on the safety paths: interrupt delivery and event publication.
package channel

// Channel is a bounded channel with a non-blocking send side.
type Channel[T any] interface {
	Receive() <-chan T
	Len() int
	// TrySend delivers without blocking and reports whether the value was accepted.
	TrySend(T) bool
	// Dropped counts values rejected by TrySend because the buffer was full.
	Dropped() uint64
	Close()
}

// New creates a bounded channel holding up to size values.
func New[T any](size int) Channel[T] {
	return NewBuffered[T](size)
}
