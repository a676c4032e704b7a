// Package ringbuffer provides a fixed-capacity FIFO that evicts its oldest element on
// overflow.
package ringbuffer

import (
	"errors"
	"sync"
)

// ErrInvalidCapacity indicates a non-positive capacity.
var ErrInvalidCapacity = errors.New("ringbuffer: capacity must be positive")

// Buffer holds at most Cap() elements. It is safe for concurrent use.
type Buffer[T any] struct {
	mu    sync.Mutex
	items []T
	head  int
	size  int
}

// New returns an empty buffer with the given capacity.
func New[T any](capacity int) (*Buffer[T], error) {
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	return &Buffer[T]{items: make([]T, capacity)}, nil
}

// Push appends value. When the buffer is full the oldest element is evicted and returned.
func (b *Buffer[T]) Push(value T) (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var evicted T
	capacity := len(b.items)
	if b.size < capacity {
		b.items[(b.head+b.size)%capacity] = value
		b.size++
		return evicted, false
	}
	evicted = b.items[b.head]
	b.items[b.head] = value
	b.head = (b.head + 1) % capacity
	return evicted, true
}

// Items returns the elements oldest first.
func (b *Buffer[T]) Items() []T {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

// Drain returns the elements oldest first and empties the buffer.
func (b *Buffer[T]) Drain() []T {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.snapshotLocked()
	var zero T
	for index := range b.items {
		b.items[index] = zero
	}
	b.head = 0
	b.size = 0
	return out
}

// Len returns the number of held elements.
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Cap returns the fixed capacity.
func (b *Buffer[T]) Cap() int {
	return len(b.items)
}

func (b *Buffer[T]) snapshotLocked() []T {
	out := make([]T, 0, b.size)
	capacity := len(b.items)
	for offset := 0; offset < b.size; offset++ {
		out = append(out, b.items[(b.head+offset)%capacity])
	}
	return out
}
