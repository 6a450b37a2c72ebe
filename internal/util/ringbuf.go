package util

import "sync"

// RingBuffer keeps the most recent items up to a fixed capacity. Push never
// blocks or fails; once the buffer is full the oldest item is dropped. Safe
// for concurrent use.
type RingBuffer[T any] struct {
	mu    sync.Mutex
	items []T
	next  int // write position
	full  bool
}

// NewRingBuffer creates a ring buffer holding at most capacity items.
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	return &RingBuffer[T]{items: make([]T, capacity)}
}

// Push appends an item, dropping the oldest one if the buffer is full.
func (r *RingBuffer[T]) Push(item T) {
	r.mu.Lock()
	r.items[r.next] = item
	r.next++
	if r.next == len(r.items) {
		r.next = 0
		r.full = true
	}
	r.mu.Unlock()
}

// Snapshot returns a copy of the contents, oldest first.
func (r *RingBuffer[T]) Snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		out := make([]T, r.next)
		copy(out, r.items[:r.next])
		return out
	}
	out := make([]T, 0, len(r.items))
	out = append(out, r.items[r.next:]...)
	out = append(out, r.items[:r.next]...)
	return out
}

// Len returns the number of items stored.
func (r *RingBuffer[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return len(r.items)
	}
	return r.next
}

// Cap returns the fixed capacity.
func (r *RingBuffer[T]) Cap() int {
	return len(r.items)
}
