package util

import "sync"

// RingBuffer retains the most recent Cap() values pushed into it, oldest
// values first out. Safe for concurrent use.
type RingBuffer[T any] struct {
	mu   sync.RWMutex
	vals []T
	next int // slot the next Push writes to
	full bool
}

func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	return &RingBuffer[T]{vals: make([]T, capacity)}
}

// Push stores item, evicting the oldest value once the buffer is full.
func (r *RingBuffer[T]) Push(item T) {
	r.mu.Lock()
	r.vals[r.next] = item
	r.next = (r.next + 1) % len(r.vals)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
}

// Snapshot copies the retained values, oldest first.
func (r *RingBuffer[T]) Snapshot() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.full {
		out := make([]T, r.next)
		copy(out, r.vals[:r.next])
		return out
	}
	out := make([]T, len(r.vals))
	n := copy(out, r.vals[r.next:])
	copy(out[n:], r.vals[:r.next])
	return out
}

// Len reports how many values are retained.
func (r *RingBuffer[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.full {
		return len(r.vals)
	}
	return r.next
}

// Cap reports the retention capacity.
func (r *RingBuffer[T]) Cap() int {
	return len(r.vals)
}
