// File: internal/concurrency/ring.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// RingBuffer is the in-process SPSC queue between a worker and its
// dispatcher. Head and tail sit on separate cache lines.

package concurrency

import (
	"sync/atomic"

	"github.com/momentics/hioload-ipc/api"
)

var _ api.Ring[any] = (*RingBuffer[any])(nil)

// RingBuffer is a bounded lock-free queue for one producer and one consumer.
type RingBuffer[T any] struct {
	data []T
	mask uint64
	head atomic.Uint64
	_    [56]byte
	tail atomic.Uint64
	_    [56]byte
}

// NewRingBuffer allocates a ring; size is rounded up to a power of two.
func NewRingBuffer[T any](size uint64) *RingBuffer[T] {
	if size < 2 {
		size = 2
	}
	n := uint64(1)
	for n < size {
		n <<= 1
	}
	return &RingBuffer[T]{data: make([]T, n), mask: n - 1}
}

// Enqueue adds item; false when full.
func (r *RingBuffer[T]) Enqueue(item T) bool {
	tail := r.tail.Load()
	if tail-r.head.Load() >= uint64(len(r.data)) {
		return false
	}
	r.data[tail&r.mask] = item
	r.tail.Store(tail + 1)
	return true
}

// Dequeue removes the oldest item; false when empty.
func (r *RingBuffer[T]) Dequeue() (T, bool) {
	var zero T
	head := r.head.Load()
	if head >= r.tail.Load() {
		return zero, false
	}
	item := r.data[head&r.mask]
	r.data[head&r.mask] = zero
	r.head.Store(head + 1)
	return item, true
}

func (r *RingBuffer[T]) Len() int { return int(r.tail.Load() - r.head.Load()) }

func (r *RingBuffer[T]) Cap() int { return len(r.data) }
