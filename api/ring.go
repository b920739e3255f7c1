// Package api
// Author: momentics@gmail.com
//
// In-process lock-free ring contract. The cross-process byte ring lives in
// internal/ring and has its own frame-oriented API.

package api

// Ring is a bounded single-producer/single-consumer queue.
type Ring[T any] interface {
	// Enqueue adds an item, returns false if full.
	Enqueue(item T) bool
	// Dequeue removes oldest item, returns false if empty.
	Dequeue() (T, bool)
	// Len returns current number of items.
	Len() int
	// Cap returns buffer capacity.
	Cap() int
}
