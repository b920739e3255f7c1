// Package api
// Author: momentics <momentics@gmail.com>
//
// Blocking wait/wake contract on a 32-bit word that may live in shared memory.

package api

import "time"

// Waiter parks a thread until a word changes.
type Waiter interface {
	// Wait blocks until *addr != expected or timeout elapses.
	// Returns true when the value changed, false on timeout.
	// A non-positive timeout waits indefinitely.
	Wait(addr *uint32, expected uint32, timeout time.Duration) bool
	// WakeOne wakes at most one waiter parked on addr. Best effort.
	WakeOne(addr *uint32)
	// WakeAll wakes every waiter parked on addr. Best effort.
	WakeAll(addr *uint32)
	// Name identifies the primitive, e.g. "futex".
	Name() string
}
