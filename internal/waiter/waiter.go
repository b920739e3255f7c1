// File: internal/waiter/waiter.go
// Package waiter parks threads on a 32-bit word that may live in memory
// shared with another process, and wakes them when the word changes.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// One implementation per platform is chosen at build time; New returns it.
// Every implementation spins on the word before making a syscall so a peer
// that answers within microseconds costs no kernel transition.

package waiter

import (
	"sync/atomic"
	"time"

	"github.com/momentics/hioload-ipc/api"
)

// SpinIterations is the number of direct loads before blocking.
const SpinIterations = 100

// Prober is implemented by waiters whose primitive may be missing at run time.
type Prober interface {
	// Probe returns api.ErrPlatformUnavailable (wrapped) when the primitive
	// cannot be used on this host.
	Probe() error
}

// New returns the platform waiter.
func New() api.Waiter { return newPlatform() }

// Probe checks w's primitive. Waiters without a runtime dependency always pass.
func Probe(w api.Waiter) error {
	if p, ok := w.(Prober); ok {
		return p.Probe()
	}
	return nil
}

// spin reports whether *addr moved off expected within SpinIterations loads.
func spin(addr *uint32, expected uint32) bool {
	for i := 0; i < SpinIterations; i++ {
		if atomic.LoadUint32(addr) != expected {
			return true
		}
	}
	return false
}

// deadline tracks the remaining budget of a Wait call. A zero deadline is
// unbounded.
type deadline time.Time

func newDeadline(timeout time.Duration) deadline {
	if timeout <= 0 {
		return deadline{}
	}
	return deadline(time.Now().Add(timeout))
}

// remaining returns the time left, or -1 when unbounded. ok is false once
// the deadline has passed.
func (d deadline) remaining() (left time.Duration, ok bool) {
	t := time.Time(d)
	if t.IsZero() {
		return -1, true
	}
	left = time.Until(t)
	return left, left > 0
}

// slice caps left at limit; an unbounded budget yields limit.
func slice(left, limit time.Duration) time.Duration {
	if left < 0 || left > limit {
		return limit
	}
	return left
}
