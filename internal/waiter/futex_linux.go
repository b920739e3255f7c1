//go:build linux

// File: internal/waiter/futex_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// futex(2) without FUTEX_PRIVATE_FLAG: the kernel keys the wait queue on the
// physical page, so waiters in different processes mapping the same object
// meet on the same queue.

package waiter

import (
	"math"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-ipc/api"
)

const (
	futexWaitOp = 0 // FUTEX_WAIT
	futexWakeOp = 1 // FUTEX_WAKE
)

// Futex is the Linux waiter.
type Futex struct{}

func newPlatform() api.Waiter { return Futex{} }

func (Futex) Name() string { return "futex" }

func (Futex) Probe() error { return nil }

func (Futex) Wait(addr *uint32, expected uint32, timeout time.Duration) bool {
	if spin(addr, expected) {
		return true
	}
	d := newDeadline(timeout)
	for {
		if atomic.LoadUint32(addr) != expected {
			return true
		}
		left, ok := d.remaining()
		if !ok {
			return false
		}
		var ts *unix.Timespec
		if left >= 0 {
			t := unix.NsecToTimespec(int64(left))
			ts = &t
		}
		_, _, errno := unix.Syscall6(unix.SYS_FUTEX,
			uintptr(unsafe.Pointer(addr)), futexWaitOp, uintptr(expected),
			uintptr(unsafe.Pointer(ts)), 0, 0)
		switch errno {
		case 0, unix.EINTR:
			// woken or interrupted; the loop re-checks the word
		case unix.EAGAIN:
			return true
		case unix.ETIMEDOUT:
			return atomic.LoadUint32(addr) != expected
		default:
			// unexpected: degrade to a short sleep rather than hot-loop
			time.Sleep(slice(left, time.Millisecond))
		}
	}
}

func futexWake(addr *uint32, n int) {
	unix.Syscall6(unix.SYS_FUTEX, uintptr(unsafe.Pointer(addr)), futexWakeOp, uintptr(n), 0, 0, 0)
}

func (Futex) WakeOne(addr *uint32) { futexWake(addr, 1) }

func (Futex) WakeAll(addr *uint32) { futexWake(addr, math.MaxInt32) }
