//go:build darwin && cgo

// File: internal/waiter/ulock_darwin.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// __ulock_wait/__ulock_wake with UL_COMPARE_AND_WAIT_SHARED. The symbols are
// private libSystem API (macOS 10.12+); if the wake probe fails the poll
// waiter takes over.

package waiter

/*
#include <stdint.h>

extern int __ulock_wait(uint32_t operation, void *addr, uint64_t value, uint32_t timeout_us);
extern int __ulock_wake(uint32_t operation, void *addr, uint64_t wake_value);

#define HIO_UL_COMPARE_AND_WAIT_SHARED 3
#define HIO_ULF_WAKE_ALL 0x00000100
#define HIO_ULF_NO_ERRNO 0x01000000
#define HIO_ENOENT 2

static int hio_ulock_wait(void *addr, uint32_t value, uint32_t timeout_us) {
	return __ulock_wait(HIO_UL_COMPARE_AND_WAIT_SHARED | HIO_ULF_NO_ERRNO, addr, value, timeout_us);
}

static int hio_ulock_wake(void *addr, int all) {
	uint32_t op = HIO_UL_COMPARE_AND_WAIT_SHARED | HIO_ULF_NO_ERRNO;
	if (all) {
		op |= HIO_ULF_WAKE_ALL;
	}
	return __ulock_wake(op, addr, 0);
}

static int hio_ulock_probe(void) {
	uint32_t word = 0;
	int rc = hio_ulock_wake(&word, 0);
	return rc == 0 || rc == -HIO_ENOENT;
}
*/
import "C"

import (
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/momentics/hioload-ipc/api"
)

// ulockSlice bounds one kernel wait; the timeout argument is 32-bit microseconds.
const ulockSlice = time.Second

// Ulock is the macOS waiter.
type Ulock struct{}

func newPlatform() api.Waiter {
	if (Ulock{}).Probe() != nil {
		return NewPoll()
	}
	return Ulock{}
}

func (Ulock) Name() string { return "ulock" }

func (Ulock) Probe() error {
	if C.hio_ulock_probe() == 0 {
		return fmt.Errorf("waiter: __ulock_wake rejected probe: %w", api.ErrPlatformUnavailable)
	}
	return nil
}

func (Ulock) Wait(addr *uint32, expected uint32, timeout time.Duration) bool {
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
		us := uint32(slice(left, ulockSlice) / time.Microsecond)
		if us == 0 {
			us = 1
		}
		C.hio_ulock_wait(unsafe.Pointer(addr), C.uint32_t(expected), C.uint32_t(us))
	}
}

func (Ulock) WakeOne(addr *uint32) { C.hio_ulock_wake(unsafe.Pointer(addr), 0) }

func (Ulock) WakeAll(addr *uint32) { C.hio_ulock_wake(unsafe.Pointer(addr), 1) }
