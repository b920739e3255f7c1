//go:build windows

// File: internal/waiter/waitonaddress_windows.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// WaitOnAddress (Windows 8+). Its wait queue is per process, so a wake
// issued by the peer process never reaches us; waits are cut into short
// slices and the word is re-checked after each one.

package waiter

import (
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/momentics/hioload-ipc/api"
)

// waitSlice is the longest single WaitOnAddress call.
const waitSlice = time.Millisecond

var (
	modsynch                = windows.NewLazySystemDLL("api-ms-win-core-synch-l1-2-0.dll")
	procWaitOnAddress       = modsynch.NewProc("WaitOnAddress")
	procWakeByAddressSingle = modsynch.NewProc("WakeByAddressSingle")
	procWakeByAddressAll    = modsynch.NewProc("WakeByAddressAll")
)

// WaitOnAddress is the Windows waiter.
type WaitOnAddress struct {
	available bool
	fallback  *Poll
}

func newPlatform() api.Waiter {
	w := &WaitOnAddress{fallback: NewPollInterval(waitSlice)}
	w.available = w.Probe() == nil
	return w
}

func (w *WaitOnAddress) Name() string {
	if !w.available {
		return w.fallback.Name()
	}
	return "waitonaddress"
}

func (w *WaitOnAddress) Probe() error {
	for _, p := range []*windows.LazyProc{procWaitOnAddress, procWakeByAddressSingle, procWakeByAddressAll} {
		if err := p.Find(); err != nil {
			return fmt.Errorf("waiter: %s: %v: %w", p.Name, err, api.ErrPlatformUnavailable)
		}
	}
	return nil
}

func (w *WaitOnAddress) Wait(addr *uint32, expected uint32, timeout time.Duration) bool {
	if !w.available {
		return w.fallback.Wait(addr, expected, timeout)
	}
	if spin(addr, expected) {
		return true
	}
	d := newDeadline(timeout)
	cmp := expected
	for {
		if atomic.LoadUint32(addr) != expected {
			return true
		}
		left, ok := d.remaining()
		if !ok {
			return false
		}
		ms := uint32(slice(left, waitSlice) / time.Millisecond)
		if ms == 0 {
			ms = 1
		}
		procWaitOnAddress.Call(
			uintptr(unsafe.Pointer(addr)),
			uintptr(unsafe.Pointer(&cmp)),
			unsafe.Sizeof(cmp),
			uintptr(ms))
	}
}

func (w *WaitOnAddress) WakeOne(addr *uint32) {
	if !w.available {
		w.fallback.WakeOne(addr)
		return
	}
	procWakeByAddressSingle.Call(uintptr(unsafe.Pointer(addr)))
}

func (w *WaitOnAddress) WakeAll(addr *uint32) {
	if !w.available {
		w.fallback.WakeAll(addr)
		return
	}
	procWakeByAddressAll.Call(uintptr(unsafe.Pointer(addr)))
}
