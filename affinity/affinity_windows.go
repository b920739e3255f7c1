//go:build windows

// File: affinity/affinity_windows.go
// Author: momentics <momentics@gmail.com>
//
// Windows thread affinity through SetThreadAffinityMask, which hands back
// the previous mask.

package affinity

import (
	"fmt"

	"golang.org/x/sys/windows"
)

var (
	modkernel32               = windows.NewLazySystemDLL("kernel32.dll")
	procSetThreadAffinityMask = modkernel32.NewProc("SetThreadAffinityMask")
)

type savedMask = uintptr

func setMask(mask uintptr) (uintptr, error) {
	old, _, err := procSetThreadAffinityMask.Call(uintptr(windows.CurrentThread()), mask)
	if old == 0 {
		return 0, fmt.Errorf("affinity: SetThreadAffinityMask: %v", err)
	}
	return old, nil
}

func pinPlatform(cpuID int) (savedMask, error) {
	return setMask(uintptr(1) << uint(cpuID))
}

func restorePlatform(old savedMask) error {
	if old == 0 {
		return nil
	}
	_, err := setMask(old)
	return err
}

func allowedPlatform() []int { return nil }
