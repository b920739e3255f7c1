//go:build linux

// File: affinity/affinity_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux thread affinity through sched_setaffinity(2); pid 0 addresses the
// calling thread.

package affinity

import (
	"fmt"

	"golang.org/x/sys/unix"
)

type savedMask = unix.CPUSet

func pinPlatform(cpuID int) (savedMask, error) {
	var old unix.CPUSet
	if err := unix.SchedGetaffinity(0, &old); err != nil {
		return old, fmt.Errorf("affinity: sched_getaffinity: %w", err)
	}
	var set unix.CPUSet
	set.Set(cpuID)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return old, fmt.Errorf("affinity: sched_setaffinity cpu %d: %w", cpuID, err)
	}
	return old, nil
}

func restorePlatform(old savedMask) error {
	if old.Count() == 0 {
		return nil
	}
	if err := unix.SchedSetaffinity(0, &old); err != nil {
		return fmt.Errorf("affinity: restore: %w", err)
	}
	return nil
}

func allowedPlatform() []int {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return nil
	}
	var cpus []int
	for i := 0; i < len(set)*64 && len(cpus) < set.Count(); i++ {
		if set.IsSet(i) {
			cpus = append(cpus, i)
		}
	}
	return cpus
}
