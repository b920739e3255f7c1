// File: affinity/affinity.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral API for CPU affinity. Platform-specific implementations are located
// in separate files (affinity_linux.go, affinity_windows.go, etc.) guarded by build tags.

package affinity

import (
	"fmt"
	"runtime"

	"github.com/momentics/hioload-ipc/api"
)

// Ensure compile-time interface compliance.
var _ api.Affinity = (*Pinner)(nil)

// Pinner pins the calling goroutine's OS thread and remembers the CPU set it
// replaced. One Pinner per thread; it is not safe for concurrent use.
type Pinner struct {
	saved  savedMask
	pinned bool
}

// New returns a Pinner for the calling thread.
func New() *Pinner { return &Pinner{} }

// Pin locks the goroutine to its thread and binds the thread to cpuID.
func (p *Pinner) Pin(cpuID int) error {
	if cpuID < 0 {
		return fmt.Errorf("affinity: cpu %d: %w", cpuID, api.ErrInvalidArgument)
	}
	runtime.LockOSThread()
	saved, err := pinPlatform(cpuID)
	if err != nil {
		runtime.UnlockOSThread()
		return err
	}
	if !p.pinned {
		p.saved = saved
	}
	p.pinned = true
	return nil
}

// Unpin restores the CPU set captured by the first Pin and unlocks the thread.
func (p *Pinner) Unpin() error {
	if !p.pinned {
		return nil
	}
	p.pinned = false
	err := restorePlatform(p.saved)
	runtime.UnlockOSThread()
	return err
}

// SetAffinity pins current OS thread to a given logical CPU/core on supported platforms.
// The goroutine stays locked to the thread. On unsupported platforms returns an error.
func SetAffinity(cpuID int) error {
	return New().Pin(cpuID)
}

// Allowed lists the CPUs the process may run on, ascending.
func Allowed() []int {
	if cpus := allowedPlatform(); len(cpus) > 0 {
		return cpus
	}
	cpus := make([]int, runtime.NumCPU())
	for i := range cpus {
		cpus[i] = i
	}
	return cpus
}

// CPUFor spreads worker index i over the allowed CPUs, stepping by stride so
// that workers land on distinct physical cores where hyperthreads pair up.
func CPUFor(i, stride int) int {
	cpus := Allowed()
	if stride <= 0 {
		stride = 1
	}
	return cpus[(i*stride)%len(cpus)]
}
