// Package api
// Author: momentics@gmail.com
//
// CPU affinity for ring-draining worker threads.

package api

// Affinity controls execution on particular CPUs.
type Affinity interface {
	// Pin locks the current goroutine to its OS thread and binds it to cpuID.
	Pin(cpuID int) error
	// Unpin restores the thread's original CPU set and unlocks it.
	Unpin() error
}
