//go:build windows

// File: internal/transport/tiers_windows.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

// Windows: shared memory with WaitOnAddress (Windows 8+), then loopback socket.
func platformTiers() []tier {
	return []tier{
		{name: TierSharedMemory, open: openSharedMemory(false)},
		{name: TierSocket, open: openSocket},
	}
}
