//go:build darwin

// File: internal/transport/tiers_darwin.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

// macOS: shared memory with ulock, or the poll waiter when ulock is out of
// reach, then loopback socket.
func platformTiers() []tier {
	return []tier{
		{name: TierSharedMemory, open: openSharedMemory(true)},
		{name: TierSocket, open: openSocket},
	}
}
