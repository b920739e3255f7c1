//go:build linux

// File: internal/transport/tiers_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

// Linux: shared memory with futex, then loopback socket.
func platformTiers() []tier {
	return []tier{
		{name: TierSharedMemory, open: openSharedMemory(false)},
		{name: TierSocket, open: openSocket},
	}
}
