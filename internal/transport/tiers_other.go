//go:build !linux && !windows && !darwin

// File: internal/transport/tiers_other.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

// Other unix flavours map regions fine but lack a supported wait primitive;
// shared memory runs with the poll waiter. Everything else gets the socket.
func platformTiers() []tier {
	return []tier{
		{name: TierSharedMemory, open: openSharedMemory(true)},
		{name: TierSocket, open: openSocket},
	}
}
