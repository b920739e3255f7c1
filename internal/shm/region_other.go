//go:build !unix && !windows

// File: internal/shm/region_other.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Platforms without named shared memory. Every call fails with
// api.ErrPlatformUnavailable so the transport selector falls back to sockets.

package shm

import (
	"fmt"
	"runtime"

	"github.com/momentics/hioload-ipc/api"
)

const maxNameLen = 255

type platformHandle struct{}

func unavailable() error {
	return fmt.Errorf("shm on %s: %w", runtime.GOOS, api.ErrPlatformUnavailable)
}

func createRegion(string, string, int, SetupFunc) (*Region, error) { return nil, unavailable() }
func openRegion(string, string, SetupFunc) (*Region, error)        { return nil, unavailable() }
func closeRegion(*Region) error                                    { return nil }
func unlinkRegion(string, string) error                            { return nil }
func syncMemory([]byte) error                                      { return nil }
