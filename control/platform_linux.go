//go:build linux

// File: control/platform_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package control

import (
	"os"
	"runtime"

	"github.com/momentics/hioload-ipc/affinity"
	"github.com/momentics/hioload-ipc/internal/waiter"
)

// RegisterPlatformProbes adds host facts to dp.
func RegisterPlatformProbes(dp *DebugProbes) {
	dp.RegisterProbe("platform.cpus", func() any { return runtime.NumCPU() })
	dp.RegisterProbe("platform.allowed_cpus", func() any { return affinity.Allowed() })
	dp.RegisterProbe("platform.waiter", func() any { return waiter.New().Name() })
	dp.RegisterProbe("platform.dev_shm", func() any {
		_, err := os.Stat("/dev/shm")
		return err == nil
	})
}
