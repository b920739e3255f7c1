//go:build !linux && !windows

// File: control/platform_other.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package control

import (
	"runtime"

	"github.com/momentics/hioload-ipc/internal/waiter"
)

// RegisterPlatformProbes adds host facts to dp.
func RegisterPlatformProbes(dp *DebugProbes) {
	dp.RegisterProbe("platform.cpus", func() any { return runtime.NumCPU() })
	dp.RegisterProbe("platform.waiter", func() any { return waiter.New().Name() })
}
