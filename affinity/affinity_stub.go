//go:build !linux && !windows

// File: affinity/affinity_stub.go
// Author: momentics <momentics@gmail.com>
//
// Stub implementation for unsupported platforms.
// Returns error to indicate unavailability.

package affinity

import (
	"fmt"
	"runtime"

	"github.com/momentics/hioload-ipc/api"
)

type savedMask struct{}

func pinPlatform(int) (savedMask, error) {
	return savedMask{}, fmt.Errorf("affinity: not supported on %s: %w", runtime.GOOS, api.ErrPlatformUnavailable)
}

func restorePlatform(savedMask) error { return nil }

func allowedPlatform() []int { return nil }
