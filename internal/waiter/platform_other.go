//go:build !linux && !windows && !(darwin && cgo)

// File: internal/waiter/platform_other.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package waiter

import "github.com/momentics/hioload-ipc/api"

// No address-wait primitive reachable without cgo here; poll.
func newPlatform() api.Waiter { return NewPoll() }
