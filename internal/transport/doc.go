// File: internal/transport/doc.go
// Package transport
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Frame transports between two local processes and the selector that picks
// one per connection. The shared-memory transport pairs two SPSC rings with a
// waiter; the socket transport carries the same frames over loopback TCP.
// Platform tiers are separated by build tags (linux/windows/darwin). Every
// implementation satisfies api.Transport so upper layers never branch on the
// concrete type.

package transport
