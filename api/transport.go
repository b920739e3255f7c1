// File: api/transport.go
// Author: momentics <momentics@gmail.com>
//
// Transport contract shared by the shared-memory and socket implementations,
// so upper layers never branch on transport type.

package api

import "context"

// Performance is the expected throughput class of a transport.
type Performance int

const (
	PerformanceUnknown Performance = iota
	// PerformanceSocket is kernel-mediated loopback, tens of microseconds per hop.
	PerformanceSocket
	// PerformanceSharedPoll is shared memory with a polling waiter.
	PerformanceSharedPoll
	// PerformanceOptimal is shared memory with a kernel wait/wake primitive.
	PerformanceOptimal
)

func (p Performance) String() string {
	switch p {
	case PerformanceSocket:
		return "socket"
	case PerformanceSharedPoll:
		return "shared-memory-poll"
	case PerformanceOptimal:
		return "optimal"
	default:
		return "unknown"
	}
}

// Descriptor describes the transport chosen for a connection. Diagnostics only.
type Descriptor struct {
	Name        string      `json:"name"`
	Platform    string      `json:"platform"`
	Waiter      string      `json:"waiter,omitempty"`
	Performance Performance `json:"performance"`
	Fallback    bool        `json:"fallback"`
	Reason      string      `json:"reason,omitempty"`
}

// Transport moves whole frames between two peers.
type Transport interface {
	// Write sends one frame. Blocks only for bounded backoff while the peer drains.
	Write(ctx context.Context, p []byte) error
	// Read returns the next frame, waiting until ctx is done.
	Read(ctx context.Context) ([]byte, error)
	// WriteBatch sends frames in order, waking the peer once.
	WriteBatch(ctx context.Context, frames [][]byte) (int, error)
	// ReadBatch returns up to limit frames, waiting for at least one.
	ReadBatch(ctx context.Context, limit int) ([][]byte, error)
	PlatformName() string
	ExpectedPerformance() Performance
	Descriptor() Descriptor
	Close() error
}
