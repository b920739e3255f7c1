// Package transport
// Author: momentics <momentics@gmail.com>
//
// Guard serializes writers and readers of one transport so an SPSC
// implementation can be shared by several goroutines of the same process.

package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/momentics/hioload-ipc/api"
)

// Guard wraps a transport with one lock per direction. Writers never wait
// for readers and the other way round.
type Guard struct {
	impl api.Transport
	wmu  sync.Mutex
	rmu  sync.Mutex
}

// NewGuard wraps impl. Wrapping a Guard returns it unchanged.
func NewGuard(impl api.Transport) *Guard {
	if g, ok := impl.(*Guard); ok {
		return g
	}
	return &Guard{impl: impl}
}

// Unwrap returns the wrapped transport.
func (g *Guard) Unwrap() api.Transport { return g.impl }

func (g *Guard) Write(ctx context.Context, p []byte) error {
	g.wmu.Lock()
	defer g.wmu.Unlock()
	return g.impl.Write(ctx, p)
}

func (g *Guard) WriteBatch(ctx context.Context, frames [][]byte) (int, error) {
	g.wmu.Lock()
	defer g.wmu.Unlock()
	return g.impl.WriteBatch(ctx, frames)
}

func (g *Guard) Read(ctx context.Context) ([]byte, error) {
	g.rmu.Lock()
	defer g.rmu.Unlock()
	return g.impl.Read(ctx)
}

func (g *Guard) ReadBatch(ctx context.Context, limit int) ([][]byte, error) {
	g.rmu.Lock()
	defer g.rmu.Unlock()
	return g.impl.ReadBatch(ctx, limit)
}

func (g *Guard) PlatformName() string { return g.impl.PlatformName() }

func (g *Guard) ExpectedPerformance() api.Performance { return g.impl.ExpectedPerformance() }

func (g *Guard) Descriptor() api.Descriptor { return g.impl.Descriptor() }

// Close does not take the direction locks; implementations unblock their
// own pending calls.
func (g *Guard) Close() error { return g.impl.Close() }

// Poller is implemented by transports that can be drained without blocking.
type Poller interface {
	TryReadBatch(limit int) ([][]byte, error)
}

// TryReadBatch serializes with other readers and drains without waiting.
func (g *Guard) TryReadBatch(limit int) ([][]byte, error) {
	g.rmu.Lock()
	defer g.rmu.Unlock()
	return TryReadBatch(g.impl, limit)
}

// TryReadBatch drains t without waiting, looking through wrappers.
func TryReadBatch(t api.Transport, limit int) ([][]byte, error) {
	for {
		if p, ok := t.(Poller); ok {
			return p.TryReadBatch(limit)
		}
		u, ok := t.(interface{ Unwrap() api.Transport })
		if !ok {
			return nil, fmt.Errorf("transport: %T cannot be polled: %w", t, api.ErrInvalidArgument)
		}
		t = u.Unwrap()
	}
}
