// File: internal/transport/shm.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Shared-memory transport: an outgoing ring this side writes, an incoming
// ring the peer writes, and a waiter parked on the incoming sequence word.
// Not safe for concurrent writers or concurrent readers; wrap with Guard.

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/momentics/hioload-ipc/api"
	"github.com/momentics/hioload-ipc/internal/ring"
)

// waitSlice caps one park so a context without deadline is still observed.
const waitSlice = 50 * time.Millisecond

// SharedMemory implements api.Transport over a ring pair.
type SharedMemory struct {
	send   *ring.Ring
	recv   *ring.Ring
	waiter api.Waiter
	retry  RetryPolicy
	desc   api.Descriptor

	// life is held shared by every operation and exclusively by Close, so
	// the rings are never unmapped under a running call.
	life   sync.RWMutex
	closed atomic.Bool
}

// NewSharedMemory assembles a transport from rings the caller created or
// attached. The transport owns them from here on.
func NewSharedMemory(send, recv *ring.Ring, w api.Waiter, retry RetryPolicy, desc api.Descriptor) *SharedMemory {
	return &SharedMemory{send: send, recv: recv, waiter: w, retry: retry, desc: desc}
}

func (t *SharedMemory) PlatformName() string { return t.desc.Platform }

func (t *SharedMemory) ExpectedPerformance() api.Performance { return t.desc.Performance }

func (t *SharedMemory) Descriptor() api.Descriptor { return t.desc }

func (t *SharedMemory) wake() { t.waiter.WakeOne(t.send.SequenceAddr()) }

func (t *SharedMemory) Write(ctx context.Context, p []byte) error {
	t.life.RLock()
	defer t.life.RUnlock()
	for n := 0; ; n++ {
		if t.closed.Load() {
			return api.ErrClosed
		}
		err := t.send.Write(p)
		if err == nil {
			t.wake()
			return nil
		}
		if !errors.Is(err, api.ErrBufferFull) {
			return err
		}
		if t.recv.PeerClosed() {
			return fmt.Errorf("transport: peer closed: %w", api.ErrClosed)
		}
		if err := t.retry.backoff(ctx, n); err != nil {
			return err
		}
	}
}

func (t *SharedMemory) WriteBatch(ctx context.Context, frames [][]byte) (int, error) {
	t.life.RLock()
	defer t.life.RUnlock()
	total := 0
	for n := 0; total < len(frames); n++ {
		if t.closed.Load() {
			return total, api.ErrClosed
		}
		written, err := t.send.WriteBatch(frames[total:])
		total += written
		if written > 0 {
			n = 0
		}
		if err == nil {
			break
		}
		if !errors.Is(err, api.ErrBufferFull) {
			t.wakeIf(total)
			return total, err
		}
		// let the peer drain what is already there
		t.wakeIf(written)
		if t.recv.PeerClosed() {
			return total, fmt.Errorf("transport: peer closed: %w", api.ErrClosed)
		}
		if err := t.retry.backoff(ctx, n); err != nil {
			return total, err
		}
	}
	t.wake()
	return total, nil
}

func (t *SharedMemory) wakeIf(n int) {
	if n > 0 {
		t.wake()
	}
}

// await parks until the incoming ring may have data. It returns io.EOF once
// the peer has closed and everything it wrote was consumed.
func (t *SharedMemory) await(ctx context.Context) error {
	addr := t.recv.SequenceAddr()
	seq := t.recv.SequenceWord()
	// closed first: frames published before MarkClosed are then visible
	peerClosed := t.recv.PeerClosed()
	if t.recv.Readable() > 0 {
		return nil
	}
	if peerClosed {
		return io.EOF
	}
	if err := ctxErr(ctx); err != nil {
		return err
	}
	timeout := waitSlice
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < timeout {
			timeout = left
		}
	}
	if timeout <= 0 {
		return ctxErr(ctx)
	}
	t.waiter.Wait(addr, seq, timeout)
	return nil
}

func (t *SharedMemory) Read(ctx context.Context) ([]byte, error) {
	t.life.RLock()
	defer t.life.RUnlock()
	for {
		if t.closed.Load() {
			return nil, api.ErrClosed
		}
		p, err := t.recv.Read()
		if err != nil || p != nil {
			return p, err
		}
		if err := t.await(ctx); err != nil {
			return nil, err
		}
	}
}

func (t *SharedMemory) ReadBatch(ctx context.Context, limit int) ([][]byte, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("transport: batch limit %d: %w", limit, api.ErrInvalidArgument)
	}
	t.life.RLock()
	defer t.life.RUnlock()
	for {
		if t.closed.Load() {
			return nil, api.ErrClosed
		}
		out, err := t.recv.ReadBatch(limit)
		if err != nil || len(out) > 0 {
			return out, err
		}
		if err := t.await(ctx); err != nil {
			return nil, err
		}
	}
}

// Close marks the outgoing ring closed, wakes the peer and detaches both
// rings. The last process to detach unlinks them.
func (t *SharedMemory) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.life.RLock()
	t.send.MarkClosed()
	t.waiter.WakeAll(t.send.SequenceAddr())
	t.life.RUnlock()

	// local readers notice closed within one waitSlice
	t.life.Lock()
	defer t.life.Unlock()
	return errors.Join(t.send.Close(), t.recv.Close())
}

// TryReadBatch drains up to limit frames without waiting. It returns io.EOF
// once the peer has closed and the ring is empty.
func (t *SharedMemory) TryReadBatch(limit int) ([][]byte, error) {
	t.life.RLock()
	defer t.life.RUnlock()
	if t.closed.Load() {
		return nil, api.ErrClosed
	}
	peerClosed := t.recv.PeerClosed()
	out, err := t.recv.ReadBatch(limit)
	if err == nil && len(out) == 0 && peerClosed {
		return nil, io.EOF
	}
	return out, err
}

// Inspect runs fn with the ring pair while the transport is open. It
// reports false once Close has started.
func (t *SharedMemory) Inspect(fn func(send, recv *ring.Ring)) bool {
	t.life.RLock()
	defer t.life.RUnlock()
	if t.closed.Load() {
		return false
	}
	fn(t.send, t.recv)
	return true
}
