// File: internal/transport/socket.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Loopback stream transport. Frames use the same length-prefixed encoding
// as the rings. A single goroutine owns the read side, so a cancelled Read
// never leaves the stream in the middle of a frame.

package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/momentics/hioload-ipc/api"
	"github.com/momentics/hioload-ipc/internal/frame"
)

const socketReadAhead = 256

// Socket implements api.Transport over a net.Conn.
type Socket struct {
	conn  net.Conn
	limit int
	desc  api.Descriptor

	frames  chan []byte
	readErr error // valid once frames is closed
	done    chan struct{}

	writeErr atomic.Pointer[error] // sticky: a failed write desyncs the stream
	closed   atomic.Bool
	once     sync.Once
}

// NewSocket takes ownership of conn. limit caps a single frame.
func NewSocket(conn net.Conn, limit int, desc api.Descriptor) *Socket {
	if limit <= 0 {
		limit = frame.MaxPayload
	}
	tuneConn(conn)
	t := &Socket{
		conn:   conn,
		limit:  limit,
		desc:   desc,
		frames: make(chan []byte, socketReadAhead),
		done:   make(chan struct{}),
	}
	go t.readLoop()
	return t
}

func (t *Socket) readLoop() {
	br := bufio.NewReaderSize(t.conn, 64<<10)
	for {
		p, err := frame.Read(br, t.limit)
		if err != nil {
			if t.closed.Load() || errors.Is(err, net.ErrClosed) {
				err = api.ErrClosed
			}
			t.readErr = err
			close(t.frames)
			return
		}
		select {
		case t.frames <- p:
		case <-t.done:
			return
		}
	}
}

func (t *Socket) PlatformName() string { return t.desc.Platform }

func (t *Socket) ExpectedPerformance() api.Performance { return t.desc.Performance }

func (t *Socket) Descriptor() api.Descriptor { return t.desc }

func (t *Socket) write(ctx context.Context, fn func(io.Writer) error) error {
	if t.closed.Load() {
		return api.ErrClosed
	}
	if e := t.writeErr.Load(); e != nil {
		return *e
	}
	if err := ctxErr(ctx); err != nil {
		return err
	}
	var dl time.Time
	if d, ok := ctx.Deadline(); ok {
		dl = d
	}
	_ = t.conn.SetWriteDeadline(dl)
	stop := context.AfterFunc(ctx, func() { _ = t.conn.SetWriteDeadline(time.Now()) })
	err := fn(t.conn)
	stop()
	if err == nil {
		return nil
	}
	if errors.Is(err, api.ErrFrameTooLarge) {
		return err
	}
	var ne net.Error
	switch {
	case t.closed.Load():
		err = api.ErrClosed
	case ctx.Err() != nil:
		err = ctxErr(ctx)
	case errors.As(err, &ne) && ne.Timeout():
		err = fmt.Errorf("transport: socket write: %w", api.ErrTimeout)
	}
	t.writeErr.Store(&err)
	return err
}

func (t *Socket) Write(ctx context.Context, p []byte) error {
	return t.write(ctx, func(w io.Writer) error { return frame.Write(w, p, t.limit) })
}

func (t *Socket) WriteBatch(ctx context.Context, frames [][]byte) (int, error) {
	if err := t.write(ctx, func(w io.Writer) error { return frame.WriteBatch(w, frames, t.limit) }); err != nil {
		return 0, err
	}
	return len(frames), nil
}

func (t *Socket) Read(ctx context.Context) ([]byte, error) {
	select {
	case p, ok := <-t.frames:
		if !ok {
			return nil, t.readErr
		}
		return p, nil
	case <-t.done:
		return nil, api.ErrClosed
	case <-ctx.Done():
		return nil, ctxErr(ctx)
	}
}

func (t *Socket) ReadBatch(ctx context.Context, limit int) ([][]byte, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("transport: batch limit %d: %w", limit, api.ErrInvalidArgument)
	}
	first, err := t.Read(ctx)
	if err != nil {
		return nil, err
	}
	out := [][]byte{first}
	for len(out) < limit {
		select {
		case p, ok := <-t.frames:
			if !ok {
				return out, nil
			}
			out = append(out, p)
		default:
			return out, nil
		}
	}
	return out, nil
}

func (t *Socket) Close() error {
	var err error
	t.once.Do(func() {
		t.closed.Store(true)
		close(t.done)
		err = t.conn.Close()
	})
	return err
}

// TryReadBatch returns frames already read ahead, without waiting.
func (t *Socket) TryReadBatch(limit int) ([][]byte, error) {
	var out [][]byte
	for len(out) < limit {
		select {
		case p, ok := <-t.frames:
			if !ok {
				if len(out) > 0 {
					return out, nil
				}
				return nil, t.readErr
			}
			out = append(out, p)
		default:
			return out, nil
		}
	}
	return out, nil
}
