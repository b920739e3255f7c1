// File: ipc/conn.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Conn wraps a selected transport with a circuit breaker, the operation
// timeout and metrics. A corrupt frame closes the connection.

package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/momentics/hioload-ipc/api"
	"github.com/momentics/hioload-ipc/control"
	"github.com/momentics/hioload-ipc/internal/breaker"
	"github.com/momentics/hioload-ipc/internal/ring"
	"github.com/momentics/hioload-ipc/internal/transport"
	"github.com/momentics/hioload-ipc/logging"
)

// Side says which end of the connection this is.
type Side string

const (
	SideListener Side = "listener"
	SideDialer   Side = "dialer"
)

// ConnStats is a snapshot of one connection.
type ConnStats struct {
	ID         uint64         `json:"id"`
	Side       Side           `json:"side"`
	Descriptor api.Descriptor `json:"descriptor"`
	Breaker    breaker.Stats  `json:"breaker"`
	FramesOut  uint64         `json:"frames_out"`
	FramesIn   uint64         `json:"frames_in"`
	BytesOut   uint64         `json:"bytes_out"`
	BytesIn    uint64         `json:"bytes_in"`
	Errors     uint64         `json:"errors"`
	Rejected   uint64         `json:"rejected"`
	Opened     time.Time      `json:"opened"`
	Closed     bool           `json:"closed"`
	Send       *ring.State    `json:"send_ring,omitempty"`
	Recv       *ring.State    `json:"recv_ring,omitempty"`
	Dueling    string         `json:"dueling,omitempty"`
}

// connMetrics are the registry-wide series every Conn feeds.
type connMetrics struct {
	framesOut, framesIn *control.Counter
	bytesOut, bytesIn   *control.Counter
	errs, rejected      *control.Counter
	timeouts, corrupt   *control.Counter
	writeLat, readLat   *control.Histogram
	open                *control.Gauge
}

func newConnMetrics(m *control.MetricsRegistry) connMetrics {
	return connMetrics{
		framesOut: m.Counter("ipc.frames_out"),
		framesIn:  m.Counter("ipc.frames_in"),
		bytesOut:  m.Counter("ipc.bytes_out"),
		bytesIn:   m.Counter("ipc.bytes_in"),
		errs:      m.Counter("ipc.errors"),
		rejected:  m.Counter("ipc.rejected"),
		timeouts:  m.Counter("ipc.timeouts"),
		corrupt:   m.Counter("ipc.corrupt_frames"),
		writeLat:  m.Histogram("ipc.write_latency"),
		readLat:   m.Histogram("ipc.read_latency"),
		open:      m.Gauge("ipc.connections"),
	}
}

// Conn is one logical connection. Write and Read may be called from
// different goroutines; concurrent writers (or readers) are serialized.
type Conn struct {
	id     uint64
	side   Side
	t      api.Transport
	br     *breaker.Breaker
	log    logging.Logger
	m      connMetrics
	probes *control.DebugProbes
	opened time.Time

	opTimeout atomic.Int64
	framesOut atomic.Uint64
	framesIn  atomic.Uint64
	bytesOut  atomic.Uint64
	bytesIn   atomic.Uint64
	errs      atomic.Uint64
	rejected  atomic.Uint64

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
	onClose   []func()
}

func newConn(id uint64, side Side, t api.Transport, o *options) *Conn {
	c := &Conn{
		id:     id,
		side:   side,
		t:      t,
		br:     o.newBreaker(),
		log:    o.log,
		m:      newConnMetrics(o.metrics),
		probes: o.probes,
		opened: time.Now(),
	}
	c.opTimeout.Store(int64(o.cfg.OpTimeout))
	c.br.OnStateChange(func(from, to breaker.State) {
		c.log.Warn("circuit breaker state change",
			logging.Uint64("conn", c.id), logging.String("from", from.String()), logging.String("to", to.String()))
	})
	if o.store != nil {
		c.onClose = append(c.onClose, o.store.OnReload(func(_, cur control.Config) { c.apply(cur) }))
	}
	c.m.open.Add(1)
	c.probes.RegisterProbe(c.probeName(), func() any { return c.Stats() })
	return c
}

func (c *Conn) probeName() string {
	return "conn." + string(c.side) + "." + strconv.FormatUint(c.id, 10)
}

// apply picks up hot-reloadable settings.
func (c *Conn) apply(cfg control.Config) {
	c.opTimeout.Store(int64(cfg.OpTimeout))
	c.br.Update(breakerConfig(cfg))
}

// ID returns the connection id assigned by the listener.
func (c *Conn) ID() uint64 { return c.id }

// Descriptor reports the transport in use and, for a fallback, why.
func (c *Conn) Descriptor() api.Descriptor { return c.t.Descriptor() }

// Breaker exposes the connection's breaker for health reporting.
func (c *Conn) Breaker() *breaker.Breaker { return c.br }

// Write sends one frame.
func (c *Conn) Write(ctx context.Context, p []byte) error {
	start := time.Now()
	err := c.do(ctx, false, func(ctx context.Context) error { return c.t.Write(ctx, p) })
	if err == nil {
		c.sent(1, len(p))
		c.m.writeLat.Observe(time.Since(start))
	}
	return c.wrap("write", err)
}

// WriteBatch sends frames in order with one wake. On error it returns how
// many frames were sent.
func (c *Conn) WriteBatch(ctx context.Context, frames [][]byte) (int, error) {
	start := time.Now()
	var n int
	err := c.do(ctx, false, func(ctx context.Context) error {
		var err error
		n, err = c.t.WriteBatch(ctx, frames)
		return err
	})
	if n > 0 {
		size := 0
		for _, f := range frames[:n] {
			size += len(f)
		}
		c.sent(n, size)
		c.m.writeLat.Observe(time.Since(start))
	}
	return n, c.wrap("write batch", err)
}

// Read returns the next frame. io.EOF means the peer closed and every
// frame it sent has been read.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	start := time.Now()
	var p []byte
	err := c.do(ctx, true, func(ctx context.Context) error {
		var err error
		p, err = c.t.Read(ctx)
		return err
	})
	if err == nil {
		c.received(1, len(p))
		c.m.readLat.Observe(time.Since(start))
	}
	return p, c.wrap("read", err)
}

// ReadBatch returns between one and limit frames.
func (c *Conn) ReadBatch(ctx context.Context, limit int) ([][]byte, error) {
	start := time.Now()
	var out [][]byte
	err := c.do(ctx, true, func(ctx context.Context) error {
		var err error
		out, err = c.t.ReadBatch(ctx, limit)
		return err
	})
	if len(out) > 0 {
		c.received(len(out), sizeOf(out))
		c.m.readLat.Observe(time.Since(start))
	}
	return out, c.wrap("read batch", err)
}

// TryReadBatch drains up to limit frames without waiting. It lets a
// concurrency.WorkerPool poll the connection. While the breaker is open it
// returns nothing.
func (c *Conn) TryReadBatch(limit int) ([][]byte, error) {
	if c.closed.Load() {
		return nil, api.ErrClosed
	}
	if !c.br.Allow() {
		c.reject()
		return nil, nil
	}
	out, err := transport.TryReadBatch(c.t, limit)
	if len(out) > 0 {
		c.received(len(out), sizeOf(out))
	}
	switch {
	case err == nil:
		if len(out) > 0 {
			c.br.RecordSuccess()
		}
	case errors.Is(err, io.EOF), errors.Is(err, api.ErrClosed):
	default:
		c.fail(err)
	}
	if err == io.EOF {
		return out, err
	}
	return out, c.wrap("poll", err)
}

// do gates fn on the breaker, bounds it by the operation timeout and feeds
// the outcome back. An idle read that times out is not a channel fault and
// is not recorded; a write that times out is.
func (c *Conn) do(ctx context.Context, read bool, fn func(context.Context) error) error {
	if c.closed.Load() {
		return api.ErrClosed
	}
	if !c.br.Allow() {
		c.reject()
		return api.ErrCircuitOpen
	}
	if d := time.Duration(c.opTimeout.Load()); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	err := fn(ctx)
	switch {
	case err == nil:
		c.br.RecordSuccess()
	case errors.Is(err, io.EOF), errors.Is(err, api.ErrClosed), errors.Is(err, context.Canceled):
	case errors.Is(err, api.ErrTimeout):
		c.m.timeouts.Inc()
		if !read {
			c.fail(err)
		}
	default:
		c.fail(err)
	}
	return err
}

func (c *Conn) fail(err error) {
	c.errs.Add(1)
	c.m.errs.Inc()
	c.br.RecordFailure()
	if errors.Is(err, api.ErrCorruptFrame) {
		c.m.corrupt.Inc()
		c.log.Error("corrupt frame, closing connection", logging.Uint64("conn", c.id), logging.Err(err))
		_ = c.Close()
	}
}

func (c *Conn) reject() {
	c.rejected.Add(1)
	c.m.rejected.Inc()
}

func (c *Conn) sent(frames, bytes int) {
	c.framesOut.Add(uint64(frames))
	c.bytesOut.Add(uint64(bytes))
	c.m.framesOut.Add(uint64(frames))
	c.m.bytesOut.Add(uint64(bytes))
}

func (c *Conn) received(frames, bytes int) {
	c.framesIn.Add(uint64(frames))
	c.bytesIn.Add(uint64(bytes))
	c.m.framesIn.Add(uint64(frames))
	c.m.bytesIn.Add(uint64(bytes))
}

func (c *Conn) wrap(op string, err error) error {
	if err == nil || err == io.EOF {
		return err
	}
	return fmt.Errorf("ipc: conn %d %s: %w", c.id, op, err)
}

func sizeOf(frames [][]byte) int {
	n := 0
	for _, f := range frames {
		n += len(f)
	}
	return n
}

// Stats returns a snapshot without blocking readers or writers.
func (c *Conn) Stats() ConnStats {
	st := ConnStats{
		ID:         c.id,
		Side:       c.side,
		Descriptor: c.t.Descriptor(),
		Breaker:    c.br.Stats(),
		FramesOut:  c.framesOut.Load(),
		FramesIn:   c.framesIn.Load(),
		BytesOut:   c.bytesOut.Load(),
		BytesIn:    c.bytesIn.Load(),
		Errors:     c.errs.Load(),
		Rejected:   c.rejected.Load(),
		Opened:     c.opened,
		Closed:     c.closed.Load(),
	}
	if shm := sharedMemoryOf(c.t); shm != nil {
		shm.Inspect(func(send, recv *ring.Ring) {
			s, r := send.State(), recv.State()
			st.Send, st.Recv = &s, &r
			if dueling, why := ring.DiagnoseDueling(send, recv); dueling {
				st.Dueling = why
			}
		})
	}
	return st
}

// sharedMemoryOf finds the ring transport under selector wrappers.
func sharedMemoryOf(t api.Transport) *transport.SharedMemory {
	for t != nil {
		if s, ok := t.(*transport.SharedMemory); ok {
			return s
		}
		u, ok := t.(interface{ Unwrap() api.Transport })
		if !ok {
			return nil
		}
		t = u.Unwrap()
	}
	return nil
}

// Close tells the peer no more frames follow and releases the transport.
// The peer drains what was already sent, then sees io.EOF.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.probes.UnregisterProbe(c.probeName())
		c.m.open.Add(-1)
		c.closeErr = c.t.Close()
		for i := len(c.onClose) - 1; i >= 0; i-- {
			c.onClose[i]()
		}
		c.log.Debug("connection closed", logging.Uint64("conn", c.id), logging.String("side", string(c.side)))
	})
	return c.closeErr
}
