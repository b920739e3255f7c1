package ipc

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/momentics/hioload-ipc/api"
	"github.com/momentics/hioload-ipc/control"
	"github.com/momentics/hioload-ipc/internal/breaker"
)

// scriptedTransport fails every call with the stored error, if any.
type scriptedTransport struct {
	err    atomic.Pointer[error]
	calls  atomic.Int64
	closed atomic.Bool
	frame  []byte
}

func (s *scriptedTransport) set(err error) { s.err.Store(&err) }

func (s *scriptedTransport) current() error {
	s.calls.Add(1)
	if e := s.err.Load(); e != nil {
		return *e
	}
	return nil
}

func (s *scriptedTransport) Write(ctx context.Context, p []byte) error { return s.current() }
func (s *scriptedTransport) Read(ctx context.Context) ([]byte, error) {
	if err := s.current(); err != nil {
		return nil, err
	}
	return s.frame, nil
}
func (s *scriptedTransport) WriteBatch(ctx context.Context, frames [][]byte) (int, error) {
	if err := s.current(); err != nil {
		return 0, err
	}
	return len(frames), nil
}
func (s *scriptedTransport) ReadBatch(ctx context.Context, limit int) ([][]byte, error) {
	if err := s.current(); err != nil {
		return nil, err
	}
	return [][]byte{s.frame}, nil
}
func (s *scriptedTransport) TryReadBatch(limit int) ([][]byte, error) {
	if err := s.current(); err != nil {
		return nil, err
	}
	return [][]byte{s.frame}, nil
}
func (s *scriptedTransport) PlatformName() string                 { return "scripted" }
func (s *scriptedTransport) ExpectedPerformance() api.Performance { return api.PerformanceUnknown }
func (s *scriptedTransport) Descriptor() api.Descriptor           { return api.Descriptor{Platform: "scripted"} }
func (s *scriptedTransport) Close() error                         { s.closed.Store(true); return nil }

type fakeClock struct{ now atomic.Int64 }

func (c *fakeClock) Now() time.Time          { return time.Unix(0, c.now.Load()) }
func (c *fakeClock) Advance(d time.Duration) { c.now.Add(int64(d)) }

func testConn(t *testing.T, cfg control.Config, clock *fakeClock) (*Conn, *scriptedTransport, *options) {
	t.Helper()
	st := &scriptedTransport{frame: []byte("frame")}
	opts := []Option{WithConfig(cfg)}
	if clock != nil {
		opts = append(opts, WithClock(clock.Now))
	}
	o := newOptions(opts)
	c := newConn(7, SideDialer, st, o)
	t.Cleanup(func() { c.Close() })
	return c, st, o
}

func TestConnBreakerOpensOnWriteFailures(t *testing.T) {
	clock := &fakeClock{}
	clock.now.Store(time.Unix(1000, 0).UnixNano())
	cfg := control.DefaultConfig()
	cfg.ConsecutiveErrorLimit = 3
	cfg.SuccessThreshold = 1
	c, st, _ := testConn(t, cfg, clock)
	ctx := context.Background()

	st.set(api.ErrTimeout)
	for i := 0; i < 3; i++ {
		if err := c.Write(ctx, []byte("x")); !errors.Is(err, api.ErrTimeout) {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	if c.Breaker().State() != breaker.Open {
		t.Fatalf("state = %v", c.Breaker().State())
	}
	calls := st.calls.Load()
	if err := c.Write(ctx, []byte("x")); !errors.Is(err, api.ErrCircuitOpen) {
		t.Fatalf("write on open breaker: %v", err)
	}
	if st.calls.Load() != calls {
		t.Fatal("transport called while breaker open")
	}

	clock.Advance(cfg.ResetTimeout)
	st.set(nil)
	if err := c.Write(ctx, []byte("x")); err != nil {
		t.Fatalf("probe write: %v", err)
	}
	if c.Breaker().State() != breaker.Closed {
		t.Fatalf("state after probe = %v", c.Breaker().State())
	}
	s := c.Stats()
	if s.Errors != 3 || s.Rejected != 1 || s.FramesOut != 1 || s.BytesOut != 1 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestConnIdleReadTimeoutNotRecorded(t *testing.T) {
	cfg := control.DefaultConfig()
	cfg.ConsecutiveErrorLimit = 1
	c, st, o := testConn(t, cfg, nil)
	st.set(api.ErrTimeout)
	for i := 0; i < 5; i++ {
		if _, err := c.Read(context.Background()); !errors.Is(err, api.ErrTimeout) {
			t.Fatalf("read: %v", err)
		}
	}
	if c.Breaker().State() != breaker.Closed {
		t.Fatal("idle reads opened the breaker")
	}
	if o.metrics.Counter("ipc.timeouts").Load() != 5 {
		t.Fatal("timeouts not counted")
	}
}

func TestConnCorruptFrameTearsDown(t *testing.T) {
	c, st, _ := testConn(t, control.DefaultConfig(), nil)
	st.set(api.ErrCorruptFrame)
	if _, err := c.Read(context.Background()); !errors.Is(err, api.ErrCorruptFrame) {
		t.Fatalf("read: %v", err)
	}
	if !st.closed.Load() {
		t.Fatal("transport left open after corrupt frame")
	}
	if err := c.Write(context.Background(), nil); !errors.Is(err, api.ErrClosed) {
		t.Fatalf("write after teardown: %v", err)
	}
}

func TestConnEOFPassesThrough(t *testing.T) {
	c, st, _ := testConn(t, control.DefaultConfig(), nil)
	st.set(io.EOF)
	if _, err := c.Read(context.Background()); err != io.EOF {
		t.Fatalf("err = %v, want bare io.EOF", err)
	}
	if c.Stats().Errors != 0 {
		t.Fatal("EOF counted as error")
	}
}

func TestConnOpTimeoutBoundsCall(t *testing.T) {
	cfg := control.DefaultConfig()
	cfg.OpTimeout = 30 * time.Millisecond
	c, _, _ := testConn(t, cfg, nil)
	var seen time.Duration
	err := c.do(context.Background(), true, func(ctx context.Context) error {
		dl, ok := ctx.Deadline()
		if !ok {
			t.Fatal("no deadline")
		}
		seen = time.Until(dl)
		return nil
	})
	if err != nil || seen > cfg.OpTimeout || seen <= 0 {
		t.Fatalf("deadline %v, err %v", seen, err)
	}
}

func TestConnFollowsConfigStore(t *testing.T) {
	store := control.NewConfigStore(control.DefaultConfig())
	o := newOptions([]Option{WithConfigStore(store)})
	c := newConn(1, SideListener, &scriptedTransport{}, o)
	next := control.DefaultConfig()
	next.OpTimeout = time.Second
	next.ConsecutiveErrorLimit = 9
	if err := store.Set(next); err != nil {
		t.Fatal(err)
	}
	if time.Duration(c.opTimeout.Load()) != time.Second || c.br.Config().ConsecutiveErrorLimit != 9 {
		t.Fatal("reload not applied")
	}
	c.Close()
	next.OpTimeout = 2 * time.Second
	_ = store.Set(next)
	if time.Duration(c.opTimeout.Load()) != time.Second {
		t.Fatal("closed conn still subscribed")
	}
}

func TestConnProbeLifecycle(t *testing.T) {
	c, _, o := testConn(t, control.DefaultConfig(), nil)
	if _, ok := o.probes.DumpState()[c.probeName()]; !ok {
		t.Fatal("probe missing")
	}
	c.Close()
	if _, ok := o.probes.DumpState()[c.probeName()]; ok {
		t.Fatal("probe left after close")
	}
	if o.metrics.Gauge("ipc.connections").Load() != 0 {
		t.Fatal("connection gauge not decremented")
	}
}
