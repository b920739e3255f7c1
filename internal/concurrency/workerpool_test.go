package concurrency

import (
	"errors"
	"io"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeSource hands out queued frames, then err once the queue is empty.
type fakeSource struct {
	id     uint64
	mu     sync.Mutex
	frames [][]byte
	err    error
	reads  atomic.Int64
	taken  atomic.Int64
}

func (s *fakeSource) ID() uint64 { return s.id }

func (s *fakeSource) push(p ...[]byte) {
	s.mu.Lock()
	s.frames = append(s.frames, p...)
	s.mu.Unlock()
}

func (s *fakeSource) TryReadBatch(limit int) ([][]byte, error) {
	s.reads.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := min(limit, len(s.frames))
	out := s.frames[:n:n]
	s.frames = s.frames[n:]
	s.taken.Add(int64(n))
	if len(s.frames) == 0 && s.err != nil {
		return out, s.err
	}
	return out, nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestDefaultWorkers(t *testing.T) {
	want := runtime.NumCPU() / 4
	if want < 1 {
		want = 1
	}
	if got := DefaultWorkers(); got != want {
		t.Fatalf("DefaultWorkers = %d, want %d", got, want)
	}
	p := NewWorkerPool(WorkerPoolConfig{}, func(uint64, []byte) {})
	defer p.Close()
	if p.Stats().Workers != want {
		t.Fatalf("workers = %d", p.Stats().Workers)
	}
}

func TestWorkerPoolDeliversInOrder(t *testing.T) {
	var mu sync.Mutex
	got := map[uint64][]byte{}
	p := NewWorkerPool(WorkerPoolConfig{Workers: 2, BatchSize: 3}, func(id uint64, f []byte) {
		mu.Lock()
		got[id] = append(got[id], f[0])
		mu.Unlock()
	})
	defer p.Close()

	srcs := []*fakeSource{{id: 1}, {id: 2}, {id: 3}}
	for _, s := range srcs {
		if err := p.Register(s); err != nil {
			t.Fatal(err)
		}
		for i := 0; i < 50; i++ {
			s.push([]byte{byte(i)})
		}
	}
	waitFor(t, func() bool { return p.Stats().Frames == 150 })

	mu.Lock()
	defer mu.Unlock()
	for _, s := range srcs {
		seq := got[s.id]
		if len(seq) != 50 {
			t.Fatalf("source %d: %d frames", s.id, len(seq))
		}
		for i, b := range seq {
			if int(b) != i {
				t.Fatalf("source %d out of order at %d", s.id, i)
			}
		}
	}
	st := p.Stats()
	if st.Sources != 3 || st.PerShard[0]+st.PerShard[1] != 3 {
		t.Fatalf("stats = %+v", st)
	}
	if st.PerShard[0] == 0 || st.PerShard[1] == 0 {
		t.Fatalf("shards not balanced: %v", st.PerShard)
	}
}

func TestWorkerPoolDropsFailedSources(t *testing.T) {
	var failed sync.Map
	p := NewWorkerPool(WorkerPoolConfig{
		Workers: 1,
		OnError: func(id uint64, err error) { failed.Store(id, err) },
	}, func(uint64, []byte) {})
	defer p.Close()

	eof := &fakeSource{id: 7, err: io.EOF}
	eof.push([]byte("last"))
	broken := &fakeSource{id: 8, err: errors.New("boom")}
	if err := p.Register(eof); err != nil {
		t.Fatal(err)
	}
	if err := p.Register(broken); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return p.Stats().Sources == 0 })
	waitFor(t, func() bool { return p.Stats().Frames == 1 })
	if p.Stats().Errors != 1 {
		t.Fatalf("errors = %d, want only the non-EOF failure", p.Stats().Errors)
	}
	if _, ok := failed.Load(uint64(7)); !ok {
		t.Fatal("OnError not called for EOF source")
	}
	// the id is free again
	if err := p.Register(&fakeSource{id: 7}); err != nil {
		t.Fatal(err)
	}
}

func TestWorkerPoolUnregister(t *testing.T) {
	p := NewWorkerPool(WorkerPoolConfig{Workers: 1}, func(uint64, []byte) {})
	defer p.Close()
	s := &fakeSource{id: 1}
	if err := p.Register(s); err != nil {
		t.Fatal(err)
	}
	if err := p.Register(&fakeSource{id: 1}); err == nil {
		t.Fatal("duplicate id accepted")
	}
	waitFor(t, func() bool { return s.reads.Load() > 0 })
	if !p.Unregister(1) {
		t.Fatal("Unregister = false")
	}
	if p.Unregister(1) {
		t.Fatal("second Unregister = true")
	}
	waitFor(t, func() bool { return p.Stats().Sources == 0 })
	before := s.reads.Load()
	time.Sleep(10 * time.Millisecond)
	if s.reads.Load() != before {
		t.Fatal("unregistered source still polled")
	}
}

func TestWorkerPoolClose(t *testing.T) {
	p := NewWorkerPool(WorkerPoolConfig{Workers: 2}, func(uint64, []byte) {})
	p.Close()
	p.Close()
	if err := p.Register(&fakeSource{id: 1}); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("Register after Close: %v", err)
	}
}

func TestWorkerPoolCloseDeliversTakenFrames(t *testing.T) {
	var delivered atomic.Int64
	p := NewWorkerPool(WorkerPoolConfig{Workers: 1, HandoffSize: 2, BatchSize: 8}, func(uint64, []byte) {
		time.Sleep(time.Millisecond)
		delivered.Add(1)
	})
	s := &fakeSource{id: 1}
	for i := 0; i < 200; i++ {
		s.push([]byte{byte(i)})
	}
	if err := p.Register(s); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	p.Close()
	taken := s.taken.Load()
	if taken == 0 {
		t.Fatal("pool never read the source")
	}
	if got := delivered.Load(); got != taken {
		t.Fatalf("taken %d frames from the source, delivered %d", taken, got)
	}
	if got := p.Stats().Frames; got != uint64(taken) {
		t.Fatalf("Stats().Frames = %d, want %d", got, taken)
	}
}

func TestWorkerPoolPinned(t *testing.T) {
	p := NewWorkerPool(WorkerPoolConfig{Workers: 1, Pin: true}, func(uint64, []byte) {})
	defer p.Close()
	s := &fakeSource{id: 1}
	s.push([]byte("x"))
	if err := p.Register(s); err != nil {
		t.Fatal(err)
	}
	// pinning may be refused by the host; delivery must not depend on it
	waitFor(t, func() bool { return p.Stats().Frames == 1 })
}

func TestRingBufferFIFO(t *testing.T) {
	r := NewRingBuffer[int](3)
	if r.Cap() != 4 {
		t.Fatalf("Cap = %d", r.Cap())
	}
	for i := 0; i < 4; i++ {
		if !r.Enqueue(i) {
			t.Fatalf("enqueue %d failed", i)
		}
	}
	if r.Enqueue(9) {
		t.Fatal("enqueue into full ring succeeded")
	}
	for i := 0; i < 4; i++ {
		v, ok := r.Dequeue()
		if !ok || v != i {
			t.Fatalf("dequeue = %d, %v", v, ok)
		}
	}
	if _, ok := r.Dequeue(); ok {
		t.Fatal("dequeue from empty ring")
	}
}
