// File: internal/concurrency/workerpool.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// WorkerPool shards sources across workers. A worker owns its shard queue
// (eapache/queue, guarded by the worker's mutex for Register) and rotates
// through it: pop a source, drain up to BatchSize frames, push it back.
// Frames cross to the worker's dispatcher through a RingBuffer.

package concurrency

import (
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"

	"github.com/momentics/hioload-ipc/affinity"
	"github.com/momentics/hioload-ipc/api"
	"github.com/momentics/hioload-ipc/logging"
)

// ErrPoolClosed is returned by Register after Close.
var ErrPoolClosed = errors.New("worker pool closed")

// Source is a connection receive side the pool can drain without blocking.
type Source interface {
	ID() uint64
	TryReadBatch(limit int) ([][]byte, error)
}

// Handler consumes one frame from source id. It runs on the dispatcher
// goroutine of the worker that drained the frame.
type Handler func(id uint64, frame []byte)

// ErrorHandler is told when a source fails; the source is dropped.
type ErrorHandler func(id uint64, err error)

// WorkerPoolConfig tunes the pool.
type WorkerPoolConfig struct {
	// Workers defaults to max(1, NumCPU/4).
	Workers int
	// Pin binds worker i to affinity.CPUFor(i, PinStride).
	Pin       bool
	PinStride int
	// BatchSize caps frames taken from one source per visit.
	BatchSize int
	// HandoffSize is the worker→dispatcher ring size.
	HandoffSize uint64
	// IdleSpins empty rotations before the worker yields, then sleeps IdleSleep.
	IdleSpins int
	IdleSleep time.Duration
	OnError   ErrorHandler
	Log       logging.Logger
}

// DefaultWorkers is max(1, NumCPU/4).
func DefaultWorkers() int { return max(1, runtime.NumCPU()/4) }

func (c WorkerPoolConfig) withDefaults() WorkerPoolConfig {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers()
	}
	if c.PinStride <= 0 {
		c.PinStride = 1
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 32
	}
	if c.HandoffSize == 0 {
		c.HandoffSize = 4096
	}
	if c.IdleSpins <= 0 {
		c.IdleSpins = 64
	}
	if c.IdleSleep <= 0 {
		c.IdleSleep = 50 * time.Microsecond
	}
	c.Log = logging.OrNoop(c.Log)
	return c
}

// PoolStats is a snapshot of pool counters.
type PoolStats struct {
	Workers  int    `json:"workers"`
	Sources  int    `json:"sources"`
	Frames   uint64 `json:"frames"`
	Errors   uint64 `json:"errors"`
	Stalls   uint64 `json:"handoff_stalls"`
	PerShard []int  `json:"per_shard"`
	Pinned   []int  `json:"pinned_cpus"`
}

type entry struct {
	src     Source
	removed atomic.Bool
}

type delivery struct {
	id    uint64
	frame []byte
}

type poolWorker struct {
	idx     int
	mu      sync.Mutex
	shard   *queue.Queue // of *entry
	handoff *RingBuffer[delivery]
	cpu     atomic.Int32
	size    atomic.Int32
	stop    chan struct{} // pollers
	done    chan struct{} // dispatchers, closed after every poller returned
}

// WorkerPool drains registered sources on a fixed set of OS threads.
type WorkerPool struct {
	cfg     WorkerPoolConfig
	handler Handler
	workers []*poolWorker

	mu      sync.Mutex
	entries map[uint64]*entry
	owner   map[uint64]*poolWorker
	closed  bool

	frames     atomic.Uint64
	errs       atomic.Uint64
	stalls     atomic.Uint64
	pollers    sync.WaitGroup
	dispatches sync.WaitGroup
}

// NewWorkerPool starts cfg.Workers polling threads plus one dispatcher each.
func NewWorkerPool(cfg WorkerPoolConfig, handler Handler) *WorkerPool {
	cfg = cfg.withDefaults()
	p := &WorkerPool{
		cfg:     cfg,
		handler: handler,
		entries: make(map[uint64]*entry),
		owner:   make(map[uint64]*poolWorker),
	}
	for i := 0; i < cfg.Workers; i++ {
		w := &poolWorker{
			idx:     i,
			shard:   queue.New(),
			handoff: NewRingBuffer[delivery](cfg.HandoffSize),
			stop:    make(chan struct{}),
			done:    make(chan struct{}),
		}
		w.cpu.Store(-1)
		p.workers = append(p.workers, w)
		p.pollers.Add(1)
		p.dispatches.Add(1)
		go p.poll(w)
		go p.dispatch(w)
	}
	return p
}

// Register adds src to the least loaded worker.
func (p *WorkerPool) Register(src Source) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	id := src.ID()
	if _, dup := p.entries[id]; dup {
		return fmt.Errorf("worker pool: source %d already registered: %w", id, api.ErrInvalidArgument)
	}
	target := p.workers[0]
	for _, w := range p.workers[1:] {
		if w.size.Load() < target.size.Load() {
			target = w
		}
	}
	e := &entry{src: src}
	p.entries[id] = e
	p.owner[id] = target
	target.mu.Lock()
	target.shard.Add(e)
	target.mu.Unlock()
	target.size.Add(1)
	return nil
}

// Unregister stops draining id. Frames already handed off are still delivered.
func (p *WorkerPool) Unregister(id uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[id]
	if !ok {
		return false
	}
	e.removed.Store(true)
	delete(p.entries, id)
	delete(p.owner, id)
	return true
}

// Close stops the pollers, then waits for dispatchers to drain hand-offs.
// Every frame taken from a source before Close reaches the handler.
func (p *WorkerPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	for _, w := range p.workers {
		close(w.stop)
	}
	p.pollers.Wait()
	for _, w := range p.workers {
		close(w.done)
	}
	p.dispatches.Wait()
}

// Stats returns counters without stopping the workers.
func (p *WorkerPool) Stats() PoolStats {
	st := PoolStats{
		Workers: len(p.workers),
		Frames:  p.frames.Load(),
		Errors:  p.errs.Load(),
		Stalls:  p.stalls.Load(),
	}
	for _, w := range p.workers {
		n := int(w.size.Load())
		st.Sources += n
		st.PerShard = append(st.PerShard, n)
		st.Pinned = append(st.Pinned, int(w.cpu.Load()))
	}
	return st
}

func (p *WorkerPool) poll(w *poolWorker) {
	defer p.pollers.Done()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if p.cfg.Pin {
		pin := affinity.New()
		cpu := affinity.CPUFor(w.idx, p.cfg.PinStride)
		if err := pin.Pin(cpu); err != nil {
			p.cfg.Log.Warn("worker pin failed", logging.Int("worker", w.idx), logging.Int("cpu", cpu), logging.Err(err))
		} else {
			w.cpu.Store(int32(cpu))
			defer pin.Unpin()
		}
	}
	idle := 0
	for {
		select {
		case <-w.stop:
			return
		default:
		}
		if p.rotate(w) {
			idle = 0
			continue
		}
		idle++
		switch {
		case idle < p.cfg.IdleSpins:
		case idle < 2*p.cfg.IdleSpins:
			runtime.Gosched()
		default:
			time.Sleep(p.cfg.IdleSleep)
		}
	}
}

// rotate visits every source in w's shard once. It reports whether any
// frame was seen.
func (p *WorkerPool) rotate(w *poolWorker) bool {
	w.mu.Lock()
	n := w.shard.Length()
	w.mu.Unlock()
	busy := false
	for i := 0; i < n; i++ {
		w.mu.Lock()
		e := w.shard.Remove().(*entry)
		w.mu.Unlock()
		if e.removed.Load() {
			w.size.Add(-1)
			continue
		}
		frames, err := e.src.TryReadBatch(p.cfg.BatchSize)
		for _, f := range frames {
			p.handoff(w, delivery{id: e.src.ID(), frame: f})
		}
		if len(frames) > 0 {
			busy = true
		}
		if err != nil {
			p.fail(w, e, err)
			continue
		}
		w.mu.Lock()
		w.shard.Add(e)
		w.mu.Unlock()
	}
	return busy
}

// handoff blocks until the dispatcher has room. The frame is already gone
// from its source, so it is never dropped, not even during Close.
func (p *WorkerPool) handoff(w *poolWorker, d delivery) {
	for spins := 0; !w.handoff.Enqueue(d); spins++ {
		if spins == 0 {
			p.stalls.Add(1)
		}
		runtime.Gosched()
	}
}

func (p *WorkerPool) fail(w *poolWorker, e *entry, err error) {
	w.size.Add(-1)
	id := e.src.ID()
	p.mu.Lock()
	if p.entries[id] == e {
		delete(p.entries, id)
		delete(p.owner, id)
	}
	p.mu.Unlock()
	e.removed.Store(true)
	if errors.Is(err, io.EOF) || errors.Is(err, api.ErrClosed) {
		p.cfg.Log.Debug("source finished", logging.Uint64("source", id))
	} else {
		p.errs.Add(1)
		p.cfg.Log.Warn("source dropped", logging.Uint64("source", id), logging.Err(err))
	}
	if p.cfg.OnError != nil {
		p.cfg.OnError(id, err)
	}
}

func (p *WorkerPool) dispatch(w *poolWorker) {
	defer p.dispatches.Done()
	idle := 0
	for {
		d, ok := w.handoff.Dequeue()
		if ok {
			idle = 0
			p.frames.Add(1)
			p.handler(d.id, d.frame)
			continue
		}
		select {
		case <-w.done:
			// the poller has returned; nothing more will be enqueued
			for {
				d, ok := w.handoff.Dequeue()
				if !ok {
					return
				}
				p.frames.Add(1)
				p.handler(d.id, d.frame)
			}
		default:
		}
		idle++
		if idle < p.cfg.IdleSpins {
			runtime.Gosched()
		} else {
			time.Sleep(p.cfg.IdleSleep)
		}
	}
}
