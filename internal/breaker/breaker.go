// File: internal/breaker/breaker.go
// Package breaker implements a Closed/Open/HalfOpen circuit breaker with a
// rolling error window.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Open moves to HalfOpen lazily, inside Allow, once ResetTimeout has passed
// since the last transition; there is no background timer. Record calls
// serialize on a mutex that covers bookkeeping only. Stats never takes it.

package breaker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"

	"github.com/momentics/hioload-ipc/api"
)

// State of the breaker.
type State int32

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds breaker thresholds. Zero fields take DefaultConfig values.
type Config struct {
	// ErrorThreshold is the window error rate, in percent, that opens the breaker.
	ErrorThreshold float64
	// WindowDuration is the rolling window length.
	WindowDuration time.Duration
	// ResetTimeout is how long Open lasts before a trial is allowed.
	ResetTimeout time.Duration
	// SuccessThreshold is the consecutive HalfOpen successes needed to close.
	SuccessThreshold int
	// ConsecutiveErrorLimit opens the breaker regardless of the window.
	ConsecutiveErrorLimit int
	// MinRequests is the window population below which the rate rule is ignored.
	MinRequests int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		ErrorThreshold:        50,
		WindowDuration:        10 * time.Second,
		ResetTimeout:          5 * time.Second,
		SuccessThreshold:      3,
		ConsecutiveErrorLimit: 5,
		MinRequests:           10,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = d.ErrorThreshold
	}
	if c.WindowDuration <= 0 {
		c.WindowDuration = d.WindowDuration
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = d.ResetTimeout
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.ConsecutiveErrorLimit <= 0 {
		c.ConsecutiveErrorLimit = d.ConsecutiveErrorLimit
	}
	if c.MinRequests <= 0 {
		c.MinRequests = d.MinRequests
	}
	return c
}

// Stats is a snapshot. Window figures cover the last WindowDuration as of
// the most recent record call.
type Stats struct {
	State               State     `json:"state"`
	Requests            int       `json:"requests"`
	Failures            int       `json:"failures"`
	ErrorRate           float64   `json:"error_rate"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	TotalSuccesses      uint64    `json:"total_successes"`
	TotalFailures       uint64    `json:"total_failures"`
	Rejected            uint64    `json:"rejected"`
	LastChange          time.Time `json:"last_change"`
}

type event struct {
	at     time.Time
	failed bool
}

type window struct {
	requests int
	failures int
}

func (w window) rate() float64 {
	if w.requests == 0 {
		return 0
	}
	return float64(w.failures) / float64(w.requests) * 100
}

// Option customizes a Breaker.
type Option func(*Breaker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// Breaker is safe for concurrent use.
type Breaker struct {
	now func() time.Time

	mu              sync.Mutex
	cfg             Config
	events          *queue.Queue
	win             window
	consecutive     int
	halfOpenSuccess int
	onChange        []func(from, to State)

	state       atomic.Int32
	changedAt   atomic.Int64 // unix nanos
	consecAtom  atomic.Int32
	successes   atomic.Uint64
	failures    atomic.Uint64
	rejected    atomic.Uint64
	winSnapshot atomic.Pointer[window]
}

// New returns a Closed breaker.
func New(cfg Config, opts ...Option) *Breaker {
	b := &Breaker{
		now:    time.Now,
		cfg:    cfg.withDefaults(),
		events: queue.New(),
	}
	for _, o := range opts {
		o(b)
	}
	b.changedAt.Store(b.now().UnixNano())
	b.winSnapshot.Store(&window{})
	return b
}

// State returns the current state without evaluating the reset timeout.
func (b *Breaker) State() State { return State(b.state.Load()) }

// Config returns the active thresholds.
func (b *Breaker) Config() Config {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg
}

// Update swaps thresholds in place. State and window are preserved.
func (b *Breaker) Update(cfg Config) {
	b.mu.Lock()
	b.cfg = cfg.withDefaults()
	b.mu.Unlock()
}

// OnStateChange registers fn to run after every transition, outside the lock.
func (b *Breaker) OnStateChange(fn func(from, to State)) {
	b.mu.Lock()
	b.onChange = append(b.onChange, fn)
	b.mu.Unlock()
}

// Allow reports whether a request may proceed. In Open it performs the lazy
// transition to HalfOpen once ResetTimeout has elapsed.
func (b *Breaker) Allow() bool {
	switch State(b.state.Load()) {
	case Closed, HalfOpen:
		return true
	}
	b.mu.Lock()
	if State(b.state.Load()) != Open {
		b.mu.Unlock()
		return true
	}
	since := b.now().Sub(time.Unix(0, b.changedAt.Load()))
	if since < b.cfg.ResetTimeout {
		b.mu.Unlock()
		b.rejected.Add(1)
		return false
	}
	hooks := b.transitionLocked(HalfOpen)
	b.mu.Unlock()
	notify(hooks, Open, HalfOpen)
	return true
}

// RecordSuccess feeds a successful outcome.
func (b *Breaker) RecordSuccess() { b.record(false) }

// RecordFailure feeds a failed outcome.
func (b *Breaker) RecordFailure() { b.record(true) }

func (b *Breaker) record(failed bool) {
	now := b.now()
	b.mu.Lock()
	b.events.Add(event{at: now, failed: failed})
	b.win.requests++
	if failed {
		b.win.failures++
		b.consecutive++
		b.failures.Add(1)
	} else {
		b.consecutive = 0
		b.successes.Add(1)
	}
	b.pruneLocked(now)

	from := State(b.state.Load())
	to := from
	switch from {
	case Closed:
		if failed && (b.consecutive >= b.cfg.ConsecutiveErrorLimit ||
			(b.win.requests >= b.cfg.MinRequests && b.win.rate() > b.cfg.ErrorThreshold)) {
			to = Open
		}
	case HalfOpen:
		if failed {
			to = Open
		} else {
			b.halfOpenSuccess++
			if b.halfOpenSuccess >= b.cfg.SuccessThreshold {
				to = Closed
			}
		}
	}
	var hooks []func(from, to State)
	if to != from {
		hooks = b.transitionLocked(to)
	}
	b.publishLocked()
	b.mu.Unlock()
	notify(hooks, from, to)
}

func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.WindowDuration)
	for b.events.Length() > 0 {
		ev := b.events.Peek().(event)
		if !ev.at.Before(cutoff) {
			break
		}
		b.events.Remove()
		b.win.requests--
		if ev.failed {
			b.win.failures--
		}
	}
}

func (b *Breaker) transitionLocked(to State) []func(from, to State) {
	b.state.Store(int32(to))
	b.changedAt.Store(b.now().UnixNano())
	b.halfOpenSuccess = 0
	if to == Closed {
		// a fresh Closed period starts with an empty window
		b.events = queue.New()
		b.win = window{}
		b.consecutive = 0
	}
	b.publishLocked()
	return append([]func(from, to State){}, b.onChange...)
}

func (b *Breaker) publishLocked() {
	w := b.win
	b.winSnapshot.Store(&w)
	b.consecAtom.Store(int32(b.consecutive))
}

func notify(hooks []func(from, to State), from, to State) {
	for _, fn := range hooks {
		fn(from, to)
	}
}

// Execute runs fn when allowed and records its outcome. A rejected call
// returns api.ErrCircuitOpen without running fn.
func (b *Breaker) Execute(fn func() error) error {
	if !b.Allow() {
		return api.ErrCircuitOpen
	}
	err := fn()
	if err != nil {
		b.RecordFailure()
	} else {
		b.RecordSuccess()
	}
	return err
}

// Stats returns a lock-free snapshot.
func (b *Breaker) Stats() Stats {
	w := b.winSnapshot.Load()
	return Stats{
		State:               State(b.state.Load()),
		Requests:            w.requests,
		Failures:            w.failures,
		ErrorRate:           w.rate(),
		ConsecutiveFailures: int(b.consecAtom.Load()),
		TotalSuccesses:      b.successes.Load(),
		TotalFailures:       b.failures.Load(),
		Rejected:            b.rejected.Load(),
		LastChange:          time.Unix(0, b.changedAt.Load()),
	}
}

// Reset forces Closed and clears the window.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := State(b.state.Load())
	hooks := b.transitionLocked(Closed)
	b.mu.Unlock()
	if from != Closed {
		notify(hooks, from, Closed)
	}
}
