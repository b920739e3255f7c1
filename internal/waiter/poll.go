// File: internal/waiter/poll.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Portable waiter built on sync.Cond. In-process wakes are immediate; a
// change made by another process is seen at the next poll tick, since a
// condition variable cannot be signalled across the process boundary.

package waiter

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/momentics/hioload-ipc/api"
)

// DefaultPollInterval bounds how long a cross-process change can go unseen.
const DefaultPollInterval = 200 * time.Microsecond

// Poll is the condition-variable waiter.
type Poll struct {
	mu       sync.Mutex
	cond     *sync.Cond
	gen      uint64
	interval time.Duration
}

// NewPoll returns a condition-variable waiter with DefaultPollInterval.
func NewPoll() api.Waiter { return NewPollInterval(DefaultPollInterval) }

// NewPollInterval returns a poll waiter ticking every interval.
func NewPollInterval(interval time.Duration) *Poll {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	p := &Poll{interval: interval}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *Poll) Name() string { return "condvar-poll" }

func (p *Poll) Wait(addr *uint32, expected uint32, timeout time.Duration) bool {
	if spin(addr, expected) {
		return true
	}
	d := newDeadline(timeout)
	for {
		if atomic.LoadUint32(addr) != expected {
			return true
		}
		left, ok := d.remaining()
		if !ok {
			return false
		}
		p.park(addr, expected, slice(left, p.interval))
	}
}

// park blocks until a wake, a tick of length dur, or a visible change.
func (p *Poll) park(addr *uint32, expected uint32, dur time.Duration) {
	p.mu.Lock()
	start := p.gen
	expired := false
	t := time.AfterFunc(dur, func() {
		p.mu.Lock()
		expired = true
		p.mu.Unlock()
		p.cond.Broadcast()
	})
	for p.gen == start && !expired && atomic.LoadUint32(addr) == expected {
		p.cond.Wait()
	}
	p.mu.Unlock()
	t.Stop()
}

func (p *Poll) WakeOne(*uint32) {
	p.mu.Lock()
	p.gen++
	p.mu.Unlock()
	p.cond.Signal()
}

func (p *Poll) WakeAll(*uint32) {
	p.mu.Lock()
	p.gen++
	p.mu.Unlock()
	p.cond.Broadcast()
}
