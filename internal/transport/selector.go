// File: internal/transport/selector.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Selector walks the platform's transport tiers once per connection and
// returns the first that comes up. Tier failures caused by a missing
// platform primitive are logged once per process; everything else is
// logged at debug level per attempt.

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"strings"
	"sync"

	"github.com/momentics/hioload-ipc/api"
	"github.com/momentics/hioload-ipc/internal/frame"
	"github.com/momentics/hioload-ipc/internal/ring"
	"github.com/momentics/hioload-ipc/internal/shm"
	"github.com/momentics/hioload-ipc/internal/waiter"
	"github.com/momentics/hioload-ipc/logging"
)

// Role says whether this side allocates the rings or attaches to them.
type Role int

const (
	// RoleCreate allocates both rings; the listener side.
	RoleCreate Role = iota
	// RoleAttach maps rings the peer already created; the dialing side.
	RoleAttach
)

// Tier names accepted by Selector.Force.
const (
	TierSharedMemory = "shm"
	TierSocket       = "socket"
)

// Endpoint is everything the tiers need to bring one connection up.
type Endpoint struct {
	Role Role
	// SendRing and RecvRing are ring names from this side's point of view.
	SendRing string
	RecvRing string
	RingSize int
	// DialSocket yields the fallback stream. Nil disables the socket tier.
	DialSocket func(ctx context.Context) (net.Conn, error)
	// MaxFrame caps socket frames; zero means frame.MaxPayload.
	MaxFrame int
	// SocketReason explains a socket chosen before any ring tier ran, for
	// example because the peer offered only a socket.
	SocketReason string
}

// Selector opens transports. The zero value is not usable; see NewSelector.
type Selector struct {
	registry  *shm.Registry
	log       logging.Logger
	retry     RetryPolicy
	force     string
	newWaiter func() api.Waiter
	tiers     []tier
}

// SelectorOption customizes a Selector.
type SelectorOption func(*Selector)

// WithLogger sets the logger.
func WithLogger(l logging.Logger) SelectorOption {
	return func(s *Selector) { s.log = logging.OrNoop(l) }
}

// WithRetryPolicy sets the shared-memory write backoff.
func WithRetryPolicy(p RetryPolicy) SelectorOption {
	return func(s *Selector) { s.retry = p }
}

// WithForce restricts selection to one tier ("shm" or "socket").
func WithForce(tier string) SelectorOption {
	return func(s *Selector) { s.force = strings.ToLower(tier) }
}

// WithWaiterFactory replaces waiter.New.
func WithWaiterFactory(fn func() api.Waiter) SelectorOption {
	return func(s *Selector) { s.newWaiter = fn }
}

// NewSelector returns a selector mapping rings through reg.
func NewSelector(reg *shm.Registry, opts ...SelectorOption) *Selector {
	s := &Selector{
		registry:  reg,
		log:       logging.Noop{},
		retry:     DefaultRetryPolicy(),
		newWaiter: waiter.New,
		tiers:     platformTiers(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Registry returns the region registry.
func (s *Selector) Registry() *shm.Registry { return s.registry }

// tier is one way of bringing a connection up.
type tier struct {
	name string
	open func(s *Selector, ctx context.Context, ep Endpoint) (api.Transport, error)
}

// Open returns the first tier that succeeds. The descriptor of a fallback
// transport carries the reason the preferred tier was skipped.
func (s *Selector) Open(ctx context.Context, ep Endpoint) (api.Transport, error) {
	var errs []error
	var reasons []string
	for _, t := range s.tiers {
		if s.force != "" && s.force != t.name {
			continue
		}
		tr, err := t.open(s, ctx, ep)
		if err == nil {
			if len(reasons) > 0 {
				d := tr.Descriptor()
				d.Fallback = true
				d.Reason = strings.Join(reasons, "; ")
				tr = withDescriptor(tr, d)
			}
			s.log.Debug("transport selected",
				logging.String("tier", t.name),
				logging.String("platform", tr.PlatformName()),
				logging.String("performance", tr.ExpectedPerformance().String()))
			return NewGuard(tr), nil
		}
		if ctx.Err() != nil {
			return nil, ctxErr(ctx)
		}
		errs = append(errs, fmt.Errorf("%s: %w", t.name, err))
		reasons = append(reasons, fmt.Sprintf("%s: %v", t.name, err))
		if errors.Is(err, api.ErrPlatformUnavailable) {
			s.logOnce(t.name, err)
		} else {
			s.log.Debug("transport tier failed", logging.String("tier", t.name), logging.Err(err))
		}
	}
	return nil, fmt.Errorf("%w: %w", api.ErrNoTransport, errors.Join(errs...))
}

var unavailableOnce sync.Map // tier name -> struct{}

func (s *Selector) logOnce(tier string, err error) {
	if _, seen := unavailableOnce.LoadOrStore(tier, struct{}{}); seen {
		return
	}
	s.log.Warn("transport tier unavailable on this platform",
		logging.String("tier", tier), logging.String("os", runtime.GOOS), logging.Err(err))
}

// openSharedMemory creates or attaches the ring pair. allowPoll lets a host
// without a kernel wait primitive run shared memory with the poll waiter.
func openSharedMemory(allowPoll bool) func(*Selector, context.Context, Endpoint) (api.Transport, error) {
	return func(s *Selector, ctx context.Context, ep Endpoint) (api.Transport, error) {
		w := s.newWaiter()
		perf := api.PerformanceOptimal
		if err := waiter.Probe(w); err != nil {
			if !allowPoll {
				return nil, err
			}
			s.logOnce("waiter", err)
			w = waiter.NewPoll()
		}
		if _, ok := w.(*waiter.Poll); ok {
			perf = api.PerformanceSharedPoll
		}

		var send, recv *ring.Ring
		var err error
		switch ep.Role {
		case RoleCreate:
			send, err = ring.Create(s.registry, ep.SendRing, ep.RingSize)
			if err == nil {
				recv, err = ring.Create(s.registry, ep.RecvRing, ep.RingSize)
			}
		default:
			send, err = ring.Open(s.registry, ep.SendRing)
			if err == nil {
				recv, err = ring.Open(s.registry, ep.RecvRing)
			}
		}
		if err != nil {
			if send != nil {
				_ = send.Close()
			}
			return nil, err
		}
		desc := api.Descriptor{
			Name:        send.Name(),
			Platform:    "shared-memory/" + runtime.GOOS,
			Waiter:      w.Name(),
			Performance: perf,
		}
		return NewSharedMemory(send, recv, w, s.retry, desc), nil
	}
}

func openSocket(s *Selector, ctx context.Context, ep Endpoint) (api.Transport, error) {
	if ep.DialSocket == nil {
		return nil, errors.New("no socket endpoint")
	}
	conn, err := ep.DialSocket(ctx)
	if err != nil {
		return nil, err
	}
	limit := ep.MaxFrame
	if limit <= 0 {
		limit = frame.MaxPayload
	}
	desc := api.Descriptor{
		Name:        conn.RemoteAddr().String(),
		Platform:    "socket/" + conn.LocalAddr().Network(),
		Performance: api.PerformanceSocket,
		Fallback:    true,
		Reason:      ep.SocketReason,
	}
	return NewSocket(conn, limit, desc), nil
}

// described overrides the descriptor of a transport.
type described struct {
	api.Transport
	desc api.Descriptor
}

func withDescriptor(t api.Transport, d api.Descriptor) api.Transport {
	return &described{Transport: t, desc: d}
}

func (d *described) Descriptor() api.Descriptor { return d.desc }

// Unwrap returns the transport underneath.
func (d *described) Unwrap() api.Transport { return d.Transport }
