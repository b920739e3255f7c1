// File: ipc/options.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package ipc

import (
	"time"

	"github.com/momentics/hioload-ipc/api"
	"github.com/momentics/hioload-ipc/control"
	"github.com/momentics/hioload-ipc/internal/breaker"
	"github.com/momentics/hioload-ipc/internal/shm"
	"github.com/momentics/hioload-ipc/internal/transport"
	"github.com/momentics/hioload-ipc/logging"
)

// ProtocolVersion is checked by Control.Connect.
const ProtocolVersion = 1

// HandshakeTimeout bounds rendezvous, Connect and the data-socket hello. A
// ring pair nobody attaches within it is released.
const HandshakeTimeout = 10 * time.Second

type options struct {
	cfg       control.Config
	store     *control.ConfigStore
	log       logging.Logger
	metrics   *control.MetricsRegistry
	probes    *control.DebugProbes
	clock     func() time.Time
	newWaiter func() api.Waiter
	retry     *transport.RetryPolicy
	backlog   int
	shmDir    string
}

// Option configures Listen and Dial.
type Option func(*options)

func newOptions(opts []Option) *options {
	o := &options{cfg: control.DefaultConfig(), backlog: 64}
	for _, fn := range opts {
		fn(o)
	}
	if o.store != nil {
		o.cfg = o.store.Snapshot()
	}
	o.log = logging.OrNoop(o.log)
	if o.metrics == nil {
		o.metrics = control.NewMetricsRegistry()
	}
	if o.probes == nil {
		o.probes = control.NewDebugProbes()
	}
	return o
}

// WithConfig sets ring size, breaker thresholds, op timeout, runtime dir
// and forced tier.
func WithConfig(cfg control.Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithConfigStore takes the config from store and follows its reloads:
// breaker thresholds and op timeout apply to live connections.
func WithConfigStore(store *control.ConfigStore) Option {
	return func(o *options) { o.store = store }
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithMetrics shares a metrics registry.
func WithMetrics(m *control.MetricsRegistry) Option {
	return func(o *options) { o.metrics = m }
}

// WithProbes shares a probe registry; each Conn registers one probe.
func WithProbes(p *control.DebugProbes) Option {
	return func(o *options) { o.probes = p }
}

// WithClock replaces time.Now in breakers.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// WithWaiterFactory replaces the platform waiter.
func WithWaiterFactory(fn func() api.Waiter) Option {
	return func(o *options) { o.newWaiter = fn }
}

// WithRetryPolicy sets the BufferFull backoff.
func WithRetryPolicy(p transport.RetryPolicy) Option {
	return func(o *options) { o.retry = &p }
}

// WithBacklog sets how many handshaken connections wait for Accept.
func WithBacklog(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.backlog = n
		}
	}
}

func breakerConfig(c control.Config) breaker.Config {
	return breaker.Config{
		ErrorThreshold:        c.ErrorThreshold,
		WindowDuration:        c.WindowDuration,
		ResetTimeout:          c.ResetTimeout,
		SuccessThreshold:      c.SuccessThreshold,
		ConsecutiveErrorLimit: c.ConsecutiveErrorLimit,
	}
}

func (o *options) newBreaker() *breaker.Breaker {
	var bopts []breaker.Option
	if o.clock != nil {
		bopts = append(bopts, breaker.WithClock(o.clock))
	}
	return breaker.New(breakerConfig(o.cfg), bopts...)
}

func (o *options) selector(reg *shm.Registry, force string) *transport.Selector {
	sopts := []transport.SelectorOption{transport.WithLogger(o.log)}
	if force == "" {
		force = o.cfg.ForceTransport
	}
	if force != "" && force != "auto" {
		sopts = append(sopts, transport.WithForce(force))
	}
	if o.newWaiter != nil {
		sopts = append(sopts, transport.WithWaiterFactory(o.newWaiter))
	}
	if o.retry != nil {
		sopts = append(sopts, transport.WithRetryPolicy(*o.retry))
	}
	return transport.NewSelector(reg, sopts...)
}
