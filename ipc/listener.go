// File: ipc/listener.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Listener owns the control endpoint, the fallback data socket and the
// ring pairs it offers. A connection is handed to Accept once the dialer
// confirms it attached the rings or completes the socket hello. A failing
// handshake is logged and dropped; the accept loops keep running.

package ipc

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/momentics/hioload-ipc/api"
	"github.com/momentics/hioload-ipc/control"
	"github.com/momentics/hioload-ipc/internal/breaker"
	"github.com/momentics/hioload-ipc/internal/frame"
	"github.com/momentics/hioload-ipc/internal/shm"
	"github.com/momentics/hioload-ipc/internal/transport"
	"github.com/momentics/hioload-ipc/logging"
)

// helloLen is conn id (8 bytes LE) plus the 16-byte token.
const helloLen = 8 + tokenLen

const tokenLen = 16

// offer is a connection the listener prepared and the dialer has not yet
// claimed.
type offer struct {
	id     uint64
	token  string
	tier   string
	reason string
	t      api.Transport
	expiry *time.Timer
}

// ListenerStats is returned by the Stats RPC.
type ListenerStats struct {
	Name     string           `json:"name"`
	PID      int              `json:"pid"`
	Control  string           `json:"control"`
	Data     string           `json:"data"`
	Accepted uint64           `json:"accepted"`
	Pending  int              `json:"pending"`
	Conns    []ConnStats      `json:"conns"`
	Metrics  control.Snapshot `json:"metrics"`
	Probes   map[string]any   `json:"probes,omitempty"`
}

// Listener accepts connections on one channel name.
type Listener struct {
	name   string
	o      *options
	reg    *shm.Registry
	sel    *transport.Selector
	rdv    string
	rpcLn  net.Listener
	dataLn net.Listener
	srv    *http.Server

	accept   chan *Conn
	done     chan struct{}
	nextID   atomic.Uint64
	accepted atomic.Uint64

	mu     sync.Mutex
	offers map[uint64]*offer
	conns  map[uint64]*Conn
	closed bool
	unsub  func()
	wg     sync.WaitGroup
}

// WithShmDir places ring objects in dir instead of the platform default
// (/dev/shm on Linux). Dialers learn it from Connect.
func WithShmDir(dir string) Option {
	return func(o *options) { o.shmDir = dir }
}

// Listen binds name. It fails if another live listener owns the name.
func Listen(name string, opts ...Option) (*Listener, error) {
	o := newOptions(opts)
	if err := o.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("ipc: config: %w", err)
	}
	if err := os.MkdirAll(o.cfg.RuntimeDir, 0o700); err != nil {
		return nil, fmt.Errorf("ipc: runtime dir: %w", err)
	}
	rdvPath, err := rendezvousPath(o.cfg.RuntimeDir, name)
	if err != nil {
		return nil, err
	}
	if old, err := readRendezvous(rdvPath); err == nil && probeAlive(old.Control) {
		return nil, fmt.Errorf("ipc: %q is served by pid %d: %w", name, old.PID, api.ErrInvalidArgument)
	}

	l := &Listener{
		name:   name,
		o:      o,
		reg:    shm.NewRegistry(o.shmDir),
		rdv:    rdvPath,
		accept: make(chan *Conn, o.backlog),
		done:   make(chan struct{}),
		offers: make(map[uint64]*offer),
		conns:  make(map[uint64]*Conn),
	}
	// shm offers only; the socket tier is negotiated through Connect
	l.sel = o.selector(l.reg, transport.TierSharedMemory)
	l.nextID.Store(randomUint64() >> 16)

	if l.rpcLn, err = net.Listen("tcp", "127.0.0.1:0"); err != nil {
		return nil, fmt.Errorf("ipc: control listen: %w", err)
	}
	if l.dataLn, err = net.Listen("tcp", "127.0.0.1:0"); err != nil {
		l.rpcLn.Close()
		return nil, fmt.Errorf("ipc: data listen: %w", err)
	}
	rpcSrv, err := newRPCServer(l)
	if err != nil {
		l.rpcLn.Close()
		l.dataLn.Close()
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/rpc", rpcSrv)
	l.srv = &http.Server{Handler: mux, ReadHeaderTimeout: HandshakeTimeout}

	err = writeRendezvous(rdvPath, rendezvous{
		Version: ProtocolVersion,
		Name:    name,
		PID:     os.Getpid(),
		Control: "http://" + l.rpcLn.Addr().String() + "/rpc",
		Data:    l.dataLn.Addr().String(),
		Created: time.Now().UTC(),
	})
	if err != nil {
		l.rpcLn.Close()
		l.dataLn.Close()
		return nil, err
	}
	if o.store != nil {
		l.unsub = o.store.OnReload(func(_, cur control.Config) {
			l.mu.Lock()
			l.o.cfg.RingSize = cur.RingSize
			l.mu.Unlock()
		})
	}

	l.wg.Add(2)
	go func() {
		defer l.wg.Done()
		if err := l.srv.Serve(l.rpcLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.o.log.Error("control server stopped", logging.Err(err))
		}
	}()
	go l.dataLoop()

	l.o.log.Info("listening",
		logging.String("name", name),
		logging.String("control", l.rpcLn.Addr().String()),
		logging.String("data", l.dataLn.Addr().String()))
	return l, nil
}

// Name returns the channel name.
func (l *Listener) Name() string { return l.name }

// Metrics returns the registry connections report into.
func (l *Listener) Metrics() *control.MetricsRegistry { return l.o.metrics }

// Probes returns the probe registry.
func (l *Listener) Probes() *control.DebugProbes { return l.o.probes }

// Accept returns the next connection whose handshake completed.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	select {
	case c := <-l.accept:
		return c, nil
	case <-l.done:
		return nil, api.ErrClosed
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, api.ErrTimeout
		}
		return nil, ctx.Err()
	}
}

// offer prepares a connection for a Connect call.
func (l *Listener) offer(ctx context.Context, args *ConnectArgs, reply *ConnectReply) error {
	if args.Version != ProtocolVersion {
		return fmt.Errorf("protocol %d, want %d: %w", args.Version, ProtocolVersion, api.ErrInvalidArgument)
	}
	if args.Replace != 0 {
		l.drop(args.Replace, args.ReplaceToken)
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return api.ErrClosed
	}
	size := l.o.cfg.RingSize
	l.mu.Unlock()
	if args.RingSize != 0 {
		if args.RingSize < control.MinRingSize || args.RingSize > control.MaxRingSize {
			return fmt.Errorf("ring_size %d outside [%d,%d]: %w",
				args.RingSize, control.MinRingSize, control.MaxRingSize, api.ErrInvalidArgument)
		}
		size = args.RingSize
	}

	id := l.nextID.Add(1)
	of := &offer{id: id, token: newToken(), tier: transport.TierSocket}
	*reply = ConnectReply{
		ConnID:   id,
		Token:    of.token,
		Tier:     transport.TierSocket,
		DataAddr: l.dataLn.Addr().String(),
	}

	force := strings.ToLower(l.o.cfg.ForceTransport)
	switch {
	case force == transport.TierSocket:
		reply.Reason = "socket forced by configuration"
	case args.PreferSocket:
		if force == transport.TierSharedMemory {
			return fmt.Errorf("dialer cannot attach and shm is forced: %w", api.ErrNoTransport)
		}
		reply.Reason = "dialer requested socket"
	default:
		send, recv := ringNames(l.name, id)
		t, err := l.sel.Open(ctx, transport.Endpoint{
			Role:     transport.RoleCreate,
			SendRing: send,
			RecvRing: recv,
			RingSize: size,
		})
		if err != nil {
			if force == transport.TierSharedMemory {
				return err
			}
			l.o.log.Warn("shared memory offer failed, offering socket", logging.Uint64("conn", id), logging.Err(err))
			reply.Reason = err.Error()
			break
		}
		of.tier, of.t = transport.TierSharedMemory, t
		reply.Tier = transport.TierSharedMemory
		// the dialer sends on our receive ring
		reply.SendRing, reply.RecvRing = recv, send
		reply.RingSize = size
		reply.ShmDir = l.reg.Dir()
	}

	of.reason = reply.Reason
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		if of.t != nil {
			_ = of.t.Close()
		}
		return api.ErrClosed
	}
	of.expiry = time.AfterFunc(HandshakeTimeout, func() {
		if l.drop(id, of.token) {
			l.o.log.Warn("handshake expired", logging.Uint64("conn", id), logging.String("tier", of.tier))
		}
	})
	l.offers[id] = of
	l.o.log.Debug("connection offered",
		logging.Uint64("conn", id), logging.String("tier", of.tier), logging.Int("pid", args.PID))
	return nil
}

// ringNames returns the listener's send and receive ring names.
func ringNames(name string, id uint64) (send, recv string) {
	base := fmt.Sprintf("%s_%d", strings.TrimLeft(name, "/"), id)
	return base + "_s2c", base + "_c2s"
}

// claim removes and returns a matching offer.
func (l *Listener) claim(id uint64, token, tier string) (*offer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	of, ok := l.offers[id]
	if !ok || of.token != token {
		return nil, fmt.Errorf("conn %d: unknown or expired offer: %w", id, api.ErrNotFound)
	}
	if of.tier != tier {
		return nil, fmt.Errorf("conn %d: offered %s, claimed %s: %w", id, of.tier, tier, api.ErrInvalidArgument)
	}
	delete(l.offers, id)
	of.expiry.Stop()
	return of, nil
}

// drop releases an unclaimed offer.
func (l *Listener) drop(id uint64, token string) bool {
	l.mu.Lock()
	of, ok := l.offers[id]
	if ok && of.token == token {
		delete(l.offers, id)
	} else {
		ok = false
	}
	l.mu.Unlock()
	if !ok {
		return false
	}
	if of.expiry != nil {
		of.expiry.Stop()
	}
	if of.t != nil {
		_ = of.t.Close()
	}
	return true
}

func (l *Listener) attached(id uint64, token string) error {
	of, err := l.claim(id, token, transport.TierSharedMemory)
	if err != nil {
		return err
	}
	return l.deliver(newConn(id, SideListener, of.t, l.o))
}

// deliver registers c and queues it for Accept.
func (l *Listener) deliver(c *Conn) error {
	// hooks are fixed before c becomes reachable from Close
	c.onClose = append(c.onClose, func() {
		l.mu.Lock()
		delete(l.conns, c.id)
		l.mu.Unlock()
	})
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		_ = c.Close()
		return api.ErrClosed
	}
	l.conns[c.id] = c
	l.mu.Unlock()
	select {
	case l.accept <- c:
		l.accepted.Add(1)
		l.o.log.Info("connection established",
			logging.Uint64("conn", c.id), logging.String("transport", c.Descriptor().Platform),
			logging.String("performance", c.Descriptor().Performance.String()))
		return nil
	default:
		_ = c.Close()
		return fmt.Errorf("conn %d: accept backlog full: %w", c.id, api.ErrBufferFull)
	}
}

// dataLoop accepts fallback sockets. Per-connection failures never stop it.
func (l *Listener) dataLoop() {
	defer l.wg.Done()
	acceptLoop(l.dataLn, l.done, l.o.log, func(nc net.Conn) {
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			if err := l.hello(nc); err != nil {
				l.o.log.Warn("socket handshake rejected",
					logging.String("remote", nc.RemoteAddr().String()), logging.Err(err))
				_ = nc.Close()
			}
		}()
	})
}

const (
	acceptBackoffMin = 5 * time.Millisecond
	acceptBackoffMax = time.Second
)

// acceptLoop hands every accepted conn to handle until done is closed or ln
// is closed. Other accept errors (EMFILE, ENFILE, ...) back off and retry.
func acceptLoop(ln net.Listener, done <-chan struct{}, log logging.Logger, handle func(net.Conn)) {
	var delay time.Duration
	for {
		nc, err := ln.Accept()
		if err == nil {
			delay = 0
			handle(nc)
			continue
		}
		select {
		case <-done:
			return
		default:
		}
		if errors.Is(err, net.ErrClosed) {
			return
		}
		if delay == 0 {
			delay = acceptBackoffMin
		} else {
			delay = min(2*delay, acceptBackoffMax)
		}
		log.Warn("data accept failed, retrying", logging.Err(err), logging.Duration("backoff", delay))
		t := time.NewTimer(delay)
		select {
		case <-done:
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// hello matches a data socket to its offer: the dialer sends one frame with
// conn id and token, the listener answers with a one-byte frame.
func (l *Listener) hello(nc net.Conn) error {
	_ = nc.SetDeadline(time.Now().Add(HandshakeTimeout))
	msg, err := frame.Read(nc, helloLen)
	if err != nil {
		return err
	}
	if len(msg) != helloLen {
		return fmt.Errorf("hello of %d bytes: %w", len(msg), api.ErrCorruptFrame)
	}
	id := binary.LittleEndian.Uint64(msg)
	token := hex.EncodeToString(msg[8:])
	of, err := l.claim(id, token, transport.TierSocket)
	if err != nil {
		_ = frame.Write(nc, []byte{1}, 1)
		return err
	}
	if err := frame.Write(nc, []byte{0}, 1); err != nil {
		return err
	}
	_ = nc.SetDeadline(time.Time{})
	desc := api.Descriptor{
		Name:        nc.RemoteAddr().String(),
		Platform:    "socket/" + nc.LocalAddr().Network(),
		Performance: api.PerformanceSocket,
		Fallback:    true,
		Reason:      of.reason,
	}
	t := transport.NewGuard(transport.NewSocket(nc, frame.MaxPayload, desc))
	return l.deliver(newConn(id, SideListener, t, l.o))
}

// Conns returns live connections.
func (l *Listener) Conns() []*Conn {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Conn, 0, len(l.conns))
	for _, c := range l.conns {
		out = append(out, c)
	}
	return out
}

// Stats snapshots the listener and its connections.
func (l *Listener) Stats() ListenerStats {
	l.mu.Lock()
	pending := len(l.offers)
	l.mu.Unlock()
	st := ListenerStats{
		Name:     l.name,
		PID:      os.Getpid(),
		Control:  l.rpcLn.Addr().String(),
		Data:     l.dataLn.Addr().String(),
		Accepted: l.accepted.Load(),
		Pending:  pending,
		Metrics:  l.o.metrics.GetSnapshot(),
		Probes:   map[string]any{},
	}
	for _, c := range l.Conns() {
		st.Conns = append(st.Conns, c.Stats())
	}
	for k, v := range l.o.probes.DumpState() {
		if !strings.HasPrefix(k, "conn.") {
			st.Probes[k] = v
		}
	}
	return st
}

// Health reports DEGRADED while any connection's breaker is open.
func (l *Listener) Health() HealthReply {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	h := HealthReply{Status: StatusServing, PID: os.Getpid()}
	if closed {
		h.Status = StatusNotServing
		return h
	}
	for _, c := range l.Conns() {
		h.Conns++
		if c.br.State() == breaker.Open {
			h.OpenBreakers++
		}
	}
	if h.OpenBreakers > 0 {
		h.Status = StatusDegraded
	}
	return h
}

// Close stops accepting, closes every connection and unclaimed offer, and
// removes the rendezvous file.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	offers := l.offers
	l.offers = map[uint64]*offer{}
	conns := make([]*Conn, 0, len(l.conns))
	for _, c := range l.conns {
		conns = append(conns, c)
	}
	l.mu.Unlock()
	close(l.done)
	if l.unsub != nil {
		l.unsub()
	}

	var errs []error
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	errs = append(errs, l.srv.Shutdown(ctx), l.dataLn.Close())
	for _, of := range offers {
		of.expiry.Stop()
		if of.t != nil {
			errs = append(errs, of.t.Close())
		}
	}
	for _, c := range conns {
		errs = append(errs, c.Close())
	}
	// connections delivered but never accepted
	for drained := false; !drained; {
		select {
		case c := <-l.accept:
			errs = append(errs, c.Close())
		default:
			drained = true
		}
	}
	l.wg.Wait()
	if err := os.Remove(l.rdv); err != nil && !os.IsNotExist(err) {
		errs = append(errs, err)
	}
	errs = append(errs, l.reg.Close())
	return errors.Join(errs...)
}

func newToken() string {
	var b [tokenLen]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

func randomUint64() uint64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return binary.LittleEndian.Uint64(b[:])
}
