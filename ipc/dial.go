// File: ipc/dial.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package ipc

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/momentics/hioload-ipc/api"
	"github.com/momentics/hioload-ipc/internal/frame"
	"github.com/momentics/hioload-ipc/internal/shm"
	"github.com/momentics/hioload-ipc/internal/transport"
	"github.com/momentics/hioload-ipc/logging"
)

// Dial connects to the listener serving name. It attaches the ring pair
// the listener offers; if that fails it asks for a socket instead and
// dials the listener's data port. The returned Conn's descriptor says which
// transport was chosen and why.
func Dial(ctx context.Context, name string, opts ...Option) (*Conn, error) {
	o := newOptions(opts)
	ctx, cancel := context.WithTimeout(ctx, HandshakeTimeout)
	defer cancel()

	path, err := rendezvousPath(o.cfg.RuntimeDir, name)
	if err != nil {
		return nil, err
	}
	rdv, err := readRendezvous(path)
	if err != nil {
		return nil, err
	}
	cc := newControlClient(rdv.Control)
	force := strings.ToLower(o.cfg.ForceTransport)

	cur, err := cc.connect(ctx, &ConnectArgs{
		Version:      ProtocolVersion,
		PID:          os.Getpid(),
		PreferSocket: force == transport.TierSocket,
	})
	if err != nil {
		return nil, fmt.Errorf("ipc: dial %q: %w", name, err)
	}

	dialSocket := func(ctx context.Context) (net.Conn, error) {
		if cur.Tier != transport.TierSocket {
			next, err := cc.connect(ctx, &ConnectArgs{
				Version:      ProtocolVersion,
				PID:          os.Getpid(),
				PreferSocket: true,
				Replace:      cur.ConnID,
				ReplaceToken: cur.Token,
			})
			if err != nil {
				return nil, err
			}
			cur = next
		}
		return dialData(ctx, cur)
	}

	selForce := force
	if cur.Tier == transport.TierSocket {
		selForce = transport.TierSocket
	}
	reg := shm.NewRegistry(cur.ShmDir)
	t, err := o.selector(reg, selForce).Open(ctx, transport.Endpoint{
		Role:         transport.RoleAttach,
		SendRing:     cur.SendRing,
		RecvRing:     cur.RecvRing,
		DialSocket:   dialSocket,
		SocketReason: cur.Reason,
	})
	if err != nil {
		_ = reg.Close()
		return nil, fmt.Errorf("ipc: dial %q: %w", name, err)
	}
	if cur.Tier == transport.TierSharedMemory {
		if err := cc.attached(ctx, cur.ConnID, cur.Token); err != nil {
			_ = t.Close()
			_ = reg.Close()
			return nil, fmt.Errorf("ipc: dial %q: %w", name, err)
		}
	}
	c := newConn(cur.ConnID, SideDialer, t, o)
	c.onClose = append(c.onClose, func() { _ = reg.Close() })
	d := c.Descriptor()
	o.log.Info("connected",
		logging.String("name", name),
		logging.Uint64("conn", c.id),
		logging.String("transport", d.Platform),
		logging.String("performance", d.Performance.String()),
		logging.Bool("fallback", d.Fallback))
	return c, nil
}

// dialData opens the fallback socket and completes the hello exchange.
func dialData(ctx context.Context, offer ConnectReply) (net.Conn, error) {
	token, err := hex.DecodeString(offer.Token)
	if err != nil || len(token) != tokenLen {
		return nil, fmt.Errorf("ipc: bad offer token: %w", api.ErrInvalidArgument)
	}
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", offer.DataAddr)
	if err != nil {
		return nil, err
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = nc.SetDeadline(dl)
	}
	msg := make([]byte, helloLen)
	binary.LittleEndian.PutUint64(msg, offer.ConnID)
	copy(msg[8:], token)
	if err := frame.Write(nc, msg, helloLen); err != nil {
		nc.Close()
		return nil, err
	}
	ack, err := frame.Read(nc, 1)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ipc: socket hello: %w", err)
	}
	if len(ack) != 1 || ack[0] != 0 {
		nc.Close()
		return nil, fmt.Errorf("ipc: socket hello rejected for conn %d: %w", offer.ConnID, api.ErrNotFound)
	}
	_ = nc.SetDeadline(time.Time{})
	return nc, nil
}
