//go:build windows

// File: internal/transport/socket_windows.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"net"
	"syscall"

	"golang.org/x/sys/windows"
)

const socketBuffer = 1 << 20

// tuneConn disables Nagle and widens kernel buffers on loopback TCP.
func tuneConn(conn net.Conn) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return
	}
	_ = raw.Control(func(fd uintptr) {
		h := windows.Handle(fd)
		_ = windows.SetsockoptInt(h, windows.IPPROTO_TCP, windows.TCP_NODELAY, 1)
		_ = windows.SetsockoptInt(h, windows.SOL_SOCKET, windows.SO_SNDBUF, socketBuffer)
		_ = windows.SetsockoptInt(h, windows.SOL_SOCKET, windows.SO_RCVBUF, socketBuffer)
	})
}
