//go:build !unix && !windows

// File: internal/transport/socket_other.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import "net"

func tuneConn(net.Conn) {}
