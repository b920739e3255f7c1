// Package ipc
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Connections between two processes on one host. A Listener publishes a
// rendezvous file naming its JSON-RPC control endpoint; Dial calls
// Control.Connect there, learns the ring pair the listener allocated and
// attaches it, or falls back to a loopback socket matched by connection id.
//
// Every Conn operation passes through a circuit breaker, is bounded by the
// configured operation timeout and is recorded in the metrics registry.
package ipc
