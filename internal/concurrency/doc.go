// File: internal/concurrency/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Worker pool that drains many connections' receive rings from a small,
// fixed set of OS threads, optionally pinned to CPUs. Each worker rotates
// through its shard and hands frames to a dispatcher goroutine over an
// in-process SPSC ring, so handlers run off the polling thread.
package concurrency
