// Package control
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Runtime control layer for hioload-ipc: typed configuration with file,
// environment and flag layers, hot reload, metrics and debug probes.
//
// Provides concurrent-safe state handling primitives including:
//   - Snapshot config reads and validated atomic updates
//   - fsnotify-driven reload of the TOML file
//   - Lock-free counters, gauges and latency histograms
//   - Probe registration for state export
package control
