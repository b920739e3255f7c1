// File: internal/shm/limits_darwin.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package shm

// PSHMNAMLEN on macOS.
const maxNameLen = 31
