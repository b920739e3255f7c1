//go:build unix && !darwin

// File: internal/shm/limits_unix.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package shm

// NAME_MAX for a file under /dev/shm.
const maxNameLen = 255
