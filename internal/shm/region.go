// File: internal/shm/region.go
// Package shm maps named shared memory regions into the process.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A Region is a byte slice backed by an OS object that unrelated processes
// can map by name. Platform files supply create/open/unlink; this file holds
// the portable surface.

package shm

import (
	"fmt"
	"sync"
)

// SetupFunc initializes or validates a freshly mapped region. It runs while
// the region's cross-process creation lock is held, so two processes racing
// to create the same name never both initialize it.
type SetupFunc func(mem []byte) error

// Region is one mapping of a named shared memory object.
type Region struct {
	name       string // sanitized "/name"
	path       string // filesystem path or kernel object name
	mem        []byte
	fileBacked bool
	handle     platformHandle

	closeOnce sync.Once
	closeErr  error
}

// Name returns the sanitized object name.
func (r *Region) Name() string { return r.name }

// Path returns the OS-level location of the object.
func (r *Region) Path() string { return r.path }

// Bytes returns the mapped memory. The slice is invalid after Close.
func (r *Region) Bytes() []byte { return r.mem }

// Size returns the mapped length in bytes.
func (r *Region) Size() int { return len(r.mem) }

// FileBacked reports whether the mapping is backed by a regular file rather
// than a memory-only object, in which case publishers must call Sync.
func (r *Region) FileBacked() bool { return r.fileBacked }

// Sync schedules dirty pages for write-back. No-op for memory-only objects.
func (r *Region) Sync() error {
	if !r.fileBacked || r.mem == nil {
		return nil
	}
	return syncMemory(r.mem)
}

// Close unmaps the region. It does not remove the named object.
func (r *Region) Close() error {
	r.closeOnce.Do(func() {
		r.closeErr = closeRegion(r)
		r.mem = nil
	})
	return r.closeErr
}

// Create opens the named object, creating it with size bytes if it does not
// exist or is smaller, maps it, and runs setup under the creation lock.
func Create(dir, name string, size int, setup SetupFunc) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("shm: invalid size %d", size)
	}
	sanitized, err := Sanitize(name)
	if err != nil {
		return nil, err
	}
	return createRegion(dir, sanitized, size, setup)
}

// Open maps an existing named object in full. setup validates the contents.
func Open(dir, name string, setup SetupFunc) (*Region, error) {
	sanitized, err := Sanitize(name)
	if err != nil {
		return nil, err
	}
	return openRegion(dir, sanitized, setup)
}

// Unlink removes the named object so no new process can attach. Existing
// mappings stay valid until closed.
func Unlink(dir, name string) error {
	sanitized, err := Sanitize(name)
	if err != nil {
		return err
	}
	return unlinkRegion(dir, sanitized)
}
