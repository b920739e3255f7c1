//go:build unix

// File: internal/shm/region_unix.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Unix mapping: a file under /dev/shm (tmpfs, memory-only) when present,
// otherwise under the runtime directory (file-backed, needs msync).
// flock(2) on the object serializes creation across processes.

package shm

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

const devShm = "/dev/shm"

type platformHandle struct {
	file *os.File
}

// objectPath resolves where the object lives and whether it is file-backed.
// An explicit dir always wins; it is how tests and sandboxed deployments
// keep objects out of the global namespace.
func objectPath(dir, sanitized string) (string, bool) {
	base := objectName(sanitized)
	if dir != "" {
		return filepath.Join(dir, base), !onTmpfs(dir)
	}
	if info, err := os.Stat(devShm); err == nil && info.IsDir() {
		return filepath.Join(devShm, base), false
	}
	return filepath.Join(os.TempDir(), base), true
}

func onTmpfs(dir string) bool {
	clean := filepath.Clean(dir)
	return clean == devShm || filepath.Dir(clean) == devShm
}

func createRegion(dir, sanitized string, size int, setup SetupFunc) (*Region, error) {
	path, fileBacked := objectPath(dir, sanitized)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("shm: open %s: %w", path, err)
	}
	fd := int(f.Fd())
	if err := unix.Flock(fd, unix.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("shm: lock %s: %w", path, err)
	}
	defer unix.Flock(fd, unix.LOCK_UN)

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shm: stat %s: %w", path, err)
	}
	mapSize := size
	if st.Size() < int64(size) {
		// Growing a file zero-fills the new tail.
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, fmt.Errorf("shm: resize %s: %w", path, err)
		}
	} else {
		mapSize = int(st.Size())
	}
	return mapAndSetup(f, path, sanitized, mapSize, fileBacked, setup)
}

func openRegion(dir, sanitized string, setup SetupFunc) (*Region, error) {
	path, fileBacked := objectPath(dir, sanitized)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("shm: open %s: %w", path, err)
	}
	fd := int(f.Fd())
	if err := unix.Flock(fd, unix.LOCK_SH); err != nil {
		f.Close()
		return nil, fmt.Errorf("shm: lock %s: %w", path, err)
	}
	defer unix.Flock(fd, unix.LOCK_UN)

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shm: stat %s: %w", path, err)
	}
	if st.Size() == 0 {
		f.Close()
		return nil, fmt.Errorf("shm: %s is empty", path)
	}
	return mapAndSetup(f, path, sanitized, int(st.Size()), fileBacked, setup)
}

func mapAndSetup(f *os.File, path, sanitized string, size int, fileBacked bool, setup SetupFunc) (*Region, error) {
	mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shm: mmap %s: %w", path, err)
	}
	r := &Region{
		name:       sanitized,
		path:       path,
		mem:        mem,
		fileBacked: fileBacked,
		handle:     platformHandle{file: f},
	}
	if setup != nil {
		if err := setup(mem); err != nil {
			unix.Munmap(mem)
			f.Close()
			return nil, err
		}
	}
	return r, nil
}

func closeRegion(r *Region) error {
	var firstErr error
	if r.mem != nil {
		if err := unix.Munmap(r.mem); err != nil {
			firstErr = fmt.Errorf("shm: munmap %s: %w", r.path, err)
		}
	}
	if r.handle.file != nil {
		if err := r.handle.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.handle.file = nil
	}
	return firstErr
}

func unlinkRegion(dir, sanitized string) error {
	path, _ := objectPath(dir, sanitized)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("shm: unlink %s: %w", path, err)
	}
	return nil
}

func syncMemory(mem []byte) error {
	return unix.Msync(mem, unix.MS_ASYNC)
}
