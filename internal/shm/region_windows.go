//go:build windows

// File: internal/shm/region_windows.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Windows mapping: pagefile-backed named file mapping in the session-local
// namespace. The kernel reference-counts mapping handles, so unlink is a
// no-op and the object disappears with its last handle.

package shm

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

// Object names are limited by MAX_PATH; keep room for the namespace prefix.
const maxNameLen = 200

var (
	modkernel32          = windows.NewLazySystemDLL("kernel32.dll")
	procOpenFileMappingW = modkernel32.NewProc("OpenFileMappingW")
)

type platformHandle struct {
	mapping windows.Handle
	view    uintptr
}

func kernelName(sanitized string) string {
	return `Local\` + objectName(sanitized)
}

// lockObject takes the named creation mutex for sanitized.
func lockObject(sanitized string) (windows.Handle, error) {
	name, err := windows.UTF16PtrFromString(kernelName(sanitized) + "_lock")
	if err != nil {
		return 0, err
	}
	m, err := windows.CreateMutex(nil, false, name)
	if m == 0 {
		return 0, fmt.Errorf("shm: create mutex: %w", err)
	}
	if _, err := windows.WaitForSingleObject(m, windows.INFINITE); err != nil {
		windows.CloseHandle(m)
		return 0, fmt.Errorf("shm: wait mutex: %w", err)
	}
	return m, nil
}

func unlockObject(m windows.Handle) {
	windows.ReleaseMutex(m)
	windows.CloseHandle(m)
}

func createRegion(_ string, sanitized string, size int, setup SetupFunc) (*Region, error) {
	m, err := lockObject(sanitized)
	if err != nil {
		return nil, err
	}
	defer unlockObject(m)

	name, err := windows.UTF16PtrFromString(kernelName(sanitized))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", err, sanitized)
	}
	sz := uint64(size)
	// ERROR_ALREADY_EXISTS comes back with a valid handle to the existing object.
	h, err := windows.CreateFileMapping(windows.InvalidHandle, nil, windows.PAGE_READWRITE,
		uint32(sz>>32), uint32(sz), name)
	if h == 0 {
		return nil, fmt.Errorf("shm: CreateFileMapping %s: %w", sanitized, err)
	}
	return mapAndSetup(h, sanitized, setup)
}

func openRegion(_ string, sanitized string, setup SetupFunc) (*Region, error) {
	m, err := lockObject(sanitized)
	if err != nil {
		return nil, err
	}
	defer unlockObject(m)

	name, err := windows.UTF16PtrFromString(kernelName(sanitized))
	if err != nil {
		return nil, err
	}
	r1, _, e1 := procOpenFileMappingW.Call(
		uintptr(windows.FILE_MAP_READ|windows.FILE_MAP_WRITE), 0, uintptr(unsafe.Pointer(name)))
	if r1 == 0 {
		return nil, fmt.Errorf("shm: OpenFileMapping %s: %w", sanitized, e1)
	}
	return mapAndSetup(windows.Handle(r1), sanitized, setup)
}

func mapAndSetup(h windows.Handle, sanitized string, setup SetupFunc) (*Region, error) {
	addr, err := windows.MapViewOfFile(h, windows.FILE_MAP_READ|windows.FILE_MAP_WRITE, 0, 0, 0)
	if err != nil {
		windows.CloseHandle(h)
		return nil, fmt.Errorf("shm: MapViewOfFile %s: %w", sanitized, err)
	}
	var info windows.MemoryBasicInformation
	if err := windows.VirtualQuery(addr, &info, unsafe.Sizeof(info)); err != nil {
		windows.UnmapViewOfFile(addr)
		windows.CloseHandle(h)
		return nil, fmt.Errorf("shm: VirtualQuery %s: %w", sanitized, err)
	}
	mem := unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(info.RegionSize))
	r := &Region{
		name:   sanitized,
		path:   kernelName(sanitized),
		mem:    mem,
		handle: platformHandle{mapping: h, view: addr},
	}
	if setup != nil {
		if err := setup(mem); err != nil {
			closeRegion(r)
			return nil, err
		}
	}
	return r, nil
}

func closeRegion(r *Region) error {
	var firstErr error
	if r.handle.view != 0 {
		if err := windows.UnmapViewOfFile(r.handle.view); err != nil {
			firstErr = err
		}
		r.handle.view = 0
	}
	if r.handle.mapping != 0 {
		if err := windows.CloseHandle(r.handle.mapping); err != nil && firstErr == nil {
			firstErr = err
		}
		r.handle.mapping = 0
	}
	return firstErr
}

func unlinkRegion(string, string) error { return nil }

// Pagefile-backed views are coherent across processes; nothing to flush.
func syncMemory([]byte) error { return nil }
