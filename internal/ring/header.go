// File: internal/ring/header.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Ring header layout and the only functions allowed to touch it.
//
// The header is shared with another OS process, so no Go struct is laid over
// it and no field is read or written with a plain load or store. Every access
// is an explicit hardware atomic on an offset into the mapping: loads that
// gate data reads are acquire, stores that publish data are release. The
// atomics used here are full barriers on every supported architecture, which
// is at least as strong as the acquire/release pairing the protocol needs.

package ring

import (
	"sync/atomic"
	"unsafe"
)

// Header layout. Offsets are part of the wire format.
const (
	HeaderSize = 64

	offMagic     = 0x00 // u64
	offWritePos  = 0x08 // u64
	offReadPos   = 0x10 // u64
	offCapacity  = 0x18 // u64
	offVersion   = 0x20 // u32
	offFlags     = 0x24 // u32
	offSequence  = 0x28 // u64
	offLastError = 0x30 // u64
	offAttach    = 0x38 // u32, attach reference count
	offOwnerPID  = 0x3C // u32
)

const (
	// Magic is "HIPCRING" read as a little-endian u64.
	Magic uint64 = 0x474E495243504948
	// Version of the header layout.
	Version uint32 = 1
	// MinCapacity is the smallest data region accepted.
	MinCapacity = 64
	// LenPrefix is the frame length prefix size.
	LenPrefix = 4
)

// Header flag bits.
const (
	// FlagOwner marks a region initialized by Create; only such regions are
	// unlinked when the attach count drops to zero.
	FlagOwner uint32 = 1 << iota
	// FlagFileBacked marks a mapping that needs page sync after publish.
	FlagFileBacked
	// FlagClosed is set by a side that will not write again.
	FlagClosed
)

// sequenceLowOff is the offset of the low 32 bits of the sequence counter.
// Waiters park on that word because futex and friends are 32-bit.
var sequenceLowOff = func() uintptr {
	var probe uint16 = 1
	if *(*byte)(unsafe.Pointer(&probe)) == 1 {
		return offSequence
	}
	return offSequence + 4
}()

func ptr64(mem []byte, off uintptr) *uint64 {
	return (*uint64)(unsafe.Pointer(&mem[off]))
}

func ptr32(mem []byte, off uintptr) *uint32 {
	return (*uint32)(unsafe.Pointer(&mem[off]))
}

// loadAcquire64 loads a field written by the other side. Reads of data the
// field guards must come after this call.
func loadAcquire64(mem []byte, off uintptr) uint64 {
	return atomic.LoadUint64(ptr64(mem, off))
}

// storeRelease64 publishes a field. All data writes it covers must precede it.
func storeRelease64(mem []byte, off uintptr, v uint64) {
	atomic.StoreUint64(ptr64(mem, off), v)
}

func add64(mem []byte, off uintptr, delta uint64) uint64 {
	return atomic.AddUint64(ptr64(mem, off), delta)
}

func loadAcquire32(mem []byte, off uintptr) uint32 {
	return atomic.LoadUint32(ptr32(mem, off))
}

func storeRelease32(mem []byte, off uintptr, v uint32) {
	atomic.StoreUint32(ptr32(mem, off), v)
}

func add32(mem []byte, off uintptr, delta int32) uint32 {
	return atomic.AddUint32(ptr32(mem, off), uint32(delta))
}

// setFlag ORs bits into the flags word.
func setFlag(mem []byte, bits uint32) {
	p := ptr32(mem, offFlags)
	for {
		old := atomic.LoadUint32(p)
		if old&bits == bits || atomic.CompareAndSwapUint32(p, old, old|bits) {
			return
		}
	}
}
