// File: internal/ring/ring.go
// Package ring implements the single-producer/single-consumer byte ring that
// carries length-prefixed frames through a named shared memory region.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Positions are byte offsets in [0, capacity). One byte of capacity is never
// written so that write_pos == read_pos always means empty. Exactly one
// process writes a ring and exactly one reads it; nothing here enforces that.

package ring

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/momentics/hioload-ipc/api"
	"github.com/momentics/hioload-ipc/internal/shm"
)

// Ring is one direction of a channel.
type Ring struct {
	mem      []byte // header + data
	data     []byte
	capacity uint64

	region   *shm.Region
	registry *shm.Registry
	sync     bool

	closed atomic.Bool
}

// Create opens or allocates the named region sized for capacity data bytes
// plus the header. An already initialized region is attached as is;
// otherwise the region is zeroed and a fresh header is written.
func Create(reg *shm.Registry, name string, capacity int) (*Ring, error) {
	if capacity < MinCapacity {
		return nil, fmt.Errorf("ring: capacity %d below minimum %d: %w", capacity, MinCapacity, api.ErrInvalidArgument)
	}
	region, err := reg.Create(name, HeaderSize+capacity, initOrAttach(uint64(capacity)))
	if err != nil {
		return nil, fmt.Errorf("ring: create %s: %w", name, err)
	}
	return fromRegion(reg, region), nil
}

// Open attaches to a region some other party already initialized.
func Open(reg *shm.Registry, name string) (*Ring, error) {
	region, err := reg.Open(name, attachOnly)
	if err != nil {
		return nil, fmt.Errorf("ring: open %s: %w", name, err)
	}
	return fromRegion(reg, region), nil
}

// NewInMemory returns a process-local ring with the same layout.
func NewInMemory(capacity int) *Ring {
	if capacity < MinCapacity {
		panic(fmt.Sprintf("ring: capacity %d below minimum %d", capacity, MinCapacity))
	}
	mem := make([]byte, HeaderSize+capacity)
	if err := initOrAttach(uint64(capacity))(mem); err != nil {
		panic(err)
	}
	return newRing(mem)
}

func newRing(mem []byte) *Ring {
	capacity := loadAcquire64(mem, offCapacity)
	return &Ring{
		mem:      mem,
		data:     mem[HeaderSize : HeaderSize+capacity],
		capacity: capacity,
	}
}

func fromRegion(reg *shm.Registry, region *shm.Region) *Ring {
	r := newRing(region.Bytes())
	r.region = region
	r.registry = reg
	if region.FileBacked() {
		setFlag(r.mem, FlagFileBacked)
		r.sync = true
	}
	return r
}

func initOrAttach(capacity uint64) shm.SetupFunc {
	return func(mem []byte) error {
		if uint64(len(mem)) < HeaderSize+capacity {
			return fmt.Errorf("ring: mapping of %d bytes too small: %w", len(mem), api.ErrInvalidArgument)
		}
		if loadAcquire64(mem, offMagic) == Magic {
			return attach(mem)
		}
		clear(mem[:HeaderSize+capacity])
		storeRelease64(mem, offCapacity, capacity)
		storeRelease32(mem, offVersion, Version)
		storeRelease32(mem, offFlags, FlagOwner)
		storeRelease32(mem, offOwnerPID, uint32(os.Getpid()))
		storeRelease32(mem, offAttach, 1)
		// Magic goes last: a header with a valid magic is complete.
		storeRelease64(mem, offMagic, Magic)
		return nil
	}
}

func attachOnly(mem []byte) error {
	if len(mem) < HeaderSize || loadAcquire64(mem, offMagic) != Magic {
		return fmt.Errorf("ring: region not initialized: %w", api.ErrNotFound)
	}
	return attach(mem)
}

func attach(mem []byte) error {
	if err := validate(mem); err != nil {
		return err
	}
	add32(mem, offAttach, 1)
	return nil
}

func validate(mem []byte) error {
	if v := loadAcquire32(mem, offVersion); v != Version {
		return fmt.Errorf("ring: header version %d, want %d: %w", v, Version, api.ErrCorruptFrame)
	}
	capacity := loadAcquire64(mem, offCapacity)
	if capacity < MinCapacity || HeaderSize+capacity > uint64(len(mem)) {
		return fmt.Errorf("ring: header capacity %d invalid for %d byte mapping: %w", capacity, len(mem), api.ErrCorruptFrame)
	}
	if loadAcquire64(mem, offWritePos) >= capacity || loadAcquire64(mem, offReadPos) >= capacity {
		return fmt.Errorf("ring: positions out of range: %w", api.ErrCorruptFrame)
	}
	return nil
}

// Name returns the sanitized region name, or "" for in-memory rings.
func (r *Ring) Name() string {
	if r.region == nil {
		return ""
	}
	return r.region.Name()
}

// Capacity returns the data region size.
func (r *Ring) Capacity() int { return int(r.capacity) }

// MaxPayload is the largest frame payload that can ever fit.
func (r *Ring) MaxPayload() int { return int(r.capacity) - 1 - LenPrefix }

func (r *Ring) used(w, rd uint64) uint64 {
	if w >= rd {
		return w - rd
	}
	return r.capacity - rd + w
}

// Readable returns the number of unread bytes.
func (r *Ring) Readable() int {
	return int(r.used(loadAcquire64(r.mem, offWritePos), loadAcquire64(r.mem, offReadPos)))
}

// Free returns the number of bytes a writer may still fill.
func (r *Ring) Free() int {
	return int(r.capacity - 1 - r.used(loadAcquire64(r.mem, offWritePos), loadAcquire64(r.mem, offReadPos)))
}

// Sequence returns the publish counter.
func (r *Ring) Sequence() uint64 { return loadAcquire64(r.mem, offSequence) }

// SequenceAddr returns the 32-bit word waiters park on. It changes on every
// publish and on MarkClosed.
func (r *Ring) SequenceAddr() *uint32 { return ptr32(r.mem, sequenceLowOff) }

// SequenceWord loads the word at SequenceAddr.
func (r *Ring) SequenceWord() uint32 { return loadAcquire32(r.mem, sequenceLowOff) }

// LastError returns the last code recorded in the header by either side.
func (r *Ring) LastError() api.ErrorCode {
	return api.ErrorCode(loadAcquire64(r.mem, offLastError))
}

// PeerClosed reports whether the writer side marked the ring closed.
func (r *Ring) PeerClosed() bool { return loadAcquire32(r.mem, offFlags)&FlagClosed != 0 }

// put copies p at pos, wrapping, and returns the new position.
func (r *Ring) put(pos uint64, p []byte) uint64 {
	n := copy(r.data[pos:], p)
	if n < len(p) {
		copy(r.data, p[n:])
	}
	return (pos + uint64(len(p))) % r.capacity
}

// get copies len(dst) bytes from pos, wrapping, and returns the new position.
func (r *Ring) get(pos uint64, dst []byte) uint64 {
	n := copy(dst, r.data[pos:])
	if n < len(dst) {
		copy(dst[n:], r.data)
	}
	return (pos + uint64(len(dst))) % r.capacity
}

func (r *Ring) publishWrite(w uint64) {
	storeRelease64(r.mem, offWritePos, w)
	add64(r.mem, offSequence, 1)
	if r.sync {
		_ = r.region.Sync()
	}
}

func (r *Ring) writeFrame(w uint64, p []byte) uint64 {
	var prefix [LenPrefix]byte
	binary.LittleEndian.PutUint32(prefix[:], uint32(len(p)))
	w = r.put(w, prefix[:])
	return r.put(w, p)
}

// Write appends one frame. It never blocks: api.ErrBufferFull means the
// reader has not freed enough space yet.
func (r *Ring) Write(p []byte) error {
	if r.closed.Load() {
		return api.ErrClosed
	}
	need := uint64(LenPrefix + len(p))
	if need > r.capacity-1 {
		return fmt.Errorf("ring: %d byte frame, max %d: %w", len(p), r.MaxPayload(), api.ErrFrameTooLarge)
	}
	w := loadAcquire64(r.mem, offWritePos)
	rd := loadAcquire64(r.mem, offReadPos)
	if w >= r.capacity || rd >= r.capacity {
		return r.corrupt("positions out of range")
	}
	if need > r.capacity-1-r.used(w, rd) {
		return api.ErrBufferFull
	}
	r.publishWrite(r.writeFrame(w, p))
	return nil
}

// WriteBatch appends frames in order and publishes them with one position
// store. It returns how many were written; the error explains why the rest
// were not.
func (r *Ring) WriteBatch(frames [][]byte) (int, error) {
	if r.closed.Load() {
		return 0, api.ErrClosed
	}
	w := loadAcquire64(r.mem, offWritePos)
	rd := loadAcquire64(r.mem, offReadPos)
	if w >= r.capacity || rd >= r.capacity {
		return 0, r.corrupt("positions out of range")
	}
	free := r.capacity - 1 - r.used(w, rd)
	written := 0
	var err error
	for _, p := range frames {
		need := uint64(LenPrefix + len(p))
		if need > r.capacity-1 {
			err = fmt.Errorf("ring: %d byte frame, max %d: %w", len(p), r.MaxPayload(), api.ErrFrameTooLarge)
			break
		}
		if need > free {
			err = api.ErrBufferFull
			break
		}
		w = r.writeFrame(w, p)
		free -= need
		written++
	}
	if written > 0 {
		r.publishWrite(w)
	}
	return written, err
}

// next decodes the frame at rd given w. ok is false when the ring is empty.
func (r *Ring) next(rd, w uint64) (payload []byte, newRd uint64, ok bool, err error) {
	avail := r.used(w, rd)
	if avail == 0 {
		return nil, rd, false, nil
	}
	if avail < LenPrefix {
		return nil, rd, false, r.corrupt("truncated length prefix")
	}
	var prefix [LenPrefix]byte
	pos := r.get(rd, prefix[:])
	n := uint64(binary.LittleEndian.Uint32(prefix[:]))
	if n > avail-LenPrefix {
		return nil, rd, false, r.corrupt(fmt.Sprintf("length %d exceeds %d readable bytes", n, avail-LenPrefix))
	}
	payload = make([]byte, n)
	return payload, r.get(pos, payload), true, nil
}

// Read removes and returns the oldest frame, or (nil, nil) when empty.
// An inconsistent length prefix returns api.ErrCorruptFrame and leaves the
// ring untouched; the connection must be torn down.
func (r *Ring) Read() ([]byte, error) {
	if r.closed.Load() {
		return nil, api.ErrClosed
	}
	rd := loadAcquire64(r.mem, offReadPos)
	w := loadAcquire64(r.mem, offWritePos)
	if w >= r.capacity || rd >= r.capacity {
		return nil, r.corrupt("positions out of range")
	}
	payload, rd, ok, err := r.next(rd, w)
	if !ok {
		return nil, err
	}
	storeRelease64(r.mem, offReadPos, rd)
	return payload, nil
}

// ReadBatch removes up to limit frames, publishing the read position once.
func (r *Ring) ReadBatch(limit int) ([][]byte, error) {
	if r.closed.Load() {
		return nil, api.ErrClosed
	}
	rd := loadAcquire64(r.mem, offReadPos)
	w := loadAcquire64(r.mem, offWritePos)
	if w >= r.capacity || rd >= r.capacity {
		return nil, r.corrupt("positions out of range")
	}
	var out [][]byte
	var err error
	for len(out) < limit {
		var payload []byte
		var ok bool
		payload, rd, ok, err = r.next(rd, w)
		if !ok {
			break
		}
		out = append(out, payload)
	}
	if len(out) > 0 {
		storeRelease64(r.mem, offReadPos, rd)
	}
	return out, err
}

func (r *Ring) corrupt(detail string) error {
	storeRelease64(r.mem, offLastError, uint64(api.ErrCodeCorruptFrame))
	return fmt.Errorf("ring %s: %s: %w", r.Name(), detail, api.ErrCorruptFrame)
}

// RecordError stores code in the header's last_error slot.
func (r *Ring) RecordError(code api.ErrorCode) {
	storeRelease64(r.mem, offLastError, uint64(code))
}

// MarkClosed tells the reader no more frames will arrive and bumps the
// sequence so a parked reader re-checks.
func (r *Ring) MarkClosed() {
	setFlag(r.mem, FlagClosed)
	add64(r.mem, offSequence, 1)
}

// Attached returns the cross-process attach count.
func (r *Ring) Attached() int { return int(loadAcquire32(r.mem, offAttach)) }

// Close detaches this process. The last holder of an owned region unlinks
// its name. In-memory rings just stop accepting operations.
func (r *Ring) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	if r.region == nil {
		return nil
	}
	remaining := add32(r.mem, offAttach, -1)
	last := remaining == 0 && loadAcquire32(r.mem, offFlags)&FlagOwner != 0
	return r.registry.Release(r.region, last)
}
