// File: internal/frame/codec.go
// Package frame implements the length-prefixed frame codec shared by the
// ring and stream transports.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A frame is a u32 little-endian payload length followed by exactly that
// many bytes. Decoders enforce a maximum so a corrupt or hostile prefix can
// not force an unbounded allocation.

package frame

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/momentics/hioload-ipc/api"
)

// HeaderLen is the length prefix size.
const HeaderLen = 4

// MaxPayload is the default per-frame limit for stream transports.
const MaxPayload = 16 << 20 // 16 MiB

// Append appends the encoding of p to dst.
func Append(dst, p []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(p)))
	return append(dst, p...)
}

// Encode returns the encoding of p, enforcing limit.
func Encode(p []byte, limit int) ([]byte, error) {
	if len(p) > limit {
		return nil, fmt.Errorf("frame: %d byte payload over %d: %w", len(p), limit, api.ErrFrameTooLarge)
	}
	return Append(make([]byte, 0, HeaderLen+len(p)), p), nil
}

// Decode parses one frame from the start of raw and returns the payload and
// the number of bytes consumed. A short buffer yields io.ErrUnexpectedEOF;
// a length above limit yields api.ErrCorruptFrame.
func Decode(raw []byte, limit int) ([]byte, int, error) {
	if len(raw) < HeaderLen {
		return nil, 0, io.ErrUnexpectedEOF
	}
	n := binary.LittleEndian.Uint32(raw)
	if uint64(n) > uint64(limit) {
		return nil, 0, fmt.Errorf("frame: length %d over %d: %w", n, limit, api.ErrCorruptFrame)
	}
	end := HeaderLen + int(n)
	if len(raw) < end {
		return nil, 0, io.ErrUnexpectedEOF
	}
	payload := make([]byte, n)
	copy(payload, raw[HeaderLen:end])
	return payload, end, nil
}

// Write sends one frame. Prefix and payload go out in a single writev where
// the writer supports it.
func Write(w io.Writer, p []byte, limit int) error {
	if len(p) > limit {
		return fmt.Errorf("frame: %d byte payload over %d: %w", len(p), limit, api.ErrFrameTooLarge)
	}
	var hdr [HeaderLen]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(p)))
	bufs := net.Buffers{hdr[:], p}
	_, err := bufs.WriteTo(w)
	return err
}

// WriteBatch sends frames back to back with one vectored write.
func WriteBatch(w io.Writer, frames [][]byte, limit int) error {
	bufs := make(net.Buffers, 0, 2*len(frames))
	hdrs := make([]byte, HeaderLen*len(frames))
	for i, p := range frames {
		if len(p) > limit {
			return fmt.Errorf("frame: %d byte payload over %d: %w", len(p), limit, api.ErrFrameTooLarge)
		}
		h := hdrs[i*HeaderLen : (i+1)*HeaderLen]
		binary.LittleEndian.PutUint32(h, uint32(len(p)))
		bufs = append(bufs, h, p)
	}
	_, err := bufs.WriteTo(w)
	return err
}

// Read receives one frame. io.EOF is returned only on a clean boundary.
func Read(r io.Reader, limit int) ([]byte, error) {
	var hdr [HeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	if uint64(n) > uint64(limit) {
		return nil, fmt.Errorf("frame: length %d over %d: %w", n, limit, api.ErrCorruptFrame)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}
