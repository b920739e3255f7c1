package ring

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"testing"

	"github.com/momentics/hioload-ipc/api"
)

func TestWriteReadFIFO(t *testing.T) {
	r := NewInMemory(4096)
	msgs := []string{"alpha", "", "gamma", "delta"}
	for _, m := range msgs {
		if err := r.Write([]byte(m)); err != nil {
			t.Fatalf("Write(%q): %v", m, err)
		}
	}
	if r.Sequence() != uint64(len(msgs)) {
		t.Fatalf("sequence = %d, want %d", r.Sequence(), len(msgs))
	}
	for _, want := range msgs {
		got, err := r.Read()
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if got == nil {
			t.Fatalf("Read returned nil for %q", want)
		}
		if string(got) != want {
			t.Fatalf("got %q, want %q", got, want)
		}
	}
	got, err := r.Read()
	if got != nil || err != nil {
		t.Fatalf("empty ring Read = %v, %v", got, err)
	}
}

func TestWrapAround(t *testing.T) {
	r := NewInMemory(64)
	payload := bytes.Repeat([]byte{0x5A}, 20)
	for i := 0; i < 2; i++ {
		if err := r.Write(payload); err != nil {
			t.Fatal(err)
		}
		if _, err := r.Read(); err != nil {
			t.Fatal(err)
		}
	}
	// write_pos is 48 now; the next frame straddles the end of the data region.
	wrapped := []byte("0123456789abcdefghij")
	if err := r.Write(wrapped); err != nil {
		t.Fatal(err)
	}
	st := r.State()
	if st.WritePos != 8 {
		t.Fatalf("write_pos = %d, want 8", st.WritePos)
	}
	got, err := r.Read()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, wrapped) {
		t.Fatalf("got %q", got)
	}
}

func TestBufferFullThenRetry(t *testing.T) {
	r := NewInMemory(4096)
	first := bytes.Repeat([]byte{7}, 1000)
	if err := r.Write(first); err != nil {
		t.Fatal(err)
	}
	if got, err := r.Read(); err != nil || !bytes.Equal(got, first) {
		t.Fatalf("1000-byte round trip: %v", err)
	}
	frame := bytes.Repeat([]byte{1}, 900)
	// 904 bytes per frame against 4095 usable: four fit, the fifth does not.
	for i := 0; i < 4; i++ {
		if err := r.Write(frame); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	before := r.State()
	if err := r.Write(frame); !errors.Is(err, api.ErrBufferFull) {
		t.Fatalf("fifth write err = %v, want ErrBufferFull", err)
	}
	after := r.State()
	if before.WritePos != after.WritePos || before.Sequence != after.Sequence {
		t.Fatal("failed write changed the header")
	}
	if _, err := r.Read(); err != nil {
		t.Fatal(err)
	}
	if err := r.Write(frame); err != nil {
		t.Fatalf("retry after read: %v", err)
	}
	if r.Readable() != 4*904 {
		t.Fatalf("readable = %d", r.Readable())
	}
}

func TestFrameTooLarge(t *testing.T) {
	r := NewInMemory(64)
	if err := r.Write(make([]byte, 60)); !errors.Is(err, api.ErrFrameTooLarge) {
		t.Fatalf("err = %v, want ErrFrameTooLarge", err)
	}
	if err := r.Write(make([]byte, r.MaxPayload())); err != nil {
		t.Fatalf("max payload write: %v", err)
	}
	if r.Free() != 0 {
		t.Fatalf("free = %d after filling", r.Free())
	}
}

func TestCorruptLengthPrefix(t *testing.T) {
	r := NewInMemory(256)
	if err := r.Write([]byte("ok")); err != nil {
		t.Fatal(err)
	}
	binary.LittleEndian.PutUint32(r.data[0:4], 1000)
	readable := r.Readable()
	if _, err := r.Read(); !errors.Is(err, api.ErrCorruptFrame) {
		t.Fatalf("err = %v, want ErrCorruptFrame", err)
	}
	if r.Readable() != readable {
		t.Fatal("corrupt read advanced read_pos")
	}
	if r.LastError() != api.ErrCodeCorruptFrame {
		t.Fatalf("last_error = %v", r.LastError())
	}
	if !api.Fatal(api.ErrCorruptFrame) {
		t.Fatal("corrupt frame must be fatal")
	}
}

func TestBatch(t *testing.T) {
	r := NewInMemory(64)
	frames := make([][]byte, 6)
	for i := range frames {
		frames[i] = []byte(fmt.Sprintf("frame-%04d", i))
	}
	// 14 bytes each against 63 usable.
	n, err := r.WriteBatch(frames)
	if n != 4 || !errors.Is(err, api.ErrBufferFull) {
		t.Fatalf("WriteBatch = %d, %v", n, err)
	}
	if r.Sequence() != 1 {
		t.Fatalf("batch published %d times", r.Sequence())
	}
	got, err := r.ReadBatch(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 4 {
		t.Fatalf("ReadBatch returned %d frames", len(got))
	}
	for i, f := range got {
		if !bytes.Equal(f, frames[i]) {
			t.Fatalf("frame %d = %q", i, f)
		}
	}
	got, err = r.ReadBatch(10)
	if len(got) != 0 || err != nil {
		t.Fatalf("empty ReadBatch = %d, %v", len(got), err)
	}
}

func TestClosedRing(t *testing.T) {
	r := NewInMemory(128)
	r.MarkClosed()
	if !r.PeerClosed() {
		t.Fatal("closed flag not visible")
	}
	if r.Sequence() != 1 {
		t.Fatal("MarkClosed must bump the sequence")
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	if err := r.Write([]byte("x")); !errors.Is(err, api.ErrClosed) {
		t.Fatalf("write after close: %v", err)
	}
}

func TestConcurrentProducerConsumer(t *testing.T) {
	const total = 20000
	r := NewInMemory(1024)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		var buf [8]byte
		for i := 0; i < total; {
			binary.LittleEndian.PutUint64(buf[:], uint64(i))
			n := 8 + i%40
			p := make([]byte, n)
			copy(p, buf[:])
			err := r.Write(p)
			if errors.Is(err, api.ErrBufferFull) {
				runtime.Gosched()
				continue
			}
			if err != nil {
				t.Errorf("write %d: %v", i, err)
				return
			}
			i++
		}
	}()
	for next := 0; next < total; {
		p, err := r.Read()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if p == nil {
			runtime.Gosched()
			continue
		}
		if got := binary.LittleEndian.Uint64(p); got != uint64(next) {
			t.Fatalf("frame %d carries %d", next, got)
		}
		if len(p) != 8+next%40 {
			t.Fatalf("frame %d has length %d", next, len(p))
		}
		next++
	}
	wg.Wait()
}

func TestDiagnoseDueling(t *testing.T) {
	a, b := NewInMemory(64), NewInMemory(64)
	if dueling, _ := DiagnoseDueling(a, b); dueling {
		t.Fatal("empty rings reported as dueling")
	}
	for _, r := range []*Ring{a, b} {
		if err := r.Write(make([]byte, r.MaxPayload())); err != nil {
			t.Fatal(err)
		}
	}
	dueling, report := DiagnoseDueling(a, b)
	if !dueling || report == "" {
		t.Fatalf("dueling = %v, report %q", dueling, report)
	}
}
