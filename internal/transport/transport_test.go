package transport_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/momentics/hioload-ipc/api"
	"github.com/momentics/hioload-ipc/internal/shm"
	"github.com/momentics/hioload-ipc/internal/transport"
)

func shmPair(t *testing.T, size int) (server, client api.Transport) {
	t.Helper()
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" && runtime.GOOS != "freebsd" {
		t.Skip("shared memory pair test runs on unix hosts")
	}
	reg := shm.NewRegistry(t.TempDir())
	t.Cleanup(func() { reg.Close() })
	sel := transport.NewSelector(reg, transport.WithForce(transport.TierSharedMemory))
	ctx := context.Background()
	var err error
	server, err = sel.Open(ctx, transport.Endpoint{Role: transport.RoleCreate, SendRing: "t-s2c", RecvRing: "t-c2s", RingSize: size})
	if err != nil {
		t.Fatalf("server open: %v", err)
	}
	client, err = sel.Open(ctx, transport.Endpoint{Role: transport.RoleAttach, SendRing: "t-c2s", RecvRing: "t-s2c"})
	if err != nil {
		server.Close()
		t.Fatalf("client open: %v", err)
	}
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return server, client
}

func TestSharedMemoryRoundTrip(t *testing.T) {
	server, client := shmPair(t, 4096)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msg := bytes.Repeat([]byte("x"), 1000)
	if err := client.Write(ctx, msg); err != nil {
		t.Fatal(err)
	}
	got, err := server.Read(ctx)
	if err != nil || !bytes.Equal(got, msg) {
		t.Fatalf("server read: %v", err)
	}
	if err := server.Write(ctx, []byte("pong")); err != nil {
		t.Fatal(err)
	}
	got, err = client.Read(ctx)
	if err != nil || string(got) != "pong" {
		t.Fatalf("client read %q: %v", got, err)
	}
	d := server.Descriptor()
	if d.Fallback || d.Waiter == "" {
		t.Fatalf("descriptor = %+v", d)
	}
	if runtime.GOOS == "linux" && server.ExpectedPerformance() != api.PerformanceOptimal {
		t.Fatalf("performance = %v", server.ExpectedPerformance())
	}
}

func TestSharedMemoryBlockingRead(t *testing.T) {
	server, client := shmPair(t, 4096)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan []byte, 1)
	go func() {
		p, err := server.Read(ctx)
		if err != nil {
			t.Errorf("read: %v", err)
		}
		done <- p
	}()
	time.Sleep(20 * time.Millisecond)
	if err := client.Write(ctx, []byte("late")); err != nil {
		t.Fatal(err)
	}
	select {
	case p := <-done:
		if string(p) != "late" {
			t.Fatalf("got %q", p)
		}
	case <-time.After(time.Second):
		t.Fatal("parked reader was not woken")
	}
}

func TestSharedMemoryTimeouts(t *testing.T) {
	server, client := shmPair(t, 64)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := server.Read(ctx); !errors.Is(err, api.ErrTimeout) {
		t.Fatalf("read on empty ring: %v", err)
	}

	if err := client.Write(context.Background(), make([]byte, 59)); err != nil {
		t.Fatal(err)
	}
	ctx2, cancel2 := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel2()
	if err := client.Write(ctx2, []byte("no room")); !errors.Is(err, api.ErrTimeout) {
		t.Fatalf("write into full ring: %v", err)
	}
}

func TestSharedMemoryBatchAndClose(t *testing.T) {
	server, client := shmPair(t, 4096)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	frames := [][]byte{[]byte("a"), []byte("bb"), []byte("ccc")}
	n, err := client.WriteBatch(ctx, frames)
	if err != nil || n != 3 {
		t.Fatalf("WriteBatch = %d, %v", n, err)
	}
	if err := client.Close(); err != nil {
		t.Fatal(err)
	}
	got, err := server.ReadBatch(ctx, 10)
	if err != nil || len(got) != 3 || string(got[2]) != "ccc" {
		t.Fatalf("ReadBatch = %q, %v", got, err)
	}
	if _, err := server.Read(ctx); err != io.EOF {
		t.Fatalf("read after peer close: %v", err)
	}
}

// loopback returns a dialer and a channel yielding the accepted side.
func loopback(t *testing.T) (func(context.Context) (net.Conn, error), <-chan net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("loopback unavailable: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()
	dial := func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", ln.Addr().String())
	}
	return dial, accepted
}

func TestFallbackToSocket(t *testing.T) {
	dial, accepted := loopback(t)
	sel := transport.NewSelector(shm.NewRegistry(t.TempDir()))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := sel.Open(ctx, transport.Endpoint{
		Role:       transport.RoleAttach,
		SendRing:   "bad\x00name",
		RecvRing:   "bad\x00name",
		DialSocket: dial,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer client.Close()
	d := client.Descriptor()
	if !d.Fallback || d.Performance != api.PerformanceSocket || d.Reason == "" {
		t.Fatalf("descriptor = %+v", d)
	}

	server := transport.NewSocket(<-accepted, 0, api.Descriptor{Performance: api.PerformanceSocket})
	defer server.Close()

	payload := []byte("through the fallback")
	if err := client.Write(ctx, payload); err != nil {
		t.Fatal(err)
	}
	got, err := server.Read(ctx)
	if err != nil || !bytes.Equal(got, payload) {
		t.Fatalf("server read %q: %v", got, err)
	}
	if _, err := server.WriteBatch(ctx, [][]byte{[]byte("1"), []byte("2")}); err != nil {
		t.Fatal(err)
	}
	var all []string
	for len(all) < 2 {
		batch, err := client.ReadBatch(ctx, 8)
		if err != nil {
			t.Fatal(err)
		}
		for _, b := range batch {
			all = append(all, string(b))
		}
	}
	if fmt.Sprint(all) != "[1 2]" {
		t.Fatalf("batch = %v", all)
	}
}

func TestSocketReadCancelKeepsStream(t *testing.T) {
	dial, accepted := loopback(t)
	conn, err := dial(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	a := transport.NewSocket(conn, 0, api.Descriptor{})
	defer a.Close()
	b := transport.NewSocket(<-accepted, 0, api.Descriptor{})
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	if _, err := b.Read(ctx); !errors.Is(err, api.ErrTimeout) {
		t.Fatalf("read: %v", err)
	}
	cancel()
	if err := a.Write(context.Background(), []byte("after timeout")); err != nil {
		t.Fatal(err)
	}
	got, err := b.Read(context.Background())
	if err != nil || string(got) != "after timeout" {
		t.Fatalf("read %q: %v", got, err)
	}
	a.Close()
	if _, err := b.Read(context.Background()); err != io.EOF {
		t.Fatalf("read after peer close: %v", err)
	}
}

func TestNoViableTransport(t *testing.T) {
	sel := transport.NewSelector(shm.NewRegistry(t.TempDir()), transport.WithForce(transport.TierSharedMemory))
	_, err := sel.Open(context.Background(), transport.Endpoint{
		Role:     transport.RoleCreate,
		SendRing: "bad\x00name",
		RecvRing: "bad\x00name",
		RingSize: 4096,
	})
	if !errors.Is(err, api.ErrNoTransport) {
		t.Fatalf("err = %v", err)
	}
	if !strings.Contains(err.Error(), "no viable IPC transport available") {
		t.Fatalf("message = %q", err.Error())
	}
	if !errors.Is(err, api.ErrInvalidName) {
		t.Fatalf("tier cause lost: %v", err)
	}
}

func TestDetectFeatures(t *testing.T) {
	reg := shm.NewRegistry(t.TempDir())
	defer reg.Close()
	f := transport.DetectFeatures(reg)
	if f.OS != runtime.GOOS || len(f.Tiers) == 0 || f.ExpectedLabel == "" {
		t.Fatalf("features = %+v", f)
	}
	if reg.Len() != 0 {
		t.Fatal("probe ring left mapped")
	}
}
