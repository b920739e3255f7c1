//go:build unix

package ring

import (
	"errors"
	"os"
	"testing"

	"github.com/momentics/hioload-ipc/api"
	"github.com/momentics/hioload-ipc/internal/shm"
)

func TestAttachDoesNotReinitialize(t *testing.T) {
	reg := shm.NewRegistry(t.TempDir())
	defer reg.Close()

	w, err := Create(reg, "c2s", 4096)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	if err := w.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}

	r, err := Create(reg, "c2s", 4096)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if r.Attached() != 2 {
		t.Fatalf("attached = %d", r.Attached())
	}
	got, err := r.Read()
	if err != nil || string(got) != "hello" {
		t.Fatalf("Read = %q, %v", got, err)
	}
	if w.Readable() != 0 {
		t.Fatal("reader progress not visible to writer mapping")
	}
}

func TestOpenRequiresInitializedRegion(t *testing.T) {
	dir := t.TempDir()
	raw, err := shm.Create(dir, "blank", HeaderSize+128, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer raw.Close()

	reg := shm.NewRegistry(dir)
	defer reg.Close()
	if _, err := Open(reg, "blank"); !errors.Is(err, api.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestLastHolderUnlinks(t *testing.T) {
	reg := shm.NewRegistry(t.TempDir())
	defer reg.Close()

	owner, err := Create(reg, "s2c", 1024)
	if err != nil {
		t.Fatal(err)
	}
	peer, err := Open(reg, "s2c")
	if err != nil {
		t.Fatal(err)
	}
	path := owner.region.Path()

	if err := owner.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("object removed while still attached: %v", err)
	}
	if err := peer.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("object survived last detach: %v", err)
	}
	if reg.Len() != 0 {
		t.Fatalf("registry still tracks %d regions", reg.Len())
	}
}

func TestFileBackedFlag(t *testing.T) {
	reg := shm.NewRegistry(t.TempDir())
	defer reg.Close()
	r, err := Create(reg, "fb", 256)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if r.State().Flags&FlagFileBacked == 0 {
		t.Fatal("file-backed flag not set for a mapping outside tmpfs")
	}
	if err := r.Write([]byte("synced")); err != nil {
		t.Fatal(err)
	}
}
