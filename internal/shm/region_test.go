//go:build unix

package shm

import (
	"errors"
	"os"
	"testing"
)

func TestCreateAttachShared(t *testing.T) {
	dir := t.TempDir()
	calls := 0
	a, err := Create(dir, "region-a", 4096, func(mem []byte) error {
		calls++
		mem[0] = 0xAB
		return nil
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer a.Close()
	if !a.FileBacked() {
		t.Error("regions outside /dev/shm must be reported as file-backed")
	}

	b, err := Open(dir, "region-a", nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()
	if b.Size() != 4096 {
		t.Fatalf("size = %d", b.Size())
	}
	if b.Bytes()[0] != 0xAB {
		t.Fatal("second mapping does not observe first mapping's write")
	}
	b.Bytes()[1] = 0xCD
	if a.Bytes()[1] != 0xCD {
		t.Fatal("mappings are not shared")
	}
	if err := a.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if calls != 1 {
		t.Fatalf("setup ran %d times", calls)
	}
}

func TestCreateKeepsLargerExisting(t *testing.T) {
	dir := t.TempDir()
	a, err := Create(dir, "grow", 8192, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := Create(dir, "grow", 4096, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	if b.Size() != 8192 {
		t.Fatalf("attach shrank mapping to %d", b.Size())
	}
}

func TestSetupErrorUnmaps(t *testing.T) {
	dir := t.TempDir()
	boom := errors.New("boom")
	if _, err := Create(dir, "bad", 4096, func([]byte) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
}

func TestOpenMissing(t *testing.T) {
	if _, err := Open(t.TempDir(), "missing", nil); err == nil {
		t.Fatal("Open of a missing object succeeded")
	}
}

func TestRegistryLifecycle(t *testing.T) {
	dir := t.TempDir()
	g := NewRegistry(dir)
	r1, err := g.Create("one", 4096, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := g.Create("two", 4096, nil); err != nil {
		t.Fatal(err)
	}
	if names := g.Names(); len(names) != 2 || names[0] != "/one" || names[1] != "/two" {
		t.Fatalf("Names = %v", names)
	}
	if err := g.Release(r1, true); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(r1.Path()); !os.IsNotExist(err) {
		t.Fatalf("released+unlinked object still present: %v", err)
	}
	if err := g.Close(); err != nil {
		t.Fatal(err)
	}
	if g.Len() != 0 {
		t.Fatal("registry not empty after Close")
	}
	if _, err := g.Create("three", 4096, nil); err == nil {
		t.Fatal("Create on closed registry succeeded")
	}
}
