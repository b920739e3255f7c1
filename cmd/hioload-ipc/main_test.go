package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"runtime"
	"testing"
)

func TestProbeCommand(t *testing.T) {
	dir := t.TempDir()
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{
		"probe",
		"--config", filepath.Join(dir, "missing.toml"),
		"--log-format", "json",
		"--shm-dir", dir,
	})
	if err := root.Execute(); err != nil {
		t.Fatal(err)
	}
	var rep probeReport
	if err := json.Unmarshal(out.Bytes(), &rep); err != nil {
		t.Fatalf("decode %q: %v", out.String(), err)
	}
	if rep.Features.OS != runtime.GOOS || rep.Workers < 1 || len(rep.Features.Tiers) == 0 {
		t.Fatalf("report = %+v", rep)
	}
}

func TestRootRejectsBadConfig(t *testing.T) {
	root := newRootCommand()
	root.SetArgs([]string{"probe", "--config", filepath.Join(t.TempDir(), "none.toml"), "--ring-size", "8"})
	if err := root.Execute(); err == nil {
		t.Fatal("ring size below minimum accepted")
	}
}
