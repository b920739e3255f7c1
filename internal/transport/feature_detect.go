// File: internal/transport/feature_detect.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Reports what the host offers each tier, for the probe command and the
// control plane's health answer.

package transport

import (
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/momentics/hioload-ipc/api"
	"github.com/momentics/hioload-ipc/internal/ring"
	"github.com/momentics/hioload-ipc/internal/shm"
	"github.com/momentics/hioload-ipc/internal/waiter"
)

// Features is the outcome of a host probe.
type Features struct {
	OS            string          `json:"os"`
	Arch          string          `json:"arch"`
	Waiter        string          `json:"waiter"`
	WaiterErr     string          `json:"waiter_error,omitempty"`
	SharedMemory  bool            `json:"shared_memory"`
	SharedErr     string          `json:"shared_memory_error,omitempty"`
	FileBacked    bool            `json:"file_backed"`
	Tiers         []string        `json:"tiers"`
	Expected      api.Performance `json:"expected_performance"`
	ExpectedLabel string          `json:"expected"`
}

// DetectFeatures creates and removes a scratch ring under reg to check that
// named shared memory works, and probes the platform waiter.
func DetectFeatures(reg *shm.Registry) Features {
	f := Features{OS: runtime.GOOS, Arch: runtime.GOARCH}
	for _, t := range platformTiers() {
		f.Tiers = append(f.Tiers, t.name)
	}
	w := waiter.New()
	f.Waiter = w.Name()
	werr := waiter.Probe(w)
	if werr != nil {
		f.WaiterErr = werr.Error()
	}

	name := fmt.Sprintf("probe-%d", os.Getpid())
	r, err := ring.Create(reg, name, ring.MinCapacity)
	if err == nil {
		f.SharedMemory = true
		f.FileBacked = r.State().Flags&ring.FlagFileBacked != 0
		err = r.Close()
	}
	if err != nil {
		f.SharedErr = err.Error()
	}

	_, isPoll := w.(*waiter.Poll)
	switch {
	case !f.SharedMemory:
		f.Expected = api.PerformanceSocket
	case werr != nil && errors.Is(werr, api.ErrPlatformUnavailable) && !pollTierAllowed():
		f.Expected = api.PerformanceSocket
	case werr != nil || isPoll:
		f.Expected = api.PerformanceSharedPoll
	default:
		f.Expected = api.PerformanceOptimal
	}
	f.ExpectedLabel = f.Expected.String()
	return f
}

func pollTierAllowed() bool {
	return runtime.GOOS != "linux" && runtime.GOOS != "windows"
}
