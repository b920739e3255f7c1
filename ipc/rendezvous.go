// File: ipc/rendezvous.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The rendezvous file is how a dialer finds a listener: a small JSON
// document in the runtime directory named after the sanitized channel.

package ipc

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/momentics/hioload-ipc/api"
	"github.com/momentics/hioload-ipc/internal/shm"
)

type rendezvous struct {
	Version int       `json:"version"`
	Name    string    `json:"name"`
	PID     int       `json:"pid"`
	Control string    `json:"control"`
	Data    string    `json:"data"`
	Created time.Time `json:"created"`
}

func rendezvousPath(dir, name string) (string, error) {
	s, err := shm.Sanitize(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, strings.TrimPrefix(s, "/")+".json"), nil
}

// writeRendezvous replaces path atomically.
func writeRendezvous(path string, r rendezvous) error {
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".rdv-*")
	if err != nil {
		return fmt.Errorf("ipc: rendezvous: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func readRendezvous(path string) (rendezvous, error) {
	var r rendezvous
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return r, fmt.Errorf("ipc: no listener at %s: %w", path, api.ErrNotFound)
	}
	if err != nil {
		return r, err
	}
	if err := json.Unmarshal(b, &r); err != nil {
		return r, fmt.Errorf("ipc: rendezvous %s: %w", path, err)
	}
	if r.Version != ProtocolVersion {
		return r, fmt.Errorf("ipc: rendezvous %s: protocol %d, want %d: %w", path, r.Version, ProtocolVersion, api.ErrInvalidArgument)
	}
	return r, nil
}
