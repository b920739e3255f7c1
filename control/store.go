// File: control/store.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Thread-safe configuration store with snapshot reads and reload listeners.

package control

import (
	"sync"
	"sync/atomic"
)

// ConfigStore publishes the current Config. Reads are a pointer load.
type ConfigStore struct {
	cur       atomic.Pointer[Config]
	mu        sync.Mutex
	listeners []*listener
}

type listener struct{ fn func(old, cur Config) }

// NewConfigStore starts the store at cfg.
func NewConfigStore(cfg Config) *ConfigStore {
	cs := &ConfigStore{}
	cs.cur.Store(&cfg)
	return cs
}

// Snapshot returns the current config.
func (cs *ConfigStore) Snapshot() Config { return *cs.cur.Load() }

// Set validates and publishes cfg, then runs listeners in registration
// order on the caller's goroutine.
func (cs *ConfigStore) Set(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cs.mu.Lock()
	old := *cs.cur.Load()
	cs.cur.Store(&cfg)
	ls := append([]*listener(nil), cs.listeners...)
	cs.mu.Unlock()
	for _, l := range ls {
		l.fn(old, cfg)
	}
	return nil
}

// OnReload registers a listener called after every Set. The returned func
// removes it.
func (cs *ConfigStore) OnReload(fn func(old, cur Config)) (cancel func()) {
	l := &listener{fn: fn}
	cs.mu.Lock()
	cs.listeners = append(cs.listeners, l)
	cs.mu.Unlock()
	return func() {
		cs.mu.Lock()
		defer cs.mu.Unlock()
		for i, x := range cs.listeners {
			if x == l {
				cs.listeners = append(cs.listeners[:i], cs.listeners[i+1:]...)
				return
			}
		}
	}
}
