// File: control/hotreload.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Watcher re-reads the TOML file when it changes and publishes the result
// through a ConfigStore. Breaker thresholds and timeouts take effect on
// live connections; ring size only on new ones.

package control

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/momentics/hioload-ipc/logging"
)

// ReloadDebounce coalesces editor write bursts.
const ReloadDebounce = 100 * time.Millisecond

// Watcher hot-reloads one config file.
type Watcher struct {
	path    string
	base    Config
	changed map[string]bool
	store   *ConfigStore
	log     logging.Logger

	mu       sync.Mutex
	debounce *time.Timer
}

// NewWatcher reloads path on top of base (defaults plus flags). Keys in
// changed keep their flag values across reloads.
func NewWatcher(store *ConfigStore, path string, base Config, changed map[string]bool, log logging.Logger) *Watcher {
	return &Watcher{
		path:    path,
		base:    base,
		changed: changed,
		store:   store,
		log:     logging.OrNoop(log),
	}
}

// Run watches the file's directory until ctx ends. Watching the directory
// catches editors that replace the file by rename.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("config watcher: watch %s: %w", w.path, err)
	}
	name := filepath.Base(w.path)
	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			if w.debounce != nil {
				w.debounce.Stop()
			}
			w.mu.Unlock()
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != name || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule()
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("config watcher error", logging.Err(err))
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.debounce = time.AfterFunc(ReloadDebounce, func() { _ = w.Reload() })
}

// Reload rebuilds the config from base, file and environment. An invalid
// file leaves the published config untouched.
func (w *Watcher) Reload() error {
	cfg := w.base
	if err := Load(&cfg, w.path, w.changed); err != nil {
		w.log.Warn("config reload rejected", logging.String("path", w.path), logging.Err(err))
		return err
	}
	if err := w.store.Set(cfg); err != nil {
		return err
	}
	w.log.Info("config reloaded", logging.String("path", w.path))
	return nil
}
