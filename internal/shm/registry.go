// File: internal/shm/registry.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Registry tracks the regions a process has mapped so they can be released
// together at shutdown. It is created explicitly by its owner (a Listener,
// a Dialer, a test) and passed down; there is no package-level instance.
//
// Lifecycle: the first Create/Open records the region; Release unmaps it and,
// when the caller says it was the last cross-process holder, unlinks the
// name; Close releases everything still recorded.

package shm

import (
	"errors"
	"sort"
	"sync"
)

// Registry records mapped regions under one runtime directory.
type Registry struct {
	dir string

	mu      sync.Mutex
	regions map[*Region]struct{}
	closed  bool
}

// NewRegistry returns a registry rooted at dir. An empty dir uses the
// platform default location.
func NewRegistry(dir string) *Registry {
	return &Registry{
		dir:     dir,
		regions: make(map[*Region]struct{}),
	}
}

// Dir returns the runtime directory.
func (g *Registry) Dir() string { return g.dir }

// Create maps (creating if needed) a region and records it.
func (g *Registry) Create(name string, size int, setup SetupFunc) (*Region, error) {
	if err := g.check(); err != nil {
		return nil, err
	}
	r, err := Create(g.dir, name, size, setup)
	if err != nil {
		return nil, err
	}
	g.track(r)
	return r, nil
}

// Open maps an existing region and records it.
func (g *Registry) Open(name string, setup SetupFunc) (*Region, error) {
	if err := g.check(); err != nil {
		return nil, err
	}
	r, err := Open(g.dir, name, setup)
	if err != nil {
		return nil, err
	}
	g.track(r)
	return r, nil
}

// Release unmaps r and forgets it. When unlink is true the name is removed
// as well; callers pass true only when they were the last attached holder.
func (g *Registry) Release(r *Region, unlink bool) error {
	g.mu.Lock()
	delete(g.regions, r)
	g.mu.Unlock()

	name := r.Name()
	err := r.Close()
	if unlink {
		if uerr := unlinkRegion(g.dir, name); uerr != nil && err == nil {
			err = uerr
		}
	}
	return err
}

// Names lists the sanitized names currently mapped through this registry.
func (g *Registry) Names() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.regions))
	for r := range g.regions {
		out = append(out, r.Name())
	}
	sort.Strings(out)
	return out
}

// Len returns the number of mapped regions.
func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.regions)
}

// Close unmaps every recorded region without unlinking names; owners unlink
// through their own detach path.
func (g *Registry) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	regions := make([]*Region, 0, len(g.regions))
	for r := range g.regions {
		regions = append(regions, r)
	}
	g.regions = make(map[*Region]struct{})
	g.mu.Unlock()

	var errs []error
	for _, r := range regions {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var errRegistryClosed = errors.New("shm: registry closed")

func (g *Registry) check() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return errRegistryClosed
	}
	return nil
}

func (g *Registry) track(r *Region) {
	g.mu.Lock()
	g.regions[r] = struct{}{}
	g.mu.Unlock()
}
