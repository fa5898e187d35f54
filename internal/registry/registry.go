// Package registry resolves named database profiles to their
// configuration, the way internal/router resolved tenant IDs for the
// teacher's proxy. Reads happen on the hot path of every admin API
// request, so the current profile table is held in an atomic.Value
// snapshot and swapped wholesale on update rather than guarded by a
// read-write mutex.
package registry

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sqlx-go/sqlx/internal/config"
)

type snapshot struct {
	profiles map[string]config.ProfileConfig
	defaults config.PoolDefaults
}

// Registry resolves profile names to their configuration. Resolve,
// Defaults and List are lock-free; mutations serialize on a write
// mutex and swap in a new snapshot.
type Registry struct {
	snap atomic.Value // holds *snapshot
	wmu  sync.Mutex
}

// New builds a Registry from cfg.
func New(cfg *config.Config) *Registry {
	s := &snapshot{
		profiles: make(map[string]config.ProfileConfig, len(cfg.Profiles)),
		defaults: cfg.Defaults,
	}
	for name, p := range cfg.Profiles {
		s.profiles[name] = p
	}

	r := &Registry{}
	r.snap.Store(s)
	return r
}

func (r *Registry) load() *snapshot {
	return r.snap.Load().(*snapshot)
}

func (r *Registry) cloneSnap() *snapshot {
	cur := r.load()
	profiles := make(map[string]config.ProfileConfig, len(cur.profiles))
	for name, p := range cur.profiles {
		profiles[name] = p
	}
	return &snapshot{profiles: profiles, defaults: cur.defaults}
}

// Resolve looks up a named profile's configuration.
func (r *Registry) Resolve(name string) (config.ProfileConfig, error) {
	s := r.load()
	p, ok := s.profiles[name]
	if !ok {
		return config.ProfileConfig{}, fmt.Errorf("unknown profile: %q", name)
	}
	return p, nil
}

// Put registers or replaces a named profile.
func (r *Registry) Put(name string, p config.ProfileConfig) error {
	if err := config.ValidateProfileID(name); err != nil {
		return err
	}
	r.wmu.Lock()
	defer r.wmu.Unlock()

	s := r.cloneSnap()
	s.profiles[name] = p
	r.snap.Store(s)
	return nil
}

// Remove deletes a named profile. Returns false if it didn't exist.
func (r *Registry) Remove(name string) bool {
	r.wmu.Lock()
	defer r.wmu.Unlock()

	cur := r.load()
	if _, ok := cur.profiles[name]; !ok {
		return false
	}
	s := r.cloneSnap()
	delete(s.profiles, name)
	r.snap.Store(s)
	return true
}

// List returns every registered profile name and its configuration.
func (r *Registry) List() map[string]config.ProfileConfig {
	s := r.load()
	out := make(map[string]config.ProfileConfig, len(s.profiles))
	for name, p := range s.profiles {
		out[name] = p
	}
	return out
}

// Defaults returns the current pool defaults.
func (r *Registry) Defaults() config.PoolDefaults {
	return r.load().defaults
}

// Reload replaces the entire profile table from a freshly loaded config.
func (r *Registry) Reload(cfg *config.Config) {
	r.wmu.Lock()
	defer r.wmu.Unlock()

	profiles := make(map[string]config.ProfileConfig, len(cfg.Profiles))
	for name, p := range cfg.Profiles {
		profiles[name] = p
	}
	r.snap.Store(&snapshot{profiles: profiles, defaults: cfg.Defaults})
}
