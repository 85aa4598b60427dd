// Package registry holds the catalog of provider adapters and the
// capabilities each one declares.
//
// The registry is read-mostly: profiles are loaded from configuration at
// startup and may be replaced wholesale on a config reload. No mutable
// session state lives here — selection and binding are the orchestrator's
// and session manager's concerns.
package registry

import (
	"errors"
	"sort"
	"sync"

	"github.com/voxroute/voxroute/pkg/provider"
	"github.com/voxroute/voxroute/pkg/types"
)

// ErrNotFound is returned by [Registry.Get] for unknown provider IDs.
var ErrNotFound = errors.New("provider not found in registry")

// Profile is one registry entry: a provider adapter plus its routing
// metadata.
type Profile struct {
	// ID is the stable provider identifier.
	ID string

	// Adapter is the vendor implementation behind this profile.
	Adapter provider.Adapter

	// Capabilities is the declared capability set.
	Capabilities types.CapabilitySet

	// Weight is the static priority weight; higher wins under the priority
	// strategy.
	Weight int
}

// Registry is a concurrency-safe catalog of provider profiles.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

// New creates a Registry with the given initial profiles.
func New(profiles ...Profile) *Registry {
	r := &Registry{profiles: make(map[string]Profile, len(profiles))}
	for _, p := range profiles {
		r.profiles[p.ID] = p
	}
	return r
}

// Get returns the profile for id, or [ErrNotFound].
func (r *Registry) Get(id string) (Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.profiles[id]
	if !ok {
		return Profile{}, ErrNotFound
	}
	return p, nil
}

// ListCandidates returns every profile whose capability set is a superset of
// required, ordered by weight descending with ties broken by provider ID for
// determinism.
func (r *Registry) ListCandidates(required types.CapabilitySet) []Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Profile
	for _, p := range r.profiles {
		if p.Capabilities.SupersetOf(required) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Weight != out[j].Weight {
			return out[i].Weight > out[j].Weight
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Replace swaps the full profile set, supporting config hot-reload. Sessions
// bound to a removed provider keep their adapter reference; only future
// selections see the new catalog.
func (r *Registry) Replace(profiles []Profile) {
	next := make(map[string]Profile, len(profiles))
	for _, p := range profiles {
		next[p.ID] = p
	}

	r.mu.Lock()
	r.profiles = next
	r.mu.Unlock()
}

// Len returns the number of registered profiles.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.profiles)
}
