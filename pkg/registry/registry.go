// Package registry is the in-memory, snapshot-consistent view of the
// discovery directory: a map of (kind, id) -> ServerDescriptor kept
// current by the Discovery Agent's watch loop.
//
// Readers vastly outnumber writers, so the Registry follows the same
// RWMutex-guarded, copy-on-read discipline as a consistent-hashing shard
// table: every lookup takes RLock and returns a copy, the single writer
// (the Discovery Agent) takes Lock to apply each delta.
package registry

import (
	"math/rand"
	"sync"

	"github.com/ryanuber/go-glob"

	"github.com/pitaya-cluster/pitaya/pkg/descriptor"
)

// Registry is the consistent, read-mostly view of known peers.
type Registry struct {
	mu      sync.RWMutex
	byKey   map[descriptor.Key]descriptor.ServerDescriptor
	byKind  map[string]map[string]struct{}
	filters []string

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New creates an empty Registry. filters, if non-empty, restricts which
// kinds are admitted by Put: a descriptor is only accepted if its Kind
// matches at least one glob pattern in filters.
func New(filters []string) *Registry {
	return &Registry{
		byKey:   make(map[descriptor.Key]descriptor.ServerDescriptor),
		byKind:  make(map[string]map[string]struct{}),
		filters: filters,
		rng:     rand.New(rand.NewSource(1)),
	}
}

// Admits reports whether a descriptor of the given kind passes the
// configured server_type_filters. An empty filter list accepts everything.
func (r *Registry) Admits(kind string) bool {
	if len(r.filters) == 0 {
		return true
	}
	for _, pattern := range r.filters {
		if glob.Glob(pattern, kind) {
			return true
		}
	}
	return false
}

// Put applies an upsert delta for a single descriptor. It is a no-op if
// the descriptor's kind is filtered out. Put is the Discovery Agent's only
// write path; callers outside the Discovery Agent must not call it.
func (r *Registry) Put(d descriptor.ServerDescriptor) {
	if !r.Admits(d.Kind) {
		return
	}
	key := d.Key()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.byKey[key] = d
	set, ok := r.byKind[d.Kind]
	if !ok {
		set = make(map[string]struct{})
		r.byKind[d.Kind] = set
	}
	set[d.ID] = struct{}{}
}

// Delete removes a descriptor, e.g. on an observed delete/expire. It is the
// Discovery Agent's only removal path.
func (r *Registry) Delete(key descriptor.Key) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.byKey, key)
	if set, ok := r.byKind[key.Kind]; ok {
		delete(set, key.ID)
		if len(set) == 0 {
			delete(r.byKind, key.Kind)
		}
	}
}

// ByID looks up a single descriptor by (kind, id).
func (r *Registry) ByID(kind, id string) (descriptor.ServerDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.byKey[descriptor.Key{Kind: kind, ID: id}]
	return d, ok
}

// ByKind returns a stable snapshot of all descriptors of the given kind.
// Order is unspecified but stable within the returned slice.
func (r *Registry) ByKind(kind string) []descriptor.ServerDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set, ok := r.byKind[kind]
	if !ok {
		return nil
	}
	out := make([]descriptor.ServerDescriptor, 0, len(set))
	for id := range set {
		if d, ok := r.byKey[descriptor.Key{Kind: kind, ID: id}]; ok {
			out = append(out, d)
		}
	}
	return out
}

// Pick selects one descriptor of the given kind, uniformly at random among
// current entries. It never returns a descriptor whose key has already
// been observed-deleted: the candidate id list and the final lookup both
// happen under the same RLock that excludes a concurrent Put/Delete.
func (r *Registry) Pick(kind string) (descriptor.ServerDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set, ok := r.byKind[kind]
	if !ok || len(set) == 0 {
		return descriptor.ServerDescriptor{}, false
	}

	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}

	r.rngMu.Lock()
	idx := r.rng.Intn(len(ids))
	r.rngMu.Unlock()

	d, ok := r.byKey[descriptor.Key{Kind: kind, ID: ids[idx]}]
	return d, ok
}

// Len returns the total number of known descriptors, across all kinds.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byKey)
}
