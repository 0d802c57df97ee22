package sandbox

import (
	"sync"
)

// Metadata holds the pod identity the orchestrator knows a sandbox by.
// All fields stay empty until metadata sync succeeds for the sandbox.
type Metadata struct {
	UID       string `json:"uid"`
	Name      string `json:"name"`
	Namespace string `json:"namespace"`
}

// IsZero reports whether no enrichment has been recorded yet.
func (m Metadata) IsZero() bool {
	return m.UID == "" && m.Name == "" && m.Namespace == ""
}

// Registry is a concurrent map of sandbox id to metadata. It is the
// single source of truth for which sandboxes currently exist; the
// reconciler writes it, the HTTP layer and the converter read it.
type Registry struct {
	mu        sync.RWMutex
	sandboxes map[string]Metadata
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sandboxes: make(map[string]Metadata),
	}
}

// List returns a snapshot of the current sandbox ids. Ordering is
// unspecified.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.sandboxes))
	for id := range r.sandboxes {
		ids = append(ids, id)
	}
	return ids
}

// InsertIfAbsent adds a sandbox only if it is not present yet and
// reports whether it was inserted. An existing entry keeps its
// metadata untouched.
func (r *Registry) InsertIfAbsent(id string, md Metadata) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sandboxes[id]; ok {
		return false
	}
	r.sandboxes[id] = md
	return true
}

// RemoveIfPresent removes a sandbox and reports whether an entry
// existed.
func (r *Registry) RemoveIfPresent(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sandboxes[id]; !ok {
		return false
	}
	delete(r.sandboxes, id)
	return true
}

// SetMetadata inserts or overwrites the metadata for a sandbox. A
// successful enrichment replaces all fields at once; there is no
// partial merge.
func (r *Registry) SetMetadata(id string, md Metadata) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sandboxes[id] = md
}

// Snapshot returns a copy of the full id to metadata mapping.
func (r *Registry) Snapshot() map[string]Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Metadata, len(r.sandboxes))
	for id, md := range r.sandboxes {
		out[id] = md
	}
	return out
}

// TryGetMetadata returns the metadata for a sandbox without ever
// blocking. It is called from synchronous rendering paths that must
// not stall behind an in-progress reconciliation write, so when the
// lock is contended it reports absent instead of waiting.
func (r *Registry) TryGetMetadata(id string) (Metadata, bool) {
	if !r.mu.TryRLock() {
		return Metadata{}, false
	}
	defer r.mu.RUnlock()

	md, ok := r.sandboxes[id]
	return md, ok
}

// Lookup implements the metadata source interface used by label
// enrichment. Absent means either an unknown sandbox or a contended
// lock; callers render empty labels in both cases.
func (r *Registry) Lookup(id string) (Metadata, bool) {
	return r.TryGetMetadata(id)
}

// Len returns the number of tracked sandboxes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.sandboxes)
}
