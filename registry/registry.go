// Package registry tracks every live Connection by its durable
// identifier, so a process embedding this library can look up or
// enumerate connections without threading a reference through every
// call site. The identifier is assigned once at construction and
// survives every reconnect (SPEC_FULL.md §3 Connection invariants).
package registry

import (
	"sync"

	"github.com/google/uuid"
)

// ID is a Connection's durable identifier.
type ID string

// NewID mints a fresh random identifier.
func NewID() ID {
	return ID(uuid.NewString())
}

// Handle is anything a Registry can track: just enough surface for
// lookup and enumeration, implemented by *connection.Connection.
type Handle interface {
	ID() ID
}

// Registry is a concurrent map of ID to Handle. It is safe for use by
// multiple goroutines: callers other than the owning driver loop may
// enumerate connections (e.g. for a diagnostics endpoint) at any time.
type Registry struct {
	m sync.Map // ID -> Handle
}

// New builds an empty Registry.
func New() *Registry {
	return &Registry{}
}

// Default is the process-wide registry every Connection registers into for
// the life of the connection, so a caller can resolve a stable ID back to
// its Handle across any number of reconnects without threading a reference
// through every call site (SPEC_FULL.md §5).
var Default = New()

// Register adds h under its own ID, replacing any prior entry with the
// same ID.
func (r *Registry) Register(h Handle) {
	r.m.Store(h.ID(), h)
}

// Unregister removes id, if present.
func (r *Registry) Unregister(id ID) {
	r.m.Delete(id)
}

// Get returns the Handle for id, if any.
func (r *Registry) Get(id ID) (Handle, bool) {
	v, ok := r.m.Load(id)
	if !ok {
		return nil, false
	}
	return v.(Handle), true
}

// Each calls fn for every registered Handle. fn must not mutate the
// Registry; use Register/Unregister for that.
func (r *Registry) Each(fn func(ID, Handle)) {
	r.m.Range(func(k, v any) bool {
		fn(k.(ID), v.(Handle))
		return true
	})
}

// Len reports the number of registered connections.
func (r *Registry) Len() int {
	n := 0
	r.m.Range(func(any, any) bool {
		n++
		return true
	})
	return n
}
