package hotswap

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"capsmith/internal/registry"
)

type routeKey struct {
	method string
	path   string
}

// Conflict names a route that is already owned by another capability.
type Conflict struct {
	Path    string `json:"path"`
	Method  string `json:"method"`
	OwnerID string `json:"owner_id"`
}

// ConflictError is returned when a registration would collide with
// routes owned by a different capability. Nothing is mutated when it is
// returned.
type ConflictError struct {
	Conflicts []Conflict
}

func (e *ConflictError) Error() string {
	parts := make([]string, len(e.Conflicts))
	for i, c := range e.Conflicts {
		parts[i] = c.Method + " " + c.Path + " (owned by " + c.OwnerID + ")"
	}
	return "route conflict: " + strings.Join(parts, ", ")
}

// Table is the live route table. Lookups on the request path are
// lock-free: the full map is swapped atomically on every mutation, so
// readers never observe a partial update. Mutations take a writer lock
// and copy-on-write the map.
type Table struct {
	mu      sync.Mutex
	current atomic.Pointer[map[routeKey]registry.OwnedRoute]
}

// NewTable creates an empty route table.
func NewTable() *Table {
	t := &Table{}
	empty := make(map[routeKey]registry.OwnedRoute)
	t.current.Store(&empty)
	return t
}

// Lookup resolves the capability owning a method/path pair.
func (t *Table) Lookup(method, path string) (registry.OwnedRoute, bool) {
	m := *t.current.Load()
	r, ok := m[routeKey{method: method, path: path}]
	return r, ok
}

// Register binds a capability's routes. The operation is atomic: if any
// requested route is owned by a different capability, a ConflictError
// naming every colliding route and its owner is returned and the table
// is untouched. Re-registering routes the same capability already owns
// is allowed and is how a new version takes over its predecessor's
// paths.
func (t *Table) Register(capID string, routes []registry.Route) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	old := *t.current.Load()
	var conflicts []Conflict
	for _, r := range routes {
		for _, method := range r.Methods {
			if owner, ok := old[routeKey{method: method, path: r.Path}]; ok && owner.CapabilityID != capID {
				conflicts = append(conflicts, Conflict{Path: r.Path, Method: method, OwnerID: owner.CapabilityID})
			}
		}
	}
	if len(conflicts) > 0 {
		return &ConflictError{Conflicts: conflicts}
	}

	next := make(map[routeKey]registry.OwnedRoute, len(old)+len(routes))
	for k, v := range old {
		next[k] = v
	}
	for _, r := range routes {
		for _, method := range r.Methods {
			next[routeKey{method: method, path: r.Path}] = registry.OwnedRoute{
				CapabilityID: capID,
				Path:         r.Path,
				Method:       method,
			}
		}
	}
	t.current.Store(&next)
	return nil
}

// Unregister removes every route owned by a capability.
func (t *Table) Unregister(capID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	old := *t.current.Load()
	next := make(map[routeKey]registry.OwnedRoute, len(old))
	for k, v := range old {
		if v.CapabilityID != capID {
			next[k] = v
		}
	}
	t.current.Store(&next)
}

// Snapshot captures the full active route set, sorted for stable
// persistence.
func (t *Table) Snapshot() []registry.OwnedRoute {
	m := *t.current.Load()
	out := make([]registry.OwnedRoute, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		return out[i].Method < out[j].Method
	})
	return out
}

// Restore replaces the entire table with exactly the given route set.
// After Restore the active set equals the snapshot, no more, no less.
func (t *Table) Restore(routes []registry.OwnedRoute) {
	t.mu.Lock()
	defer t.mu.Unlock()

	next := make(map[routeKey]registry.OwnedRoute, len(routes))
	for _, r := range routes {
		next[routeKey{method: r.Method, path: r.Path}] = r
	}
	t.current.Store(&next)
}
