package relay

import (
	"slices"
	"sort"
	"sync"
)

// connSet holds the connections of one stream, per role, in join order.
type connSet struct {
	mu      sync.Mutex
	dead    bool
	members map[Role][]Conn
}

// countLocked returns the number of distinct connections across all roles.
// Caller must hold s.mu.
func (s *connSet) countLocked() int {
	seen := make(map[Conn]struct{})
	for _, conns := range s.members {
		for _, c := range conns {
			seen[c] = struct{}{}
		}
	}
	return len(seen)
}

// Registry tracks the active connections of every stream. The stream map is
// guarded by mu; each stream's sets are guarded by their own lock so streams
// never contend beyond the map lookup. mu may be held while taking a set
// lock, never the reverse.
type Registry struct {
	mu      sync.Mutex
	streams map[StreamID]*connSet
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{streams: make(map[StreamID]*connSet)}
}

func (r *Registry) entry(id StreamID) *connSet {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.streams[id]
}

// Register adds c to the role set of stream id. Registering the same
// connection twice under one role is a no-op.
func (r *Registry) Register(id StreamID, c Conn, role Role) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.streams[id]
	if ok {
		set.mu.Lock()
		if set.dead {
			// Emptied by a concurrent remove that has not dropped the entry yet.
			set.mu.Unlock()
			ok = false
		}
	}
	if !ok {
		set = &connSet{members: make(map[Role][]Conn)}
		set.mu.Lock()
		r.streams[id] = set
	}
	defer set.mu.Unlock()

	if !slices.Contains(set.members[role], c) {
		set.members[role] = append(set.members[role], c)
	}
}

// Unregister removes c from every role set of stream id and reports whether
// it was present and how many connections remain. The stream entry is dropped
// when the last connection leaves.
func (r *Registry) Unregister(id StreamID, c Conn) (removed bool, remaining int) {
	return r.remove(id, c, nil)
}

// UnregisterRole removes c from a single role set.
func (r *Registry) UnregisterRole(id StreamID, c Conn, role Role) (removed bool, remaining int) {
	return r.remove(id, c, &role)
}

func (r *Registry) remove(id StreamID, c Conn, only *Role) (bool, int) {
	set := r.entry(id)
	if set == nil {
		return false, 0
	}

	set.mu.Lock()
	removed := false
	for role, conns := range set.members {
		if only != nil && role != *only {
			continue
		}
		if i := slices.Index(conns, c); i >= 0 {
			set.members[role] = slices.Delete(conns, i, i+1)
			removed = true
		}
	}
	remaining := set.countLocked()
	drop := remaining == 0 && !set.dead
	if drop {
		set.dead = true
	}
	set.mu.Unlock()

	if drop {
		r.mu.Lock()
		if r.streams[id] == set {
			delete(r.streams, id)
		}
		r.mu.Unlock()
	}
	return removed, remaining
}

// Snapshot returns a point-in-time copy of the role set, in join order. The
// copy is safe to iterate while the registry changes.
func (r *Registry) Snapshot(id StreamID, role Role) []Conn {
	set := r.entry(id)
	if set == nil {
		return nil
	}
	set.mu.Lock()
	defer set.mu.Unlock()
	return slices.Clone(set.members[role])
}

// Count returns the size of one role set.
func (r *Registry) Count(id StreamID, role Role) int {
	set := r.entry(id)
	if set == nil {
		return 0
	}
	set.mu.Lock()
	defer set.mu.Unlock()
	return len(set.members[role])
}

// Has reports whether c is registered under role for stream id.
func (r *Registry) Has(id StreamID, c Conn, role Role) bool {
	set := r.entry(id)
	if set == nil {
		return false
	}
	set.mu.Lock()
	defer set.mu.Unlock()
	return slices.Contains(set.members[role], c)
}

// IsEmpty reports whether stream id has no connections of any role.
func (r *Registry) IsEmpty(id StreamID) bool {
	set := r.entry(id)
	if set == nil {
		return true
	}
	set.mu.Lock()
	defer set.mu.Unlock()
	return set.countLocked() == 0
}

// StreamIDs returns the ids with at least one connection, sorted.
func (r *Registry) StreamIDs() []StreamID {
	r.mu.Lock()
	ids := make([]StreamID, 0, len(r.streams))
	for id := range r.streams {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// All returns every registered connection once, across all streams.
func (r *Registry) All() []Conn {
	seen := make(map[Conn]struct{})
	var out []Conn
	for _, id := range r.StreamIDs() {
		for _, role := range []Role{RoleBroadcaster, RoleViewer, RoleEchoSubscriber} {
			for _, c := range r.Snapshot(id, role) {
				if _, ok := seen[c]; !ok {
					seen[c] = struct{}{}
					out = append(out, c)
				}
			}
		}
	}
	return out
}
