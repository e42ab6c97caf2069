package access

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Grants is the permission registry mapping servers to the credential types they may resolve.
type Grants struct {
	mu   sync.Mutex
	snap atomic.Pointer[map[string]map[string]struct{}]
}

// NewGrants creates an empty registry
func NewGrants() *Grants {
	g := &Grants{}
	empty := map[string]map[string]struct{}{}
	g.snap.Store(&empty)
	return g
}

// Register replaces the allowed credential types of serverID
func (g *Grants) Register(serverID string, types []string) {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		if t != "" {
			set[t] = struct{}{}
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	next := copyMap(*g.snap.Load())
	next[serverID] = set
	g.snap.Store(&next)
}

// Remove drops the grant of serverID, returning it to deny-all
func (g *Grants) Remove(serverID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	cur := *g.snap.Load()
	if _, ok := cur[serverID]; !ok {
		return
	}
	next := copyMap(cur)
	delete(next, serverID)
	g.snap.Store(&next)
}

// IsAllowed reports whether serverID may resolve credentials of credType
func (g *Grants) IsAllowed(serverID, credType string) bool {
	set, ok := (*g.snap.Load())[serverID]
	if !ok {
		return false
	}
	_, ok = set[credType]
	return ok
}

// List returns the sorted credential types granted to serverID
func (g *Grants) List(serverID string) []string {
	set := (*g.snap.Load())[serverID]
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
