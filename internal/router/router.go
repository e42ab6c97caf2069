// Package router maps capability names to the servers that provide them and picks one
// provider per call.
package router

import (
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"

	"mcphost-go/internal/hosterr"
)

// PrimaryWeight is the threshold of the primary tier
const PrimaryWeight = 1.0

// Kind is the MCP capability family a record belongs to
type Kind string

const (
	KindTool     Kind = "tool"
	KindPrompt   Kind = "prompt"
	KindResource Kind = "resource"
)

// Record is one (capability, server) routing entry
type Record struct {
	Name        string          `json:"name"`
	ServerID    string          `json:"server_id"`
	Kind        Kind            `json:"kind"`
	Weight      float64         `json:"weight"`
	Description string          `json:"description,omitempty"`
	Schema      json.RawMessage `json:"schema,omitempty"`
	Hash        string          `json:"hash,omitempty"`
	// Template is set for resource templates; Name then holds the URI template.
	Template bool `json:"template,omitempty"`
}

// table maps capability name to providers in routing order
type table map[string][]Record

// Router is a copy-on-write routing table. Select never blocks on registration.
type Router struct {
	mu   sync.Mutex // serializes writers
	snap atomic.Pointer[table]
}

// New creates an empty router
func New() *Router {
	r := &Router{}
	empty := table{}
	r.snap.Store(&empty)
	return r
}

// Register adds or replaces the record for (rec.Name, rec.ServerID). A server has at
// most one record per name, whatever its kind.
func (r *Router) Register(rec Record) {
	r.RegisterAll([]Record{rec})
}

// RegisterAll applies a batch of registrations as one snapshot swap. When the batch holds
// several records for the same (name, server), tools win over prompts and prompts over
// resources.
func (r *Router) RegisterAll(recs []Record) {
	if len(recs) == 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.clone()
	for _, rec := range dedupe(recs) {
		providers := next[rec.Name]
		out := make([]Record, 0, len(providers)+1)
		for _, p := range providers {
			if p.ServerID != rec.ServerID {
				out = append(out, p)
			}
		}
		out = append(out, rec)
		sortProviders(out)
		next[rec.Name] = out
	}
	r.snap.Store(&next)
}

var kindRank = map[Kind]int{KindTool: 0, KindPrompt: 1, KindResource: 2}

// dedupe keeps one record per (name, server), preferring the lower kind rank
func dedupe(recs []Record) []Record {
	type key struct{ name, serverID string }
	index := make(map[key]int, len(recs))
	out := make([]Record, 0, len(recs))
	for _, rec := range recs {
		k := key{rec.Name, rec.ServerID}
		i, dup := index[k]
		if !dup {
			index[k] = len(out)
			out = append(out, rec)
			continue
		}
		if kindRank[rec.Kind] < kindRank[out[i].Kind] {
			out[i] = rec
		}
	}
	return out
}

// Unregister removes the (name, serverID) record if present
func (r *Router) Unregister(serverID, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := *r.snap.Load()
	providers, ok := cur[name]
	if !ok {
		return
	}
	next := r.clone()
	out := make([]Record, 0, len(providers))
	for _, p := range providers {
		if p.ServerID != serverID {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		delete(next, name)
	} else {
		next[name] = out
	}
	r.snap.Store(&next)
}

// UnregisterServer removes every record of serverID and returns how many were dropped
func (r *Router) UnregisterServer(serverID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := *r.snap.Load()
	next := make(table, len(cur))
	removed := 0
	for name, providers := range cur {
		out := make([]Record, 0, len(providers))
		for _, p := range providers {
			if p.ServerID == serverID {
				removed++
				continue
			}
			out = append(out, p)
		}
		if len(out) > 0 {
			next[name] = out
		}
	}
	if removed > 0 {
		r.snap.Store(&next)
	}
	return removed
}

// Select picks the provider of name. Servers listed in exclude are skipped.
//
// Providers with weight >= 1.0 form the primary tier, where the lowest server ID wins.
// Without a primary provider the highest weight wins, ties going to the lowest server ID.
func (r *Router) Select(name string, exclude ...string) (Record, error) {
	for _, p := range (*r.snap.Load())[name] {
		if contains(exclude, p.ServerID) {
			continue
		}
		return p, nil
	}
	return Record{}, hosterr.NotFound(name)
}

// SelectServer returns only the server ID chosen by Select
func (r *Router) SelectServer(name string) (string, error) {
	rec, err := r.Select(name)
	if err != nil {
		return "", err
	}
	return rec.ServerID, nil
}

// ServersFor returns the providers of name in routing order
func (r *Router) ServersFor(name string) []string {
	providers := (*r.snap.Load())[name]
	out := make([]string, len(providers))
	for i, p := range providers {
		out[i] = p.ServerID
	}
	return out
}

// Records returns a copy of the provider records of name in routing order
func (r *Router) Records(name string) []Record {
	return append([]Record(nil), (*r.snap.Load())[name]...)
}

// HasBackup reports whether a server other than serverID provides name
func (r *Router) HasBackup(name, serverID string) bool {
	for _, p := range (*r.snap.Load())[name] {
		if p.ServerID != serverID {
			return true
		}
	}
	return false
}

// ListCapabilities returns every routable name, sorted
func (r *Router) ListCapabilities() []string {
	cur := *r.snap.Load()
	names := make([]string, 0, len(cur))
	for name := range cur {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Catalog returns the selected record of every capability, sorted by name
func (r *Router) Catalog() []Record {
	cur := *r.snap.Load()
	out := make([]Record, 0, len(cur))
	for _, providers := range cur {
		out = append(out, providers[0])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ServerRecords returns every record registered by serverID, sorted by name
func (r *Router) ServerRecords(serverID string) []Record {
	var out []Record
	for _, providers := range *r.snap.Load() {
		for _, p := range providers {
			if p.ServerID == serverID {
				out = append(out, p)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// clone copies the current table; callers hold mu
func (r *Router) clone() table {
	cur := *r.snap.Load()
	next := make(table, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	return next
}

// sortProviders orders records so the first one is the Select winner
func sortProviders(recs []Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		ap, bp := a.Weight >= PrimaryWeight, b.Weight >= PrimaryWeight
		switch {
		case ap && bp:
			return a.ServerID < b.ServerID
		case ap != bp:
			return ap
		case a.Weight != b.Weight:
			return a.Weight > b.Weight
		default:
			return a.ServerID < b.ServerID
		}
	})
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
