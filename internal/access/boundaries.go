// Package access holds the two per-server policy registries: root boundaries that limit
// which resource URIs a server may be asked to read, and credential-type grants that limit
// which vault secrets a server may resolve.
//
// Boundaries default to allow (no roots registered = unrestricted) while grants default to
// deny (no grant registered = no credential type allowed).
package access

import (
	"net"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Boundaries is the root boundary registry. Reads are lock-free against an immutable snapshot.
type Boundaries struct {
	mu   sync.Mutex // serializes writers
	snap atomic.Pointer[map[string][]string]
}

// NewBoundaries creates an empty registry
func NewBoundaries() *Boundaries {
	b := &Boundaries{}
	empty := map[string][]string{}
	b.snap.Store(&empty)
	return b
}

// Register replaces the root prefixes of serverID. Registering an empty set removes the
// restriction; a non-empty set in which no prefix parses denies everything.
func (b *Boundaries) Register(serverID string, prefixes []string) {
	normalized := make([]string, 0, len(prefixes))
	seen := make(map[string]bool, len(prefixes))
	for _, p := range prefixes {
		n := NormalizeURI(p)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		normalized = append(normalized, n)
	}
	sort.Strings(normalized)

	b.mu.Lock()
	defer b.mu.Unlock()

	next := copyMap(*b.snap.Load())
	if len(prefixes) == 0 {
		delete(next, serverID)
	} else {
		next[serverID] = normalized
	}
	b.snap.Store(&next)
}

// Remove drops every boundary of serverID
func (b *Boundaries) Remove(serverID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cur := *b.snap.Load()
	if _, ok := cur[serverID]; !ok {
		return
	}
	next := copyMap(cur)
	delete(next, serverID)
	b.snap.Store(&next)
}

// ValidateAccess reports whether serverID may access uri. A server without boundaries
// is unrestricted.
func (b *Boundaries) ValidateAccess(serverID, uri string) bool {
	roots, ok := (*b.snap.Load())[serverID]
	if !ok {
		return true
	}
	target := NormalizeURI(uri)
	if target == "" {
		return false
	}
	for _, root := range roots {
		if withinRoot(target, root) {
			return true
		}
	}
	return false
}

// List returns the normalized roots of serverID
func (b *Boundaries) List(serverID string) []string {
	return append([]string(nil), (*b.snap.Load())[serverID]...)
}

// withinRoot matches on path-segment boundaries so file:///data does not cover
// file:///database.
func withinRoot(target, root string) bool {
	if target == root {
		return true
	}
	if strings.HasSuffix(root, "/") {
		return strings.HasPrefix(target, root)
	}
	return strings.HasPrefix(target, root+"/")
}

// NormalizeURI canonicalizes uri for prefix comparison: lower-case scheme and host,
// default ports dropped, dot segments resolved and the trailing slash removed. Query
// and fragment are discarded. It returns "" when uri cannot be parsed.
func NormalizeURI(uri string) string {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return ""
	}
	u, err := url.Parse(uri)
	if err != nil {
		return ""
	}
	if u.Scheme == "" {
		// Bare paths are treated as file URIs
		if !strings.HasPrefix(uri, "/") {
			return ""
		}
		u = &url.URL{Scheme: "file", Path: uri}
	}

	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if port := u.Port(); port != "" && !isDefaultPort(scheme, port) {
		host = net.JoinHostPort(host, port)
	}

	p := u.Path
	if u.Opaque != "" {
		p = u.Opaque
	}
	if p != "" {
		leading := strings.HasPrefix(p, "/")
		p = path.Clean(p)
		if p == "." {
			p = ""
		}
		if leading && !strings.HasPrefix(p, "/") {
			p = "/" + p
		}
	}
	p = strings.TrimSuffix(p, "/")

	if u.Opaque != "" {
		return scheme + ":" + p
	}
	return scheme + "://" + host + p
}

func isDefaultPort(scheme, port string) bool {
	switch scheme {
	case "http", "ws":
		return port == "80"
	case "https", "wss":
		return port == "443"
	}
	return false
}

func copyMap[V any](m map[string]V) map[string]V {
	out := make(map[string]V, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}
