// Package topology keeps a node's partial view of the mesh as adjacency rows
// learned from metadata exchange, and computes hop counts over that view.
package topology

import (
	"sort"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/mnsl/meh/internal/wire"
)

// Store holds adjacency rows keyed by peer name. Only the row for self is
// authoritative; every other row is a cached copy of some peer's metadata.
type Store struct {
	mu   sync.RWMutex
	self string
	rows map[string]mapset.Set[string]
}

// New creates a Store whose own row starts empty.
func New(self string) *Store {
	s := &Store{
		self: self,
		rows: make(map[string]mapset.Set[string]),
	}
	s.rows[self] = mapset.NewThreadUnsafeSet[string]()
	return s
}

// UpdatePeerMap adds or removes the edge between self and neighbor in both
// directions. It reports whether the view changed.
func (s *Store) UpdatePeerMap(neighbor string, connected bool) bool {
	if neighbor == "" || neighbor == s.self {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if connected {
		a := s.row(s.self).Add(neighbor)
		b := s.row(neighbor).Add(s.self)
		return a || b
	}
	changed := false
	if r, ok := s.rows[s.self]; ok && r.Contains(neighbor) {
		r.Remove(neighbor)
		changed = true
	}
	if r, ok := s.rows[neighbor]; ok {
		if r.Contains(s.self) {
			r.Remove(s.self)
			changed = true
		}
		if r.Cardinality() == 0 {
			delete(s.rows, neighbor)
		}
	}
	return changed
}

// row returns the set for name, creating it.
func (s *Store) row(name string) mapset.Set[string] {
	r, ok := s.rows[name]
	if !ok {
		r = mapset.NewThreadUnsafeSet[string]()
		s.rows[name] = r
	}
	return r
}

// MergeRemoteMetadata folds a neighbor's peer-map into the cached view. A
// remote row for peer p replaces ours when the remote's hop count to p is
// strictly less than ours, or when we cannot reach p at all. Our own row is
// never replaced. It reports whether the view changed.
func (s *Store) MergeRemoteMetadata(md wire.Metadata) bool {
	if md.Username == "" || md.Username == s.self {
		return false
	}
	remote := ComputeHopCounts(md)

	s.mu.Lock()
	defer s.mu.Unlock()
	local := ComputeHopCounts(s.metadataLocked())

	changed := false
	names := make([]string, 0, len(md.PeerMap))
	for name := range md.PeerMap {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if name == s.self || name == "" {
			continue
		}
		lh, known := local[name]
		if rh, ok := remote[name]; known && (!ok || rh >= lh) {
			continue
		}
		next := mapset.NewThreadUnsafeSet[string](md.PeerMap[name]...)
		next.Remove("")
		if cur, ok := s.rows[name]; ok && cur.Equal(next) {
			continue
		}
		s.rows[name] = next
		changed = true
	}
	return changed
}

// Metadata returns a snapshot of this node's metadata record.
func (s *Store) Metadata() wire.Metadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.metadataLocked()
}

func (s *Store) metadataLocked() wire.Metadata {
	pm := make(wire.PeerMap, len(s.rows))
	for name, r := range s.rows {
		ns := r.ToSlice()
		sort.Strings(ns)
		pm[name] = ns
	}
	return wire.Metadata{Username: s.self, PeerMap: pm}
}

// Neighbors returns the cached neighbors of name, sorted.
func (s *Store) Neighbors(name string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rows[name]
	if !ok {
		return nil
	}
	ns := r.ToSlice()
	sort.Strings(ns)
	return ns
}

// HopCounts computes hop counts from self over the current view.
func (s *Store) HopCounts() map[string]int {
	return ComputeHopCounts(s.Metadata())
}

// ComputeHopCounts runs a breadth-first search over md.PeerMap starting at
// md.Username. Neighbors are visited in sorted order. Unreachable peers are
// absent from the result.
func ComputeHopCounts(md wire.Metadata) map[string]int {
	hops := make(map[string]int)
	if md.Username == "" {
		return hops
	}
	hops[md.Username] = 0
	queue := []string{md.Username}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		ns := append([]string(nil), md.PeerMap[cur]...)
		sort.Strings(ns)
		for _, n := range ns {
			if n == "" {
				continue
			}
			if _, seen := hops[n]; seen {
				continue
			}
			hops[n] = hops[cur] + 1
			queue = append(queue, n)
		}
	}
	return hops
}
