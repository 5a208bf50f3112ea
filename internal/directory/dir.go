// Package directory maintains the local peer directory: a mapping of stable
// peer names to transport handles, plus the set of peers currently reachable
// directly in each transport role.
//
// Peers are created on first contact (a link, a message naming them, or a
// metadata row) and are only superseded, never rewritten: a known handle is
// never replaced by an unknown one.
package directory

import (
	"sort"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/mnsl/meh/internal/transport"
)

// Peer is a known node. Equality is by Name.
type Peer struct {
	ID   transport.Handle `json:"id,omitempty"` // empty when known only indirectly
	Name string           `json:"name"`
}

// Reachability is how this node can hand a message to a peer.
type Reachability int

const (
	// Unreachable peers are not linked directly in either role.
	Unreachable Reachability = iota
	// PollOnly peers connected to us; they read our outbox.
	PollOnly
	// Writable peers are ones we connected to; we write their inbox.
	Writable
)

func (r Reachability) String() string {
	switch r {
	case Writable:
		return "writable"
	case PollOnly:
		return "poll-only"
	default:
		return "unreachable"
	}
}

// MarshalText renders r by name in JSON and TOML output.
func (r Reachability) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// Directory is a concurrent-safe peer store.
type Directory struct {
	mu       sync.RWMutex
	peers    map[string]Peer
	writable map[string]transport.Handle
	pollOnly mapset.Set[string]
}

// New creates an empty Directory.
func New() *Directory {
	return &Directory{
		peers:    make(map[string]Peer),
		writable: make(map[string]transport.Handle),
		pollOnly: mapset.NewThreadUnsafeSet[string](),
	}
}

// Register upserts p and returns the stored record. An empty Name is ignored.
// A previously unknown ID is filled in; a known ID is never cleared.
func (d *Directory) Register(p Peer) Peer {
	if p.Name == "" {
		return p
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.registerLocked(p)
}

func (d *Directory) registerLocked(p Peer) Peer {
	cur, ok := d.peers[p.Name]
	if ok && p.ID == "" {
		return cur
	}
	d.peers[p.Name] = p
	return p
}

// Lookup finds a peer by name.
func (d *Directory) Lookup(name string) (Peer, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.peers[name]
	return p, ok
}

// All returns every known peer ordered by name.
func (d *Directory) All() []Peer {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Peer, 0, len(d.peers))
	for _, p := range d.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SetWritable records (or, with h == "", clears) the outbound handle through
// which name's inbox can be written.
func (d *Directory) SetWritable(name string, h transport.Handle) {
	if name == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if h == "" {
		delete(d.writable, name)
		return
	}
	d.registerLocked(Peer{ID: h, Name: name})
	d.writable[name] = h
}

// SetPollOnly records whether name is connected to us in the inbound role.
func (d *Directory) SetPollOnly(name string, h transport.Handle, on bool) {
	if name == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !on {
		d.pollOnly.Remove(name)
		return
	}
	if cur, ok := d.peers[name]; !ok || cur.ID == "" {
		d.registerLocked(Peer{ID: h, Name: name})
	}
	d.pollOnly.Add(name)
}

// Reachability reports the best direct role for name. Writable wins when a
// peer is linked in both roles.
func (d *Directory) Reachability(name string) Reachability {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if _, ok := d.writable[name]; ok {
		return Writable
	}
	if d.pollOnly.Contains(name) {
		return PollOnly
	}
	return Unreachable
}

// WritableHandle returns the handle to write name's inbox through.
func (d *Directory) WritableHandle(name string) (transport.Handle, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.writable[name]
	return h, ok
}

// Writable returns the names of all writable peers, sorted.
func (d *Directory) Writable() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.writable))
	for n := range d.writable {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Direct returns the names of all peers linked in either role, sorted.
func (d *Directory) Direct() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	all := d.pollOnly.Clone()
	for n := range d.writable {
		all.Add(n)
	}
	out := all.ToSlice()
	sort.Strings(out)
	return out
}

// Remove forgets name entirely, including its reachability.
func (d *Directory) Remove(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.peers, name)
	delete(d.writable, name)
	d.pollOnly.Remove(name)
}
