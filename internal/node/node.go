// Package node implements the mesh routing engine.
//
// Design:
//   - One goroutine drains transport events; another runs periodic work
//     (metadata rebroadcast, outbox polling, rescans, expiry).
//   - All protocol state (dedup sets, pending ACKs, directory, topology,
//     outbox) sits behind a single mutex. Each operation decides what to do
//     while holding it and collects the resulting inbox writes and observer
//     notifications, which run after the lock is released. Outbox and
//     metadata snapshots are published under the lock so they stay ordered.
//   - Delivery is best effort. Writes are fire-and-forget; the flood at every
//     hop and the outbox are the only resilience.
package node

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mnsl/meh/internal/directory"
	"github.com/mnsl/meh/internal/seen"
	"github.com/mnsl/meh/internal/topology"
	"github.com/mnsl/meh/internal/transport"
	"github.com/mnsl/meh/internal/wire"
)

const (
	defaultScanTimeout   = 10 * time.Second
	housekeepingInterval = time.Second
	maxPickupAcks        = 64 // acknowledgements served in metadata for pickup
)

var (
	// ErrSelfDestination is returned when sending a message to this node.
	ErrSelfDestination = errors.New("node: destination is self")
	// ErrNoDestination is returned when sending without a destination.
	ErrNoDestination = errors.New("node: empty destination")
	// ErrNoName is returned by New when Config.Name is empty.
	ErrNoName = errors.New("node: empty name")
)

// Config configures a Node.
type Config struct {
	Name      string
	Transport transport.Transport
	Logger    *slog.Logger

	ScanTimeout      time.Duration // per scan; defaults to defaultScanTimeout
	ScanInterval     time.Duration // rescan period; 0 = only on power-on
	MetadataInterval time.Duration // metadata rebroadcast period; 0 = only on change
	PollInterval     time.Duration // outbox poll period for writable peers; 0 = subscription only
	AckExpiry        time.Duration // give up on pending ACKs after this; 0 = never

	Dedup seen.Config

	Now func() time.Time // clock; defaults to time.Now
}

type pending struct {
	msg wire.UserMessage
}

type role int

const (
	roleOutbound role = iota // we connected; peer is writable
	roleInbound              // peer connected to us; poll-only
)

type linkKey struct {
	h    transport.Handle
	role role
}

// Node is the routing engine for one mesh participant.
type Node struct {
	cfg  Config
	name string
	tr   transport.Transport
	log  *slog.Logger
	now  func() time.Time

	mu          sync.Mutex
	dir         *directory.Directory
	topo        *topology.Store
	doNotFwd    *seen.Cache
	doNotFwdAck *seen.Cache
	awaiting    map[int64]pending
	out         outbox
	pickup      []wire.Ack
	links       map[linkKey]string

	obsMu     sync.Mutex
	observers []subscription
	nextObs   uint64

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a Node. The transport is not started until Start.
func New(cfg Config) (*Node, error) {
	if cfg.Name == "" {
		return nil, ErrNoName
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("node %s: no transport", cfg.Name)
	}
	if cfg.ScanTimeout <= 0 {
		cfg.ScanTimeout = defaultScanTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	n := &Node{
		cfg:         cfg,
		name:        cfg.Name,
		tr:          cfg.Transport,
		log:         logger.With("component", "node", "self", cfg.Name),
		now:         cfg.Now,
		dir:         directory.New(),
		topo:        topology.New(cfg.Name),
		doNotFwd:    seen.New(cfg.Dedup),
		doNotFwdAck: seen.New(cfg.Dedup),
		awaiting:    make(map[int64]pending),
		links:       make(map[linkKey]string),
		stopCh:      make(chan struct{}),
	}
	return n, nil
}

// Start starts the transport and the engine goroutines. Scanning begins when
// the transport reports it is powered on.
func (n *Node) Start() error {
	if err := n.tr.Start(); err != nil {
		return fmt.Errorf("node: transport start: %w", err)
	}
	n.publishState()
	n.wg.Add(2)
	go n.eventLoop()
	go n.maintenanceLoop()
	return nil
}

// Stop shuts the node down and closes its transport.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		close(n.stopCh)
		n.tr.Close() //nolint:errcheck
		n.wg.Wait()
	})
}

// publishState serves the current outbox and metadata to inbound connectors.
func (n *Node) publishState() {
	var e effects
	n.mu.Lock()
	n.publishOutboxLocked()
	n.publishMetadataLocked(&e, false)
	n.mu.Unlock()
	e.run()
}

func (n *Node) eventLoop() {
	defer n.wg.Done()
	events := n.tr.Events()
	for {
		select {
		case <-n.stopCh:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			n.HandleEvent(ev)
		}
	}
}

// ticker returns a ticker channel for d, or nil when d is disabled.
func ticker(d time.Duration) (<-chan time.Time, func()) {
	if d <= 0 {
		return nil, func() {}
	}
	t := time.NewTicker(d)
	return t.C, t.Stop
}

func (n *Node) maintenanceLoop() {
	defer n.wg.Done()
	metaC, stopMeta := ticker(n.cfg.MetadataInterval)
	defer stopMeta()
	pollC, stopPoll := ticker(n.cfg.PollInterval)
	defer stopPoll()
	scanC, stopScan := ticker(n.cfg.ScanInterval)
	defer stopScan()
	houseC, stopHouse := ticker(housekeepingInterval)
	defer stopHouse()

	for {
		select {
		case <-n.stopCh:
			return
		case <-metaC:
			n.BroadcastMetadata()
		case <-pollC:
			n.PollOutboxes()
		case <-scanC:
			n.scan()
		case <-houseC:
			n.housekeeping()
		}
	}
}

func (n *Node) scan() {
	if !n.tr.Scan(n.cfg.ScanTimeout) {
		n.log.Warn("Scan refused, transport not ready")
	}
}

// housekeeping prunes expired dedup entries and gives up on stale ACKs.
func (n *Node) housekeeping() {
	n.doNotFwd.Prune()
	n.doNotFwdAck.Prune()
	n.ExpireAcks()
}

// ExpireAcks drops pending acknowledgements older than Config.AckExpiry and
// returns the messages given up on.
func (n *Node) ExpireAcks() []wire.UserMessage {
	if n.cfg.AckExpiry <= 0 {
		return nil
	}
	var e effects
	now := n.now()
	var expired []wire.UserMessage

	n.mu.Lock()
	for h, p := range n.awaiting {
		if now.Sub(p.msg.Timestamp) > n.cfg.AckExpiry {
			delete(n.awaiting, h)
			expired = append(expired, p.msg)
		}
	}
	n.mu.Unlock()

	sort.Slice(expired, func(i, j int) bool { return expired[i].Timestamp.Before(expired[j].Timestamp) })
	for _, m := range expired {
		m := m
		n.log.Info("Gave up waiting for ACK", "to", m.Destination, "hash", m.Hash())
		e.do(func() {
			n.notify(func(o Observer) {
				if x, ok := o.(AckExpiredObserver); ok {
					x.OnAckExpired(m)
				}
			})
		})
	}
	e.run()
	return expired
}

// BroadcastMetadata publishes this node's metadata and writes it to every
// writable peer.
func (n *Node) BroadcastMetadata() {
	var e effects
	n.mu.Lock()
	n.publishMetadataLocked(&e, true)
	n.mu.Unlock()
	e.run()
}

// PollOutboxes asks every writable peer for its outbox and its metadata,
// which carries acknowledgements queued for pickup.
func (n *Node) PollOutboxes() {
	n.mu.Lock()
	var hs []transport.Handle
	for k := range n.links {
		if k.role == roleOutbound {
			hs = append(hs, k.h)
		}
	}
	n.mu.Unlock()
	sort.Slice(hs, func(i, j int) bool { return hs[i] < hs[j] })
	for _, h := range hs {
		n.tr.ReadOutbox(h)
		n.tr.ReadMetadata(h)
	}
}

// Name returns this node's peer name.
func (n *Node) Name() string { return n.name }

// HopCounts returns the hop count to every peer reachable in this node's view.
func (n *Node) HopCounts() map[string]int {
	return n.topo.HopCounts()
}

// Metadata returns this node's current metadata record.
func (n *Node) Metadata() wire.Metadata {
	return n.topo.Metadata()
}

// PeerStatus describes a known peer.
type PeerStatus struct {
	Name         string                 `json:"name"`
	ID           transport.Handle       `json:"id,omitempty"`
	Reachability directory.Reachability `json:"reachability"`
	Hops         int                    `json:"hops"` // -1 when unreachable in the current view
}

// Peers lists every known peer, sorted by name.
func (n *Node) Peers() []PeerStatus {
	hops := n.topo.HopCounts()
	var out []PeerStatus
	for _, p := range n.dir.All() {
		if p.Name == n.name {
			continue
		}
		h, ok := hops[p.Name]
		if !ok {
			h = -1
		}
		out = append(out, PeerStatus{
			Name:         p.Name,
			ID:           p.ID,
			Reachability: n.dir.Reachability(p.Name),
			Hops:         h,
		})
	}
	return out
}

// Outbox returns the messages currently served to poll-only neighbors.
func (n *Node) Outbox() []wire.UserMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.out.snapshot()
}

// PendingAcks returns the messages this node originated that are still
// waiting for an acknowledgement, oldest first.
func (n *Node) PendingAcks() []wire.UserMessage {
	n.mu.Lock()
	out := make([]wire.UserMessage, 0, len(n.awaiting))
	for _, p := range n.awaiting {
		out = append(out, p.msg)
	}
	n.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}
