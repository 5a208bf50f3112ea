package node

import (
	"fmt"

	"github.com/mnsl/meh/internal/directory"
	"github.com/mnsl/meh/internal/transport"
	"github.com/mnsl/meh/internal/wire"
)

// effects collects work decided under Node.mu that must run after it is
// released: inbox writes and observer notifications. Publishing the outbox
// and metadata is not deferred; it happens under the lock.
type effects struct {
	ops []func()
}

func (e *effects) do(f func()) { e.ops = append(e.ops, f) }

func (e *effects) run() {
	for _, f := range e.ops {
		f()
	}
}

// SendMessage originates a message to dest and hands it to the relay path.
// The returned message carries the hash an acknowledgement will echo.
func (n *Node) SendMessage(text, dest string) (wire.UserMessage, error) {
	switch dest {
	case "":
		return wire.UserMessage{}, ErrNoDestination
	case n.name:
		return wire.UserMessage{}, ErrSelfDestination
	}
	m := wire.NewUserMessage(text, n.name, dest, n.now())

	var e effects
	n.mu.Lock()
	n.dir.Register(directory.Peer{Name: dest})
	n.awaiting[m.Hash()] = pending{msg: m}
	n.relayLocked(&e, m, n.name)
	n.mu.Unlock()
	e.run()
	return m, nil
}

// relayLocked marks m as forwarded and routes it toward its destination,
// skipping the peer named exclude when flooding.
func (n *Node) relayLocked(e *effects, m wire.UserMessage, exclude string) {
	n.doNotFwd.Add(m.Hash())
	e.do(func() { n.notify(func(o Observer) { o.OnMessageSent(m) }) })

	data, err := wire.Encode(m)
	if err != nil {
		n.log.Error("Encode user message", "err", err)
		return
	}

	switch n.dir.Reachability(m.Destination) {
	case directory.Writable:
		h, _ := n.dir.WritableHandle(m.Destination)
		n.log.Debug("Unicast", "to", m.Destination, "hash", m.Hash())
		n.writeLocked(e, m.Destination, h, data)
		return
	case directory.PollOnly:
		n.log.Debug("Queued for pickup", "to", m.Destination, "hash", m.Hash())
	default:
		n.log.Debug("Flooding", "to", m.Destination, "exclude", exclude, "hash", m.Hash())
		n.floodLocked(e, data, exclude)
	}
	n.addToOutboxLocked(m)
}

// floodLocked writes data to every writable peer except exclude.
func (n *Node) floodLocked(e *effects, data []byte, exclude string) {
	for _, name := range n.dir.Writable() {
		if name == exclude || name == n.name {
			continue
		}
		h, _ := n.dir.WritableHandle(name)
		n.writeLocked(e, name, h, data)
	}
}

func (n *Node) writeLocked(e *effects, name string, h transport.Handle, data []byte) {
	e.do(func() {
		if !n.tr.WriteInbox(h, data) {
			n.log.Warn("Inbox write failed", "peer", name, "handle", h)
		}
	})
}

// Receive handles bytes that arrived from the peer named sender, either
// written to our inbox or read from its characteristics.
func (n *Node) Receive(raw []byte, sender string) {
	msg, err := wire.Decode(raw)
	if err != nil {
		n.log.Debug("Dropping malformed payload", "from", sender, "err", err)
		return
	}
	var e effects
	n.mu.Lock()
	switch m := msg.(type) {
	case wire.UserMessage:
		n.handleUserMessageLocked(&e, m, sender)
	case wire.Ack:
		n.handleAckLocked(&e, m, sender)
	case wire.Metadata:
		n.handleMetadataLocked(&e, m, sender)
	}
	n.mu.Unlock()
	e.run()
}

func (n *Node) handleUserMessageLocked(e *effects, m wire.UserMessage, sender string) {
	for _, name := range []string{sender, m.Origin, m.Destination} {
		if name != n.name {
			n.dir.Register(directory.Peer{Name: name})
		}
	}
	h := m.Hash()

	if m.Destination == n.name {
		// Copies arrive over every path; deliver and acknowledge once.
		if !n.doNotFwd.Add(h) {
			return
		}
		n.log.Info("Delivered", "from", m.Origin, "via", sender, "hash", h)
		ack := wire.AckFor(m)
		n.doNotFwdAck.Add(ack.Key())
		n.routeAckLocked(e, ack, n.name)
		e.do(func() { n.notify(func(o Observer) { o.OnMessageReceived(m) }) })
		return
	}
	if n.doNotFwd.Has(h) {
		return
	}
	n.relayLocked(e, m, sender)
}

func (n *Node) handleAckLocked(e *effects, a wire.Ack, sender string) {
	if a.OriginalOrigin == n.name {
		p, ok := n.awaiting[a.OriginalHash]
		if !ok {
			n.log.Debug("ACK matches nothing pending", "hash", a.OriginalHash, "via", sender)
			return
		}
		delete(n.awaiting, a.OriginalHash)
		latency := n.now().Sub(p.msg.Timestamp)
		n.log.Info("Acknowledged", "by", a.OriginalDestination, "hash", a.OriginalHash, "latency", latency)
		n.removeFromOutboxLocked(a.OriginalHash)
		m := p.msg
		e.do(func() { n.notify(func(o Observer) { o.OnAckReceived(m, latency) }) })
		return
	}
	if !n.doNotFwdAck.Add(a.Key()) {
		return
	}
	n.removeFromOutboxLocked(a.OriginalHash)
	n.routeAckLocked(e, a, sender)
}

// routeAckLocked resolves the ACK's origin like a user message destination.
// The outbox only carries user messages, so ACKs that cannot be pushed are
// queued for pickup in the metadata this node serves.
func (n *Node) routeAckLocked(e *effects, a wire.Ack, exclude string) {
	data, err := wire.Encode(a)
	if err != nil {
		n.log.Error("Encode ACK", "err", err)
		return
	}
	switch n.dir.Reachability(a.OriginalOrigin) {
	case directory.Writable:
		h, _ := n.dir.WritableHandle(a.OriginalOrigin)
		n.writeLocked(e, a.OriginalOrigin, h, data)
		return
	case directory.PollOnly:
		n.log.Debug("ACK queued for pickup", "to", a.OriginalOrigin, "hash", a.OriginalHash)
	default:
		n.floodLocked(e, data, exclude)
	}
	n.addPickupLocked(a)
	n.publishMetadataLocked(e, false)
}

// addPickupLocked queues a for pickup, dropping the oldest entry once the
// queue is full.
func (n *Node) addPickupLocked(a wire.Ack) {
	for _, cur := range n.pickup {
		if cur.Key() == a.Key() {
			return
		}
	}
	if len(n.pickup) >= maxPickupAcks {
		dropped := n.pickup[0]
		n.log.Warn("Pickup queue full, dropping ACK", "to", dropped.OriginalOrigin, "hash", dropped.OriginalHash)
		n.pickup = append(n.pickup[:0], n.pickup[1:]...)
	}
	n.pickup = append(n.pickup, a)
}

// flushPickupToLocked writes queued ACKs for name straight to its inbox now
// that it is writable, and stops serving them.
func (n *Node) flushPickupToLocked(e *effects, name string, h transport.Handle) {
	kept := n.pickup[:0]
	for _, a := range n.pickup {
		if a.OriginalOrigin != name {
			kept = append(kept, a)
			continue
		}
		data, err := wire.Encode(a)
		if err != nil {
			n.log.Error("Encode ACK", "err", err)
			continue
		}
		n.writeLocked(e, name, h, data)
	}
	n.pickup = kept
}

func (n *Node) handleMetadataLocked(e *effects, md wire.Metadata, sender string) {
	if md.Username == "" || md.Username == n.name {
		return
	}
	if sender == "" {
		sender = md.Username
	}
	n.dir.Register(directory.Peer{Name: md.Username})
	for name, ns := range md.PeerMap {
		for _, p := range append([]string{name}, ns...) {
			if p != "" && p != n.name {
				n.dir.Register(directory.Peer{Name: p})
			}
		}
	}
	for _, a := range md.Acks {
		n.handleAckLocked(e, a, sender)
	}

	changed := n.topo.MergeRemoteMetadata(md)
	if n.dir.Reachability(sender) != directory.Unreachable {
		changed = n.topo.UpdatePeerMap(sender, true) || changed
	}
	if changed {
		n.log.Debug("Topology changed", "from", md.Username)
		n.publishMetadataLocked(e, true)
		n.topologyChangedLocked(e)
	}
}

func (n *Node) topologyChangedLocked(e *effects) {
	hops := n.topo.HopCounts()
	e.do(func() { n.notify(func(o Observer) { o.OnTopologyChanged(hops) }) })
}

// publishMetadataLocked serves our metadata to inbound connectors and, when
// push is set, writes it to every writable peer as well. Publishing happens
// under n.mu so a later snapshot can never be overwritten by an earlier one.
func (n *Node) publishMetadataLocked(e *effects, push bool) {
	md := n.topo.Metadata()
	md.Acks = append([]wire.Ack(nil), n.pickup...)
	data, err := wire.Encode(md)
	if err != nil {
		n.log.Error("Encode metadata", "err", err)
		return
	}
	n.tr.PublishMetadata(data)
	if push {
		n.floodLocked(e, data, "")
	}
}

// publishOutboxLocked replaces the outbox served to inbound connectors. Like
// metadata it is published under n.mu to keep snapshots in order.
func (n *Node) publishOutboxLocked() {
	data, err := n.out.encode()
	if err != nil {
		n.log.Error("Encode outbox", "err", err)
		return
	}
	n.tr.PublishOutbox(data)
}

func (n *Node) addToOutboxLocked(m wire.UserMessage) bool {
	if !n.out.add(m) {
		return false
	}
	n.publishOutboxLocked()
	return true
}

func (n *Node) removeFromOutboxLocked(h int64) bool {
	if !n.out.remove(h) {
		return false
	}
	n.publishOutboxLocked()
	return true
}

// AddMessageToOutbox queues m for poll-only neighbors and republishes the
// outbox. It reports false if m was already queued.
func (n *Node) AddMessageToOutbox(m wire.UserMessage) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.addToOutboxLocked(m)
}

// RemoveMessageFromOutbox drops queued messages with hash h and republishes
// the outbox. It reports whether anything was removed.
func (n *Node) RemoveMessageFromOutbox(h int64) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.removeFromOutboxLocked(h)
}

func (k linkKey) String() string {
	if k.role == roleOutbound {
		return fmt.Sprintf("out:%s", k.h)
	}
	return fmt.Sprintf("in:%s", k.h)
}
