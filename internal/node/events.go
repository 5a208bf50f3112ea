package node

import (
	"github.com/mnsl/meh/internal/directory"
	"github.com/mnsl/meh/internal/transport"
	"github.com/mnsl/meh/internal/wire"
)

// HandleEvent applies one transport event. The event loop calls it for
// every event the transport raises; it is exported so other drivers can
// feed events directly.
func (n *Node) HandleEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.EventStateChanged:
		n.log.Info("Transport state", "state", ev.State)
		if ev.State == transport.StatePoweredOn {
			n.scan()
		}
	case transport.EventDiscovered:
		n.onDiscovered(ev)
	case transport.EventConnected:
		n.onLinkUp(ev, roleOutbound)
	case transport.EventSubscribed:
		n.onLinkUp(ev, roleInbound)
	case transport.EventDisconnected:
		n.onLinkDown(ev, roleOutbound)
	case transport.EventUnsubscribed:
		n.onLinkDown(ev, roleInbound)
	case transport.EventInboxWrite:
		n.Receive(ev.Data, n.senderName(ev, roleInbound))
	case transport.EventValueChanged:
		n.onValue(ev)
	default:
		n.log.Debug("Ignoring transport event", "kind", ev.Kind)
	}
}

func (n *Node) senderName(ev transport.Event, r role) string {
	if ev.Name != "" {
		return ev.Name
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.links[linkKey{h: ev.Peer, role: r}]
}

func (n *Node) onDiscovered(ev transport.Event) {
	if ev.Name == n.name {
		return
	}
	n.mu.Lock()
	_, linked := n.links[linkKey{h: ev.Peer, role: roleOutbound}]
	writable := ev.Name != "" && n.dir.Reachability(ev.Name) == directory.Writable
	n.mu.Unlock()
	if linked || writable {
		return
	}
	if !n.tr.Connect(ev.Peer) {
		n.log.Warn("Connect failed", "peer", ev.Name, "handle", ev.Peer)
	}
}

func (n *Node) onLinkUp(ev transport.Event, r role) {
	key := linkKey{h: ev.Peer, role: r}
	var e effects

	n.mu.Lock()
	name := ev.Name
	if name == "" {
		name = n.links[key]
	}
	if name == n.name && name != "" {
		n.mu.Unlock()
		n.log.Warn("Ignoring link to self", "link", key)
		return
	}
	n.links[key] = name
	if name != "" {
		n.bindLocked(&e, key, name)
	} else {
		n.log.Debug("Link awaiting metadata for its name", "link", key)
	}
	if r == roleOutbound {
		h := ev.Peer
		e.do(func() {
			n.tr.SetOutboxSubscription(h, true)
			n.tr.ReadOutbox(h)
			n.tr.ReadMetadata(h)
		})
	}
	n.mu.Unlock()
	e.run()
}

// bindLocked records that the link key belongs to the peer called name.
func (n *Node) bindLocked(e *effects, key linkKey, name string) {
	wasDirect := n.dir.Reachability(name) != directory.Unreachable
	switch key.role {
	case roleOutbound:
		n.dir.SetWritable(name, key.h)
		n.flushOutboxToLocked(e, name, key.h)
		n.flushPickupToLocked(e, name, key.h)
	case roleInbound:
		n.dir.SetPollOnly(name, key.h, true)
	}
	n.log.Info("Peer linked", "peer", name, "link", key)

	changed := n.topo.UpdatePeerMap(name, true)
	n.publishMetadataLocked(e, true)
	if changed {
		n.topologyChangedLocked(e)
	}
	if !wasDirect {
		e.do(func() {
			n.notify(func(o Observer) {
				if p, ok := o.(PeerObserver); ok {
					p.OnPeerConnected(name)
				}
			})
		})
	}
}

// flushOutboxToLocked writes queued messages addressed to name straight to
// its inbox now that it is writable. They stay queued until acknowledged.
func (n *Node) flushOutboxToLocked(e *effects, name string, h transport.Handle) {
	for _, m := range n.out.msgs {
		if m.Destination != name {
			continue
		}
		data, err := wire.Encode(m)
		if err != nil {
			n.log.Error("Encode user message", "err", err)
			continue
		}
		n.writeLocked(e, name, h, data)
	}
}

func (n *Node) onLinkDown(ev transport.Event, r role) {
	key := linkKey{h: ev.Peer, role: r}
	var e effects

	n.mu.Lock()
	name, ok := n.links[key]
	if !ok {
		n.mu.Unlock()
		n.log.Debug("Link down for unknown link", "link", key, "peer", ev.Name)
		return
	}
	delete(n.links, key)
	if name == "" {
		n.mu.Unlock()
		return
	}

	var sameRole transport.Handle
	anyRole := false
	for k, other := range n.links {
		if other != name {
			continue
		}
		anyRole = true
		if k.role == r {
			sameRole = k.h
		}
	}
	switch r {
	case roleOutbound:
		n.dir.SetWritable(name, sameRole)
	case roleInbound:
		n.dir.SetPollOnly(name, sameRole, sameRole != "")
	}
	n.log.Info("Peer link down", "peer", name, "link", key, "remaining", anyRole)

	if !anyRole {
		n.dir.Remove(name)
		if n.topo.UpdatePeerMap(name, false) {
			n.topologyChangedLocked(&e)
		}
		n.publishMetadataLocked(&e, true)
		e.do(func() {
			n.notify(func(o Observer) {
				if p, ok := o.(PeerObserver); ok {
					p.OnPeerDisconnected(name)
				}
			})
		})
	}
	n.mu.Unlock()
	e.run()
}

func (n *Node) onValue(ev transport.Event) {
	key := linkKey{h: ev.Peer, role: roleOutbound}
	switch ev.Char {
	case transport.CharOutbox:
		msgs, err := wire.DecodeOutbox(ev.Data)
		if err != nil {
			n.log.Debug("Dropping malformed outbox", "handle", ev.Peer, "err", err)
			return
		}
		sender := n.senderName(ev, roleOutbound)
		var e effects
		n.mu.Lock()
		for _, m := range msgs {
			n.handleUserMessageLocked(&e, m, sender)
		}
		n.mu.Unlock()
		e.run()

	case transport.CharMetadata:
		if len(ev.Data) == 0 {
			return
		}
		msg, err := wire.Decode(ev.Data)
		if err != nil {
			n.log.Debug("Dropping malformed metadata", "handle", ev.Peer, "err", err)
			return
		}
		md, ok := msg.(wire.Metadata)
		if !ok {
			n.log.Error("Metadata characteristic carried another kind", "handle", ev.Peer, "kind", msg.Kind())
			return
		}
		var e effects
		n.mu.Lock()
		sender := ev.Name
		if name, linked := n.links[key]; linked && name == "" && md.Username != n.name {
			n.links[key] = md.Username
			n.bindLocked(&e, key, md.Username)
		}
		if sender == "" {
			sender = n.links[key]
		}
		n.handleMetadataLocked(&e, md, sender)
		n.mu.Unlock()
		e.run()
	}
}
