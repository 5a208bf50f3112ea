package node

import (
	"time"

	"github.com/mnsl/meh/internal/wire"
)

// Observer receives routing events. Callbacks run after the engine has
// released its lock, possibly from several goroutines at once, so
// implementations must do their own locking.
type Observer interface {
	// OnMessageSent fires for every message this node originates or relays.
	OnMessageSent(m wire.UserMessage)
	// OnMessageReceived fires once per message delivered to this node.
	OnMessageReceived(m wire.UserMessage)
	// OnAckReceived fires when a message this node originated is acknowledged.
	OnAckReceived(m wire.UserMessage, latency time.Duration)
	// OnTopologyChanged carries the fresh hop counts after the view changed.
	OnTopologyChanged(hops map[string]int)
}

// AckExpiredObserver is implemented by observers that want to know when a
// pending acknowledgement was given up on.
type AckExpiredObserver interface {
	OnAckExpired(m wire.UserMessage)
}

// PeerObserver is implemented by observers tracking direct links.
type PeerObserver interface {
	OnPeerConnected(name string)
	OnPeerDisconnected(name string)
}

// Funcs adapts plain functions to Observer. Nil fields are skipped.
type Funcs struct {
	MessageSent      func(m wire.UserMessage)
	MessageReceived  func(m wire.UserMessage)
	AckReceived      func(m wire.UserMessage, latency time.Duration)
	TopologyChanged  func(hops map[string]int)
	AckExpired       func(m wire.UserMessage)
	PeerConnected    func(name string)
	PeerDisconnected func(name string)
}

var (
	_ Observer           = Funcs{}
	_ AckExpiredObserver = Funcs{}
	_ PeerObserver       = Funcs{}
)

func (f Funcs) OnMessageSent(m wire.UserMessage) {
	if f.MessageSent != nil {
		f.MessageSent(m)
	}
}

func (f Funcs) OnMessageReceived(m wire.UserMessage) {
	if f.MessageReceived != nil {
		f.MessageReceived(m)
	}
}

func (f Funcs) OnAckReceived(m wire.UserMessage, latency time.Duration) {
	if f.AckReceived != nil {
		f.AckReceived(m, latency)
	}
}

func (f Funcs) OnTopologyChanged(hops map[string]int) {
	if f.TopologyChanged != nil {
		f.TopologyChanged(hops)
	}
}

func (f Funcs) OnAckExpired(m wire.UserMessage) {
	if f.AckExpired != nil {
		f.AckExpired(m)
	}
}

func (f Funcs) OnPeerConnected(name string) {
	if f.PeerConnected != nil {
		f.PeerConnected(name)
	}
}

func (f Funcs) OnPeerDisconnected(name string) {
	if f.PeerDisconnected != nil {
		f.PeerDisconnected(name)
	}
}

type subscription struct {
	id  uint64
	obs Observer
}

// Subscribe registers o and returns a function that removes it. Observers
// are notified in registration order.
func (n *Node) Subscribe(o Observer) (cancel func()) {
	n.obsMu.Lock()
	n.nextObs++
	id := n.nextObs
	n.observers = append(n.observers, subscription{id: id, obs: o})
	n.obsMu.Unlock()

	return func() {
		n.obsMu.Lock()
		defer n.obsMu.Unlock()
		for i, s := range n.observers {
			if s.id == id {
				n.observers = append(n.observers[:i:i], n.observers[i+1:]...)
				return
			}
		}
	}
}

func (n *Node) notify(fn func(Observer)) {
	n.obsMu.Lock()
	subs := make([]subscription, len(n.observers))
	copy(subs, n.observers)
	n.obsMu.Unlock()
	for _, s := range subs {
		fn(s.obs)
	}
}
