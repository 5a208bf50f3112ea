package transport

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

const memoryEventDepth = 4096

// Medium is a shared in-process radio space for MemoryTransports.
// Transports attached to the same Medium can connect to each other by
// handle; Scan only discovers transports marked in range.
type Medium struct {
	mu      sync.Mutex
	nodes   map[Handle]*MemoryTransport
	inRange map[[2]Handle]bool
	nextID  int
	tap     func(from, to Handle, data []byte)
}

// NewMedium creates an empty Medium.
func NewMedium() *Medium {
	return &Medium{
		nodes:   make(map[Handle]*MemoryTransport),
		inRange: make(map[[2]Handle]bool),
	}
}

// Attach creates a MemoryTransport advertising name.
func (m *Medium) Attach(name string) *MemoryTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	t := &MemoryTransport{
		medium:      m,
		id:          Handle(fmt.Sprintf("mem-%d", m.nextID)),
		name:        name,
		events:      make(chan Event, memoryEventDepth),
		outbound:    make(map[Handle]*MemoryTransport),
		inbound:     make(map[Handle]*MemoryTransport),
		subscribers: make(map[Handle]*MemoryTransport),
	}
	m.nodes[t.id] = t
	return t
}

// SetInRange makes a and b visible to each other's Scan.
func (m *Medium) SetInRange(a, b Handle, on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if on {
		m.inRange[[2]Handle{a, b}] = true
		m.inRange[[2]Handle{b, a}] = true
		return
	}
	delete(m.inRange, [2]Handle{a, b})
	delete(m.inRange, [2]Handle{b, a})
}

// Tap installs fn to observe every successful inbox write.
func (m *Medium) Tap(fn func(from, to Handle, data []byte)) {
	m.mu.Lock()
	m.tap = fn
	m.mu.Unlock()
}

func (m *Medium) lookup(h Handle) *MemoryTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nodes[h]
}

func (m *Medium) visibleFrom(h Handle) []*MemoryTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*MemoryTransport
	for id, t := range m.nodes {
		if id != h && m.inRange[[2]Handle{h, id}] {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (m *Medium) observe(from, to Handle, data []byte) {
	m.mu.Lock()
	fn := m.tap
	m.mu.Unlock()
	if fn != nil {
		fn(from, to, data)
	}
}

func (m *Medium) detach(h Handle) {
	m.mu.Lock()
	delete(m.nodes, h)
	m.mu.Unlock()
}

// MemoryTransport is an in-process Transport for tests and simulations.
type MemoryTransport struct {
	medium *Medium
	id     Handle
	name   string
	events chan Event

	mu          sync.RWMutex
	started     bool
	closed      bool
	outbound    map[Handle]*MemoryTransport // peers we connected to
	inbound     map[Handle]*MemoryTransport // peers connected to us
	subscribers map[Handle]*MemoryTransport
	outbox      []byte
	metadata    []byte
	writes      int
}

var _ Transport = (*MemoryTransport)(nil)

func (t *MemoryTransport) Handle() Handle { return t.id }

func (t *MemoryTransport) Name() string { return t.name }

// Writes returns the number of successful inbox writes made by t.
func (t *MemoryTransport) Writes() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.writes
}

func (t *MemoryTransport) emit(ev Event) {
	select {
	case t.events <- ev:
	default:
		// Queue full; drop. Links are best effort.
	}
}

func (t *MemoryTransport) ready() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.started && !t.closed
}

func (t *MemoryTransport) Start() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("memory transport %s: closed", t.id)
	}
	t.started = true
	t.mu.Unlock()
	t.emit(Event{Kind: EventStateChanged, State: StatePoweredOn})
	return nil
}

func (t *MemoryTransport) Scan(time.Duration) bool {
	if !t.ready() {
		return false
	}
	for _, other := range t.medium.visibleFrom(t.id) {
		t.mu.RLock()
		_, linked := t.outbound[other.id]
		t.mu.RUnlock()
		if !linked && other.ready() {
			t.emit(Event{Kind: EventDiscovered, Peer: other.id, Name: other.name})
		}
	}
	return true
}

func (t *MemoryTransport) Connect(h Handle) bool {
	if !t.ready() {
		return false
	}
	other := t.medium.lookup(h)
	if other == nil || other == t || !other.ready() {
		return false
	}
	t.mu.Lock()
	_, already := t.outbound[h]
	t.outbound[h] = other
	t.mu.Unlock()
	if already {
		return true
	}

	other.mu.Lock()
	other.inbound[t.id] = t
	other.mu.Unlock()

	t.emit(Event{Kind: EventConnected, Peer: h, Name: other.name})
	return true
}

func (t *MemoryTransport) Disconnect(h Handle) bool {
	t.mu.Lock()
	other, ok := t.outbound[h]
	delete(t.outbound, h)
	t.mu.Unlock()
	if !ok {
		return false
	}
	other.dropInbound(t.id)
	t.emit(Event{Kind: EventDisconnected, Peer: h, Name: other.name})
	return true
}

// dropInbound forgets connector h and reports its unsubscription.
func (t *MemoryTransport) dropInbound(h Handle) {
	t.mu.Lock()
	c, ok := t.inbound[h]
	_, subscribed := t.subscribers[h]
	delete(t.inbound, h)
	delete(t.subscribers, h)
	t.mu.Unlock()
	if ok && subscribed {
		t.emit(Event{Kind: EventUnsubscribed, Peer: h, Name: c.name})
	}
}

// dropOutbound forgets outbound peer h because it went away.
func (t *MemoryTransport) dropOutbound(h Handle) {
	t.mu.Lock()
	other, ok := t.outbound[h]
	delete(t.outbound, h)
	t.mu.Unlock()
	if ok {
		t.emit(Event{Kind: EventDisconnected, Peer: h, Name: other.name})
	}
}

func (t *MemoryTransport) peer(h Handle) *MemoryTransport {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return nil
	}
	return t.outbound[h]
}

func (t *MemoryTransport) WriteInbox(h Handle, data []byte) bool {
	other := t.peer(h)
	if other == nil || !other.ready() {
		return false
	}
	t.mu.Lock()
	t.writes++
	t.mu.Unlock()
	t.medium.observe(t.id, h, data)
	other.emit(Event{
		Kind: EventInboxWrite,
		Peer: t.id,
		Name: t.name,
		Data: append([]byte(nil), data...),
	})
	return true
}

func (t *MemoryTransport) read(h Handle, c Characteristic) {
	other := t.peer(h)
	if other == nil {
		return
	}
	t.emit(Event{
		Kind: EventValueChanged,
		Peer: h,
		Name: other.name,
		Char: c,
		Data: other.value(c),
	})
}

func (t *MemoryTransport) ReadOutbox(h Handle) { t.read(h, CharOutbox) }

func (t *MemoryTransport) ReadMetadata(h Handle) { t.read(h, CharMetadata) }

func (t *MemoryTransport) value(c Characteristic) []byte {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if c == CharMetadata {
		return append([]byte(nil), t.metadata...)
	}
	return append([]byte(nil), t.outbox...)
}

func (t *MemoryTransport) SetOutboxSubscription(h Handle, enabled bool) {
	other := t.peer(h)
	if other == nil {
		return
	}
	other.mu.Lock()
	_, was := other.subscribers[t.id]
	if enabled {
		other.subscribers[t.id] = t
	} else {
		delete(other.subscribers, t.id)
	}
	other.mu.Unlock()

	switch {
	case enabled && !was:
		other.emit(Event{Kind: EventSubscribed, Peer: t.id, Name: t.name})
	case !enabled && was:
		other.emit(Event{Kind: EventUnsubscribed, Peer: t.id, Name: t.name})
	}
}

func (t *MemoryTransport) publish(c Characteristic, data []byte) {
	data = append([]byte(nil), data...)
	t.mu.Lock()
	if c == CharMetadata {
		t.metadata = data
	} else {
		t.outbox = data
	}
	subs := make([]*MemoryTransport, 0, len(t.subscribers))
	for _, s := range t.subscribers {
		subs = append(subs, s)
	}
	t.mu.Unlock()

	for _, s := range subs {
		s.emit(Event{
			Kind: EventValueChanged,
			Peer: t.id,
			Name: t.name,
			Char: c,
			Data: append([]byte(nil), data...),
		})
	}
}

func (t *MemoryTransport) PublishOutbox(data []byte) { t.publish(CharOutbox, data) }

func (t *MemoryTransport) PublishMetadata(data []byte) { t.publish(CharMetadata, data) }

func (t *MemoryTransport) Events() <-chan Event { return t.events }

func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	var out, in []*MemoryTransport
	for _, o := range t.outbound {
		out = append(out, o)
	}
	for _, i := range t.inbound {
		in = append(in, i)
	}
	t.outbound = make(map[Handle]*MemoryTransport)
	t.inbound = make(map[Handle]*MemoryTransport)
	t.subscribers = make(map[Handle]*MemoryTransport)
	t.mu.Unlock()

	for _, o := range out {
		o.dropInbound(t.id)
	}
	for _, i := range in {
		i.dropOutbound(t.id)
	}
	t.medium.detach(t.id)
	return nil
}
