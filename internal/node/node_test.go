package node

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnsl/meh/internal/directory"
	"github.com/mnsl/meh/internal/transport"
	"github.com/mnsl/meh/internal/wire"
)

// fakeTransport records every call the engine makes.
type fakeTransport struct {
	mu       sync.Mutex
	writes   []sentWrite
	outbox   []byte
	metadata []byte
	connects []transport.Handle
	subs     map[transport.Handle]bool
	reads    []transport.Handle
	failTo   map[transport.Handle]bool
	events   chan transport.Event
}

type sentWrite struct {
	to   transport.Handle
	data []byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		subs:   make(map[transport.Handle]bool),
		failTo: make(map[transport.Handle]bool),
		events: make(chan transport.Event, 16),
	}
}

func (f *fakeTransport) Start() error { return nil }

func (f *fakeTransport) Scan(time.Duration) bool { return true }

func (f *fakeTransport) Disconnect(transport.Handle) bool { return true }

func (f *fakeTransport) Events() <-chan transport.Event { return f.events }

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) Connect(h transport.Handle) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = append(f.connects, h)
	return true
}

func (f *fakeTransport) WriteInbox(h transport.Handle, data []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failTo[h] {
		return false
	}
	f.writes = append(f.writes, sentWrite{to: h, data: append([]byte(nil), data...)})
	return true
}

func (f *fakeTransport) ReadOutbox(h transport.Handle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads = append(f.reads, h)
}

func (f *fakeTransport) ReadMetadata(transport.Handle) {}

func (f *fakeTransport) SetOutboxSubscription(h transport.Handle, enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[h] = enabled
}

func (f *fakeTransport) PublishOutbox(data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outbox = append([]byte(nil), data...)
}

func (f *fakeTransport) PublishMetadata(data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metadata = append([]byte(nil), data...)
}

// userWrites returns the user messages written, keyed by target handle.
func (f *fakeTransport) userWrites() map[transport.Handle][]wire.UserMessage {
	return collect[wire.UserMessage](f)
}

func (f *fakeTransport) ackWrites() map[transport.Handle][]wire.Ack {
	return collect[wire.Ack](f)
}

func collect[T wire.Message](f *fakeTransport) map[transport.Handle][]T {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[transport.Handle][]T)
	for _, w := range f.writes {
		msg, err := wire.Decode(w.data)
		if err != nil {
			continue
		}
		if m, ok := msg.(T); ok {
			out[w.to] = append(out[w.to], m)
		}
	}
	return out
}

func (f *fakeTransport) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = nil
}

func (f *fakeTransport) publishedOutbox(t *testing.T) []wire.UserMessage {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs, err := wire.DecodeOutbox(f.outbox)
	require.NoError(t, err)
	return msgs
}

func (f *fakeTransport) publishedMetadata(t *testing.T) wire.Metadata {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, err := wire.Decode(f.metadata)
	require.NoError(t, err)
	md, ok := msg.(wire.Metadata)
	require.True(t, ok, "published %T", msg)
	return md
}

// slowOutbox delays publishing the first single-message outbox.
type slowOutbox struct {
	*fakeTransport
	started chan struct{}
	once    sync.Once
}

func (s *slowOutbox) PublishOutbox(data []byte) {
	if msgs, err := wire.DecodeOutbox(data); err == nil && len(msgs) == 1 {
		s.once.Do(func() { close(s.started) })
		time.Sleep(50 * time.Millisecond)
	}
	s.fakeTransport.PublishOutbox(data)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recorder is an Observer that keeps everything it is told.
type recorder struct {
	mu        sync.Mutex
	sent      []wire.UserMessage
	received  []wire.UserMessage
	acked     []wire.UserMessage
	latencies []time.Duration
	hops      []map[string]int
	expired   []wire.UserMessage
	up, down  []string
}

func (r *recorder) observer() Funcs {
	return Funcs{
		MessageSent: func(m wire.UserMessage) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.sent = append(r.sent, m)
		},
		MessageReceived: func(m wire.UserMessage) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.received = append(r.received, m)
		},
		AckReceived: func(m wire.UserMessage, d time.Duration) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.acked = append(r.acked, m)
			r.latencies = append(r.latencies, d)
		},
		TopologyChanged: func(h map[string]int) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.hops = append(r.hops, h)
		},
		AckExpired: func(m wire.UserMessage) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.expired = append(r.expired, m)
		},
		PeerConnected: func(name string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.up = append(r.up, name)
		},
		PeerDisconnected: func(name string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.down = append(r.down, name)
		},
	}
}

func newUnitNode(t *testing.T, name string) (*Node, *fakeTransport, *clock) {
	t.Helper()
	ft := newFakeTransport()
	clk := &clock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	n, err := New(Config{Name: name, Transport: ft, Now: clk.Now, AckExpiry: time.Second})
	require.NoError(t, err)
	return n, ft, clk
}

func connect(n *Node, h transport.Handle, name string) {
	n.HandleEvent(transport.Event{Kind: transport.EventConnected, Peer: h, Name: name})
}

func subscribed(n *Node, h transport.Handle, name string) {
	n.HandleEvent(transport.Event{Kind: transport.EventSubscribed, Peer: h, Name: name})
}

func encode(t *testing.T, m wire.Message) []byte {
	t.Helper()
	b, err := wire.Encode(m)
	require.NoError(t, err)
	return b
}

func TestNewRequiresName(t *testing.T) {
	_, err := New(Config{Transport: newFakeTransport()})
	assert.ErrorIs(t, err, ErrNoName)
}

func TestSendRejectsSelfAndEmpty(t *testing.T) {
	n, ft, _ := newUnitNode(t, "A")
	connect(n, "h-b", "B")
	ft.reset()

	_, err := n.SendMessage("hi", "A")
	assert.ErrorIs(t, err, ErrSelfDestination)
	_, err = n.SendMessage("hi", "")
	assert.ErrorIs(t, err, ErrNoDestination)

	assert.Empty(t, ft.userWrites())
	assert.Empty(t, n.PendingAcks())
}

func TestSendUnicastToWritablePeer(t *testing.T) {
	n, ft, _ := newUnitNode(t, "A")
	connect(n, "h-b", "B")
	connect(n, "h-c", "C")
	ft.reset()

	m, err := n.SendMessage("hello", "B")
	require.NoError(t, err)

	writes := ft.userWrites()
	require.Len(t, writes, 1)
	require.Len(t, writes["h-b"], 1)
	assert.True(t, writes["h-b"][0].Equal(m))
	assert.Empty(t, n.Outbox(), "unicast is terminal")
	require.Len(t, n.PendingAcks(), 1)
	assert.Equal(t, m.Hash(), n.PendingAcks()[0].Hash())
}

func TestSendToPollOnlyPeerUsesOutbox(t *testing.T) {
	n, ft, _ := newUnitNode(t, "A")
	subscribed(n, "in-c", "C")
	connect(n, "h-b", "B")
	ft.reset()

	m, err := n.SendMessage("pick me up", "C")
	require.NoError(t, err)

	assert.Empty(t, ft.userWrites(), "poll-only peers are never pushed to")
	out := ft.publishedOutbox(t)
	require.Len(t, out, 1)
	assert.True(t, out[0].Equal(m))
}

func TestFloodExcludesSender(t *testing.T) {
	n, ft, _ := newUnitNode(t, "A")
	connect(n, "h-b", "B")
	connect(n, "h-c", "C")
	connect(n, "h-d", "D")
	ft.reset()

	m := wire.NewUserMessage("relay me", "X", "Z", time.Now())
	n.Receive(encode(t, m), "B")

	writes := ft.userWrites()
	assert.NotContains(t, writes, transport.Handle("h-b"))
	assert.Len(t, writes["h-c"], 1)
	assert.Len(t, writes["h-d"], 1)
	require.Len(t, n.Outbox(), 1)

	ft.reset()
	n.Receive(encode(t, m), "C")
	n.Receive(encode(t, m), "B")
	assert.Empty(t, ft.userWrites(), "a message is relayed at most once")
	assert.Len(t, n.Outbox(), 1)
}

func TestDeliveredMessageIsTerminal(t *testing.T) {
	n, ft, _ := newUnitNode(t, "A")
	rec := &recorder{}
	n.Subscribe(rec.observer())
	connect(n, "h-b", "B")
	connect(n, "h-c", "C")
	ft.reset()

	m := wire.NewUserMessage("for you", "X", "A", time.Now())
	n.Receive(encode(t, m), "B")
	n.Receive(encode(t, m), "C")

	assert.Empty(t, ft.userWrites(), "delivered messages are never forwarded")
	assert.Empty(t, n.Outbox())

	acks := ft.ackWrites()
	require.Len(t, acks["h-b"], 1)
	require.Len(t, acks["h-c"], 1)
	assert.Equal(t, m.Hash(), acks["h-b"][0].OriginalHash)
	assert.Equal(t, "X", acks["h-b"][0].OriginalOrigin)
	assert.Equal(t, "A", acks["h-b"][0].OriginalDestination)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.received, 1)
	assert.Empty(t, rec.sent)
}

func TestAckUnicastWhenOriginWritable(t *testing.T) {
	n, ft, _ := newUnitNode(t, "A")
	connect(n, "h-b", "B")
	connect(n, "h-x", "X")
	ft.reset()

	m := wire.NewUserMessage("for you", "X", "A", time.Now())
	n.Receive(encode(t, m), "B")

	acks := ft.ackWrites()
	require.Len(t, acks, 1)
	assert.Len(t, acks["h-x"], 1)
}

func TestAckCorrelationAndLatency(t *testing.T) {
	n, ft, clk := newUnitNode(t, "A")
	rec := &recorder{}
	n.Subscribe(rec.observer())
	connect(n, "h-b", "B")
	ft.reset()

	m, err := n.SendMessage("ping", "C")
	require.NoError(t, err)
	require.Len(t, n.Outbox(), 1)

	clk.Advance(250 * time.Millisecond)
	ack := wire.AckFor(m)
	assert.Equal(t, m.Hash(), ack.OriginalHash)
	n.Receive(encode(t, ack), "B")
	n.Receive(encode(t, ack), "B")

	assert.Empty(t, n.PendingAcks())
	assert.Empty(t, n.Outbox(), "acknowledged messages leave the outbox")
	assert.Empty(t, ft.ackWrites(), "ACKs for us are consumed")

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.acked, 1)
	assert.True(t, rec.acked[0].Equal(m))
	assert.Equal(t, 250*time.Millisecond, rec.latencies[0])
}

func TestStaleAckIgnored(t *testing.T) {
	n, ft, _ := newUnitNode(t, "A")
	connect(n, "h-b", "B")
	ft.reset()

	n.Receive(encode(t, wire.Ack{OriginalOrigin: "A", OriginalDestination: "C", OriginalHash: 42}), "B")
	assert.Empty(t, ft.ackWrites())
}

func TestAckInTransitForwardedOnce(t *testing.T) {
	n, ft, _ := newUnitNode(t, "A")
	connect(n, "h-b", "B")
	connect(n, "h-c", "C")

	m := wire.NewUserMessage("relay me", "X", "Z", time.Now())
	n.Receive(encode(t, m), "B")
	require.Len(t, n.Outbox(), 1)
	ft.reset()

	ack := wire.AckFor(m)
	n.Receive(encode(t, ack), "C")
	n.Receive(encode(t, ack), "B")

	acks := ft.ackWrites()
	require.Len(t, acks, 1)
	assert.Len(t, acks["h-b"], 1)
	assert.Empty(t, n.Outbox(), "relays drop acknowledged messages too")
	assert.Empty(t, ft.publishedOutbox(t))
}

func TestWriteFailureIsNotFatal(t *testing.T) {
	n, ft, _ := newUnitNode(t, "A")
	connect(n, "h-b", "B")
	ft.failTo["h-b"] = true

	_, err := n.SendMessage("lost", "B")
	assert.NoError(t, err)
	assert.Len(t, n.PendingAcks(), 1)
}

func TestMalformedPayloadDropped(t *testing.T) {
	n, ft, _ := newUnitNode(t, "A")
	connect(n, "h-b", "B")
	ft.reset()

	n.Receive([]byte("not json"), "B")
	n.Receive([]byte(`{"type":"UserMessage","content":"x"}`), "B")
	n.Receive([]byte(`{"type":"Gossip"}`), "B")
	assert.Empty(t, ft.writes)
}

func TestMetadataMergeUpdatesHops(t *testing.T) {
	n, ft, _ := newUnitNode(t, "A")
	rec := &recorder{}
	n.Subscribe(rec.observer())
	connect(n, "h-b", "B")
	ft.reset()

	md := wire.Metadata{Username: "B", PeerMap: wire.PeerMap{"B": {"A", "C"}, "C": {"B"}}}
	n.Receive(encode(t, md), "B")

	assert.Equal(t, map[string]int{"A": 0, "B": 1, "C": 2}, n.HopCounts())
	_, ok := n.dir.Lookup("C")
	assert.True(t, ok, "peers named in metadata are registered")

	ft.mu.Lock()
	pushed := len(ft.writes)
	ft.mu.Unlock()
	assert.Equal(t, 1, pushed, "changed metadata is pushed to writable peers")

	ft.reset()
	n.Receive(encode(t, md), "B")
	assert.Empty(t, ft.writes, "unchanged metadata is not rebroadcast")

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.NotEmpty(t, rec.hops)
	assert.Equal(t, 2, rec.hops[len(rec.hops)-1]["C"])
}

func TestDisconnectPrunesPeer(t *testing.T) {
	n, _, _ := newUnitNode(t, "A")
	rec := &recorder{}
	n.Subscribe(rec.observer())
	connect(n, "h-b", "B")
	subscribed(n, "in-b", "B")
	n.Receive(encode(t, wire.Metadata{Username: "B", PeerMap: wire.PeerMap{"B": {"A", "C"}}}), "B")
	require.Contains(t, n.HopCounts(), "C")

	n.HandleEvent(transport.Event{Kind: transport.EventDisconnected, Peer: "h-b", Name: "B"})
	assert.Equal(t, directory.PollOnly, n.dir.Reachability("B"), "inbound role survives")
	assert.Contains(t, n.HopCounts(), "B")

	n.HandleEvent(transport.Event{Kind: transport.EventUnsubscribed, Peer: "in-b", Name: "B"})
	_, ok := n.dir.Lookup("B")
	assert.False(t, ok)
	assert.NotContains(t, n.HopCounts(), "B")
	assert.NotContains(t, n.HopCounts(), "C")

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []string{"B"}, rec.up)
	assert.Equal(t, []string{"B"}, rec.down)
}

func TestUnknownDisconnectIsNoop(t *testing.T) {
	n, _, _ := newUnitNode(t, "A")
	n.HandleEvent(transport.Event{Kind: transport.EventDisconnected, Peer: "ghost"})
	assert.Empty(t, n.Peers())
}

func TestConnectSubscribesAndReads(t *testing.T) {
	n, ft, _ := newUnitNode(t, "A")
	connect(n, "h-b", "B")

	ft.mu.Lock()
	defer ft.mu.Unlock()
	assert.True(t, ft.subs["h-b"])
	assert.Equal(t, []transport.Handle{"h-b"}, ft.reads)
	assert.NotEmpty(t, ft.metadata)
}

func TestDiscoveredConnectsOnce(t *testing.T) {
	n, ft, _ := newUnitNode(t, "A")
	n.HandleEvent(transport.Event{Kind: transport.EventDiscovered, Peer: "h-b", Name: "B"})
	connect(n, "h-b", "B")
	n.HandleEvent(transport.Event{Kind: transport.EventDiscovered, Peer: "h-b", Name: "B"})
	n.HandleEvent(transport.Event{Kind: transport.EventDiscovered, Peer: "h-self", Name: "A"})

	ft.mu.Lock()
	defer ft.mu.Unlock()
	assert.Equal(t, []transport.Handle{"h-b"}, ft.connects)
}

func TestOutboxFlushedWhenDestinationConnects(t *testing.T) {
	n, ft, _ := newUnitNode(t, "A")
	m, err := n.SendMessage("later", "C")
	require.NoError(t, err)
	require.Len(t, n.Outbox(), 1)

	connect(n, "h-c", "C")
	writes := ft.userWrites()
	require.Len(t, writes["h-c"], 1)
	assert.True(t, writes["h-c"][0].Equal(m))
}

func TestOutboxFromPeerRunsUserPath(t *testing.T) {
	n, ft, _ := newUnitNode(t, "A")
	rec := &recorder{}
	n.Subscribe(rec.observer())
	connect(n, "h-b", "B")
	ft.reset()

	mine := wire.NewUserMessage("for A", "B", "A", time.Now())
	other := wire.NewUserMessage("for D", "B", "D", time.Now())
	data, err := wire.EncodeOutbox([]wire.UserMessage{mine, other})
	require.NoError(t, err)
	n.HandleEvent(transport.Event{Kind: transport.EventValueChanged, Peer: "h-b", Name: "B", Char: transport.CharOutbox, Data: data})

	rec.mu.Lock()
	require.Len(t, rec.received, 1)
	rec.mu.Unlock()
	assert.Len(t, ft.ackWrites()["h-b"], 1)
	require.Len(t, n.Outbox(), 1)
	assert.True(t, n.Outbox()[0].Equal(other))
}

func TestUnnamedLinkBoundByMetadata(t *testing.T) {
	n, _, _ := newUnitNode(t, "A")
	connect(n, "h-1", "")
	assert.Empty(t, n.Peers())

	md, err := wire.Encode(wire.Metadata{Username: "B", PeerMap: wire.PeerMap{"B": {"A"}}})
	require.NoError(t, err)
	n.HandleEvent(transport.Event{Kind: transport.EventValueChanged, Peer: "h-1", Char: transport.CharMetadata, Data: md})

	assert.Equal(t, directory.Writable, n.dir.Reachability("B"))
	h, ok := n.dir.WritableHandle("B")
	require.True(t, ok)
	assert.Equal(t, transport.Handle("h-1"), h)
}

func TestAckExpiry(t *testing.T) {
	n, _, clk := newUnitNode(t, "A")
	rec := &recorder{}
	n.Subscribe(rec.observer())

	old, err := n.SendMessage("old", "C")
	require.NoError(t, err)
	clk.Advance(800 * time.Millisecond)
	fresh, err := n.SendMessage("fresh", "C")
	require.NoError(t, err)
	clk.Advance(400 * time.Millisecond)

	expired := n.ExpireAcks()
	require.Len(t, expired, 1)
	assert.True(t, expired[0].Equal(old))
	require.Len(t, n.PendingAcks(), 1)
	assert.True(t, n.PendingAcks()[0].Equal(fresh))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Len(t, rec.expired, 1)
}

func TestSubscribeCancel(t *testing.T) {
	n, _, _ := newUnitNode(t, "A")
	rec := &recorder{}
	cancel := n.Subscribe(rec.observer())
	_, _ = n.SendMessage("one", "B")
	cancel()
	_, _ = n.SendMessage("two", "B")

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Len(t, rec.sent, 1)
}

func TestPeersListing(t *testing.T) {
	n, _, _ := newUnitNode(t, "A")
	connect(n, "h-b", "B")
	subscribed(n, "in-c", "C")
	n.Receive(encode(t, wire.Metadata{Username: "B", PeerMap: wire.PeerMap{"B": {"A", "D"}}}), "B")

	peers := n.Peers()
	require.Len(t, peers, 3)
	assert.Equal(t, PeerStatus{Name: "B", ID: "h-b", Reachability: directory.Writable, Hops: 1}, peers[0])
	assert.Equal(t, PeerStatus{Name: "C", ID: "in-c", Reachability: directory.PollOnly, Hops: 1}, peers[1])
	assert.Equal(t, PeerStatus{Name: "D", Reachability: directory.Unreachable, Hops: 2}, peers[2])
}

func TestOutboxSnapshotsPublishedInOrder(t *testing.T) {
	st := &slowOutbox{fakeTransport: newFakeTransport(), started: make(chan struct{})}
	n, err := New(Config{Name: "A", Transport: st})
	require.NoError(t, err)
	subscribed(n, "in-b", "B")

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = n.SendMessage("first", "B")
	}()
	<-st.started
	_, err = n.SendMessage("second", "B")
	require.NoError(t, err)
	<-done

	require.Len(t, n.Outbox(), 2)
	assert.Len(t, st.publishedOutbox(t), 2, "an older outbox must never replace a newer one")
}

func TestAckToPollOnlyOriginQueuedForPickup(t *testing.T) {
	b, ft, _ := newUnitNode(t, "B")
	subscribed(b, "in-a", "A")
	ft.reset()

	m := wire.NewUserMessage("hi", "A", "B", time.Now())
	b.Receive(encode(t, m), "A")

	assert.Empty(t, ft.ackWrites(), "poll-only origins are never pushed to")
	md := ft.publishedMetadata(t)
	require.Len(t, md.Acks, 1)
	assert.Equal(t, wire.AckFor(m), md.Acks[0])

	// Once A becomes writable the queued ACK is pushed and no longer served.
	connect(b, "h-a", "A")
	assert.Len(t, ft.ackWrites()["h-a"], 1)
	assert.Empty(t, ft.publishedMetadata(t).Acks)
}

func TestAckPickedUpFromMetadata(t *testing.T) {
	a, _, clk := newUnitNode(t, "A")
	rec := &recorder{}
	a.Subscribe(rec.observer())
	connect(a, "h-b", "B")

	m, err := a.SendMessage("hi", "B")
	require.NoError(t, err)
	clk.Advance(40 * time.Millisecond)

	data := encode(t, wire.Metadata{
		Username: "B",
		PeerMap:  wire.PeerMap{"B": {"A"}},
		Acks:     []wire.Ack{wire.AckFor(m)},
	})
	a.HandleEvent(transport.Event{Kind: transport.EventValueChanged, Peer: "h-b", Name: "B", Char: transport.CharMetadata, Data: data})
	a.HandleEvent(transport.Event{Kind: transport.EventValueChanged, Peer: "h-b", Name: "B", Char: transport.CharMetadata, Data: data})

	assert.Empty(t, a.PendingAcks())
	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.acked, 1)
	assert.Equal(t, 40*time.Millisecond, rec.latencies[0])
}

func TestOutboxAddRemoveKeepsOrder(t *testing.T) {
	n, ft, _ := newUnitNode(t, "A")
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	m1 := wire.NewUserMessage("one", "X", "Y", ts)
	m2 := wire.NewUserMessage("two", "X", "Y", ts)
	m3 := wire.NewUserMessage("three", "X", "Y", ts)

	for _, m := range []wire.UserMessage{m1, m2, m3} {
		assert.True(t, n.AddMessageToOutbox(m))
	}
	assert.False(t, n.AddMessageToOutbox(m2), "already queued")

	out := ft.publishedOutbox(t)
	require.Len(t, out, 3)
	for i, want := range []wire.UserMessage{m1, m2, m3} {
		assert.True(t, out[i].Equal(want), "entry %d", i)
	}

	assert.True(t, n.RemoveMessageFromOutbox(m2.Hash()))
	assert.False(t, n.RemoveMessageFromOutbox(m2.Hash()))
	out = ft.publishedOutbox(t)
	require.Len(t, out, 2)
	assert.True(t, out[0].Equal(m1))
	assert.True(t, out[1].Equal(m3))
}
