package node

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnsl/meh/internal/directory"
	"github.com/mnsl/meh/internal/transport"
	"github.com/mnsl/meh/internal/wire"
)

type mesh struct {
	medium *transport.Medium
	trs    map[string]*transport.MemoryTransport
	nodes  map[string]*Node
	recs   map[string]*recorder
}

// newMesh attaches names to one medium, puts each edge in range, then starts
// the nodes in the given order.
func newMesh(t *testing.T, names []string, edges [][2]string, scanEvery time.Duration) *mesh {
	t.Helper()
	m := &mesh{
		medium: transport.NewMedium(),
		trs:    make(map[string]*transport.MemoryTransport),
		nodes:  make(map[string]*Node),
		recs:   make(map[string]*recorder),
	}
	for _, name := range names {
		m.trs[name] = m.medium.Attach(name)
	}
	for _, e := range edges {
		m.medium.SetInRange(m.trs[e[0]].Handle(), m.trs[e[1]].Handle(), true)
	}
	for _, name := range names {
		n, err := New(Config{
			Name:         name,
			Transport:    m.trs[name],
			ScanInterval: scanEvery,
			PollInterval: 50 * time.Millisecond,
		})
		require.NoError(t, err)
		rec := &recorder{}
		n.Subscribe(rec.observer())
		require.NoError(t, n.Start())
		t.Cleanup(n.Stop)
		m.nodes[name] = n
		m.recs[name] = rec
	}
	return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timeout waiting for %s", what)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (m *mesh) waitWritable(t *testing.T, edges [][2]string) {
	t.Helper()
	for _, e := range edges {
		a, b := e[0], e[1]
		waitFor(t, fmt.Sprintf("%s writable from %s", b, a), func() bool {
			return m.nodes[a].dir.Reachability(b) == directory.Writable
		})
		waitFor(t, fmt.Sprintf("%s writable from %s", a, b), func() bool {
			return m.nodes[b].dir.Reachability(a) == directory.Writable
		})
	}
}

// writeCounter counts user-message inbox writes per hash and per writer.
type writeCounter struct {
	mu     sync.Mutex
	byHash map[int64]int
	byPeer map[int64]map[transport.Handle]int
}

func tapUserWrites(medium *transport.Medium) *writeCounter {
	c := &writeCounter{
		byHash: make(map[int64]int),
		byPeer: make(map[int64]map[transport.Handle]int),
	}
	medium.Tap(func(from, _ transport.Handle, data []byte) {
		msg, err := wire.Decode(data)
		if err != nil {
			return
		}
		um, ok := msg.(wire.UserMessage)
		if !ok {
			return
		}
		h := um.Hash()
		c.mu.Lock()
		defer c.mu.Unlock()
		c.byHash[h]++
		if c.byPeer[h] == nil {
			c.byPeer[h] = make(map[transport.Handle]int)
		}
		c.byPeer[h][from]++
	})
	return c
}

func (c *writeCounter) total(h int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byHash[h]
}

func (c *writeCounter) perWriter(h int64) map[transport.Handle]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[transport.Handle]int)
	for k, v := range c.byPeer[h] {
		out[k] = v
	}
	return out
}

func (r *recorder) receivedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.received)
}

func (r *recorder) ackedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.acked)
}

func TestMultiHopDeliveryThroughOutboxes(t *testing.T) {
	edges := [][2]string{{"A", "B"}, {"B", "C"}}
	m := newMesh(t, []string{"A", "B", "C"}, edges, 0)

	waitFor(t, "A to learn C", func() bool {
		return m.nodes["A"].HopCounts()["C"] == 2
	})

	sent, err := m.nodes["A"].SendMessage("hello over two hops", "C")
	require.NoError(t, err)

	waitFor(t, "delivery at C", func() bool { return m.recs["C"].receivedCount() == 1 })
	waitFor(t, "ACK at A", func() bool { return m.recs["A"].ackedCount() == 1 })

	rc := m.recs["C"]
	rc.mu.Lock()
	assert.True(t, rc.received[0].Equal(sent))
	rc.mu.Unlock()

	ra := m.recs["A"]
	ra.mu.Lock()
	assert.True(t, ra.acked[0].Equal(sent))
	assert.GreaterOrEqual(t, ra.latencies[0], time.Duration(0))
	assert.Less(t, ra.latencies[0], 3*time.Second)
	ra.mu.Unlock()

	assert.Empty(t, m.nodes["A"].PendingAcks())
	waitFor(t, "A's outbox to drain", func() bool { return len(m.nodes["A"].Outbox()) == 0 })
}

func TestFloodTerminatesFullyConnected(t *testing.T) {
	names := []string{"n0", "n1", "n2", "n3"}
	var edges [][2]string
	for i := range names {
		for j := i + 1; j < len(names); j++ {
			edges = append(edges, [2]string{names[i], names[j]})
		}
	}
	m := newMesh(t, names, edges, 20*time.Millisecond)
	m.waitWritable(t, edges)
	writes := tapUserWrites(m.medium)

	sent, err := m.nodes["n0"].SendMessage("across", "n3")
	require.NoError(t, err)

	waitFor(t, "delivery", func() bool { return m.recs["n3"].receivedCount() == 1 })
	waitFor(t, "ACK", func() bool { return m.recs["n0"].ackedCount() == 1 })
	time.Sleep(100 * time.Millisecond)

	assert.LessOrEqual(t, writes.total(sent.Hash()), len(names)-1)
	assert.Equal(t, 1, m.recs["n3"].receivedCount())
	for from, n := range writes.perWriter(sent.Hash()) {
		assert.Equal(t, 1, n, "writer %s forwarded more than once", from)
	}
}

func TestFloodAlongLine(t *testing.T) {
	names := []string{"A", "B", "C", "D"}
	edges := [][2]string{{"A", "B"}, {"B", "C"}, {"C", "D"}}
	m := newMesh(t, names, edges, 20*time.Millisecond)
	m.waitWritable(t, edges)
	writes := tapUserWrites(m.medium)

	sent, err := m.nodes["A"].SendMessage("down the line", "D")
	require.NoError(t, err)

	waitFor(t, "delivery at D", func() bool { return m.recs["D"].receivedCount() == 1 })
	waitFor(t, "ACK at A", func() bool { return m.recs["A"].ackedCount() == 1 })
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, 3, writes.total(sent.Hash()))
	per := writes.perWriter(sent.Hash())
	for _, name := range []string{"A", "B", "C"} {
		assert.Equal(t, 1, per[m.trs[name].Handle()], "%s forwards exactly once", name)
	}
	assert.Zero(t, per[m.trs["D"].Handle()], "the destination never forwards")
	assert.Equal(t, 1, m.recs["D"].receivedCount())
}

func TestPeerLeavingIsPruned(t *testing.T) {
	edges := [][2]string{{"A", "B"}}
	m := newMesh(t, []string{"A", "B"}, edges, 20*time.Millisecond)
	m.waitWritable(t, edges)
	require.Contains(t, m.nodes["A"].HopCounts(), "B")

	m.nodes["B"].Stop()

	waitFor(t, "B to be pruned", func() bool {
		_, known := m.nodes["A"].dir.Lookup("B")
		_, reachable := m.nodes["A"].HopCounts()["B"]
		return !known && !reachable
	})
	ra := m.recs["A"]
	ra.mu.Lock()
	defer ra.mu.Unlock()
	assert.Contains(t, ra.down, "B")
}
