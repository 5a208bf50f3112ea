// Package stats records ping statistics per recipient: how many messages
// were sent, how many were acknowledged and how long the round trips took.
package stats

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/mnsl/meh/internal/node"
	"github.com/mnsl/meh/internal/wire"
)

// Header is the CSV column order written by WriteCSV.
var Header = []string{"recipient", "hops", "pings_sent", "acks", "avg_latency_ms"}

// Row is the running tally for one recipient.
type Row struct {
	Recipient    string        `json:"recipient"`
	Hops         int           `json:"hops"` // hop count when last pinged; -1 if unknown
	PingsSent    int           `json:"pings_sent"`
	Acks         int           `json:"acks"`
	TotalLatency time.Duration `json:"-"`
}

// AvgLatency is the mean round trip over acknowledged pings.
func (r Row) AvgLatency() time.Duration {
	if r.Acks == 0 {
		return 0
	}
	return r.TotalLatency / time.Duration(r.Acks)
}

// LossRate is the share of pings never acknowledged.
func (r Row) LossRate() float64 {
	if r.PingsSent == 0 {
		return 0
	}
	return 1 - float64(r.Acks)/float64(r.PingsSent)
}

// Log is a node.Observer collecting Rows for messages this node originates.
type Log struct {
	self string

	mu   sync.Mutex
	rows map[string]*Row
	hops map[string]int
}

var _ node.Observer = (*Log)(nil)

// NewLog creates an empty Log for the node called self.
func NewLog(self string) *Log {
	return &Log{
		self: self,
		rows: make(map[string]*Row),
		hops: make(map[string]int),
	}
}

func (l *Log) rowLocked(name string) *Row {
	r, ok := l.rows[name]
	if !ok {
		r = &Row{Recipient: name, Hops: -1}
		l.rows[name] = r
	}
	return r
}

func (l *Log) OnMessageSent(m wire.UserMessage) {
	if m.Origin != l.self {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	r := l.rowLocked(m.Destination)
	r.PingsSent++
	if h, ok := l.hops[m.Destination]; ok {
		r.Hops = h
	}
}

func (l *Log) OnMessageReceived(wire.UserMessage) {}

func (l *Log) OnAckReceived(m wire.UserMessage, latency time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r := l.rowLocked(m.Destination)
	r.Acks++
	r.TotalLatency += latency
}

// OnTopologyChanged seeds a row for every reachable peer so the table lists
// them before the first ping.
func (l *Log) OnTopologyChanged(hops map[string]int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hops = make(map[string]int, len(hops))
	for name, h := range hops {
		l.hops[name] = h
		if name == l.self {
			continue
		}
		r := l.rowLocked(name)
		if r.PingsSent == 0 {
			r.Hops = h
		}
	}
}

// Rows returns every row sorted by recipient.
func (l *Log) Rows() []Row {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Row, 0, len(l.rows))
	for _, r := range l.rows {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Recipient < out[j].Recipient })
	return out
}

// WriteCSV writes a header line and one line per row.
func (l *Log) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return err
	}
	for _, r := range l.Rows() {
		rec := []string{
			r.Recipient,
			strconv.Itoa(r.Hops),
			strconv.Itoa(r.PingsSent),
			strconv.Itoa(r.Acks),
			strconv.FormatFloat(float64(r.AvgLatency())/float64(time.Millisecond), 'f', 3, 64),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// HopSummary aggregates rows sharing a hop count.
type HopSummary struct {
	Hops       int           `json:"hops"`
	Recipients int           `json:"recipients"`
	PingsSent  int           `json:"pings_sent"`
	Acks       int           `json:"acks"`
	AvgLatency time.Duration `json:"avg_latency"`
	LossRate   float64       `json:"loss_rate"`
}

// ByHops groups pinged recipients by hop count, averaging latency over all
// acknowledged pings in the group. Rows with unknown hops are skipped.
func (l *Log) ByHops() []HopSummary {
	groups := make(map[int]*HopSummary)
	latency := make(map[int]time.Duration)
	for _, r := range l.Rows() {
		if r.Hops < 0 || r.PingsSent == 0 {
			continue
		}
		g, ok := groups[r.Hops]
		if !ok {
			g = &HopSummary{Hops: r.Hops}
			groups[r.Hops] = g
		}
		g.Recipients++
		g.PingsSent += r.PingsSent
		g.Acks += r.Acks
		latency[r.Hops] += r.TotalLatency
	}
	out := make([]HopSummary, 0, len(groups))
	for h, g := range groups {
		if g.Acks > 0 {
			g.AvgLatency = latency[h] / time.Duration(g.Acks)
		}
		g.LossRate = 1 - float64(g.Acks)/float64(g.PingsSent)
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hops < out[j].Hops })
	return out
}

// Sender originates messages.
type Sender interface {
	SendMessage(text, dest string) (wire.UserMessage, error)
}

// Ping sends n messages "test0".."test<n-1>" to dest, gap apart. It stops
// early when ctx is done and returns how many were sent.
func Ping(ctx context.Context, s Sender, dest string, n int, gap time.Duration) (int, error) {
	for i := 0; i < n; i++ {
		if i > 0 && gap > 0 {
			select {
			case <-ctx.Done():
				return i, ctx.Err()
			case <-time.After(gap):
			}
		} else if err := ctx.Err(); err != nil {
			return i, err
		}
		if _, err := s.SendMessage(fmt.Sprintf("test%d", i), dest); err != nil {
			return i, fmt.Errorf("stats: ping %s: %w", dest, err)
		}
	}
	return n, nil
}
