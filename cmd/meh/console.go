package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/mnsl/meh/internal/api"
	"github.com/mnsl/meh/internal/chat"
	"github.com/mnsl/meh/internal/node"
	"github.com/mnsl/meh/internal/stats"
	"github.com/mnsl/meh/internal/wire"
)

const (
	defaultPings = 100
	pingGap      = 50 * time.Millisecond
)

// console is the interactive prompt run by the daemon.
type console struct {
	ctx   context.Context
	eng   api.Engine
	hist  *chat.History
	stats *stats.Log
	out   io.Writer
	gap   time.Duration
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	t := tablewriter.NewWriter(w)
	t.SetHeader(header)
	t.SetAutoFormatHeaders(false)
	t.SetBorder(false)
	return t
}

func (c *console) prompt() { fmt.Fprint(c.out, "> ") }

// run reads commands from r until EOF.
func (c *console) run(r io.Reader) {
	c.prompt()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		c.exec(strings.TrimSpace(scanner.Text()))
		c.prompt()
	}
}

func (c *console) exec(line string) {
	if line == "" {
		return
	}
	parts := strings.SplitN(line, " ", 3)
	switch parts[0] {
	case "send":
		if len(parts) < 3 {
			fmt.Fprintln(c.out, "usage: send <name> <message>")
			return
		}
		m, err := c.eng.SendMessage(parts[2], parts[1])
		if err != nil {
			fmt.Fprintf(c.out, "%s %v\n", warnMark("error:"), err)
			return
		}
		fmt.Fprintf(c.out, "%s sent (hash %d)\n", okMark("✓"), m.Hash())

	case "peers":
		peers := c.eng.Peers()
		if len(peers) == 0 {
			fmt.Fprintln(c.out, "no known peers")
			return
		}
		t := newTable(c.out, "PEER", "LINK", "HOPS", "HANDLE")
		for _, p := range peers {
			hops := "-"
			if p.Hops >= 0 {
				hops = strconv.Itoa(p.Hops)
			}
			t.Append([]string{p.Name, p.Reachability.String(), hops, string(p.ID)})
		}
		t.Render()

	case "hops":
		hops := c.eng.HopCounts()
		names := make([]string, 0, len(hops))
		for name := range hops {
			if name != c.eng.Name() {
				names = append(names, name)
			}
		}
		sort.Slice(names, func(i, j int) bool {
			if hops[names[i]] != hops[names[j]] {
				return hops[names[i]] < hops[names[j]]
			}
			return names[i] < names[j]
		})
		t := newTable(c.out, "PEER", "HOPS")
		for _, name := range names {
			t.Append([]string{name, strconv.Itoa(hops[name])})
		}
		t.Render()

	case "ping":
		if len(parts) < 2 {
			fmt.Fprintln(c.out, "usage: ping <name> [count]")
			return
		}
		count := defaultPings
		if len(parts) == 3 {
			n, err := strconv.Atoi(parts[2])
			if err != nil || n <= 0 {
				fmt.Fprintln(c.out, "count must be a positive integer")
				return
			}
			count = n
		}
		dest := parts[1]
		go func() {
			if _, err := stats.Ping(c.ctx, c.eng, dest, count, c.gap); err != nil {
				fmt.Fprintf(c.out, "\n%s ping %s: %v\n", warnMark("error:"), dest, err)
			}
		}()
		fmt.Fprintf(c.out, "pinging %s %d times; see 'stats'\n", dest, count)

	case "history":
		if len(parts) < 2 {
			fmt.Fprintln(c.out, "usage: history <name>")
			return
		}
		if c.hist == nil {
			fmt.Fprintln(c.out, "history disabled")
			return
		}
		renderEntries(c.out, c.hist.Conversation(parts[1]))

	case "pending":
		pending := c.eng.PendingAcks()
		if len(pending) == 0 {
			fmt.Fprintln(c.out, "nothing awaiting acknowledgement")
			return
		}
		t := newTable(c.out, "TO", "SENT", "CONTENT")
		for _, m := range pending {
			t.Append([]string{m.Destination, m.Timestamp.Local().Format(time.TimeOnly), m.Content})
		}
		t.Render()

	case "stats":
		c.renderStats()

	case "help":
		fmt.Fprintln(c.out, "commands: send <name> <message> | peers | hops | ping <name> [count] | history <name> | pending | stats")

	default:
		fmt.Fprintf(c.out, "unknown command: %s (try 'help')\n", parts[0])
	}
}

func (c *console) renderStats() {
	if c.stats == nil {
		fmt.Fprintln(c.out, "statistics disabled")
		return
	}
	t := newTable(c.out, "RECIPIENT", "HOPS", "PINGS", "ACKS", "AVG LATENCY", "LOSS")
	for _, r := range c.stats.Rows() {
		t.Append([]string{
			r.Recipient,
			strconv.Itoa(r.Hops),
			strconv.Itoa(r.PingsSent),
			strconv.Itoa(r.Acks),
			r.AvgLatency().Round(time.Millisecond).String(),
			fmt.Sprintf("%.0f%%", 100*r.LossRate()),
		})
	}
	t.Render()

	byHops := c.stats.ByHops()
	if len(byHops) == 0 {
		return
	}
	fmt.Fprintln(c.out)
	t = newTable(c.out, "HOPS", "RECIPIENTS", "PINGS", "ACKS", "AVG LATENCY", "LOSS")
	for _, h := range byHops {
		t.Append([]string{
			strconv.Itoa(h.Hops),
			strconv.Itoa(h.Recipients),
			strconv.Itoa(h.PingsSent),
			strconv.Itoa(h.Acks),
			h.AvgLatency.Round(time.Millisecond).String(),
			fmt.Sprintf("%.0f%%", 100*h.LossRate),
		})
	}
	t.Render()
}

func renderEntries(w io.Writer, entries []chat.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "no messages")
		return
	}
	t := newTable(w, "TIME", "FROM", "TO", "STATUS", "LATENCY", "MESSAGE")
	for _, e := range entries {
		latency := ""
		if e.Status == chat.Acknowledged {
			latency = e.Latency.Round(time.Millisecond).String()
		}
		t.Append([]string{
			e.Timestamp.Local().Format(time.DateTime),
			e.From,
			e.To,
			e.Status.String(),
			latency,
			e.Content,
		})
	}
	t.Render()
}

// printer echoes routing events that matter to the person at the prompt.
func printer(out io.Writer) node.Funcs {
	return node.Funcs{
		MessageReceived: func(m wire.UserMessage) {
			fmt.Fprintf(out, "\n%s %s\n> ", incoming("["+m.Origin+"]"), m.Content)
		},
		AckReceived: func(m wire.UserMessage, latency time.Duration) {
			if strings.HasPrefix(m.Content, "test") {
				return
			}
			fmt.Fprintf(out, "\n%s delivered to %s in %s\n> ", okMark("✓"), m.Destination, latency.Round(time.Millisecond))
		},
		AckExpired: func(m wire.UserMessage) {
			fmt.Fprintf(out, "\n%s no acknowledgement from %s for %q\n> ", warnMark("!"), m.Destination, m.Content)
		},
		PeerConnected: func(name string) {
			fmt.Fprintf(out, "\n%s %s is in range\n> ", okMark("+"), name)
		},
		PeerDisconnected: func(name string) {
			fmt.Fprintf(out, "\n%s %s left\n> ", warnMark("-"), name)
		},
	}
}
