// Package chat keeps per-peer conversation history derived from routing
// events.
package chat

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mnsl/meh/internal/node"
	"github.com/mnsl/meh/internal/wire"
)

// Status is the display state of a conversation entry.
type Status int

const (
	Sent Status = iota
	Acknowledged
	Received
	Expired
)

var statusNames = [...]string{"sent", "acknowledged", "received", "expired"}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", int(s))
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	for i, name := range statusNames {
		if name == string(b) {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("chat: unknown status %q", b)
}

// Entry is one message in a conversation.
type Entry struct {
	ID        string        `json:"id,omitempty"`
	Hash      int64         `json:"hash"`
	From      string        `json:"from"`
	To        string        `json:"to"`
	Content   string        `json:"content"`
	Timestamp time.Time     `json:"timestamp"`
	Status    Status        `json:"status"`
	Latency   time.Duration `json:"latency,omitempty"`
}

func entryFor(m wire.UserMessage, s Status) Entry {
	return Entry{
		ID:        m.ID,
		Hash:      m.Hash(),
		From:      m.Origin,
		To:        m.Destination,
		Content:   m.Content,
		Timestamp: m.Timestamp,
		Status:    s,
	}
}

// Archive persists conversations.
type Archive interface {
	SaveConversation(peer string, entries []Entry) error
	Conversation(peer string) ([]Entry, error)
}

// History is a node.Observer that keeps conversations keyed by the other
// party's name.
type History struct {
	self    string
	archive Archive
	log     *slog.Logger

	mu     sync.Mutex
	convs  map[string][]Entry
	loaded map[string]bool
}

var (
	_ node.Observer           = (*History)(nil)
	_ node.AckExpiredObserver = (*History)(nil)
)

// NewHistory creates a History for the node called self. archive may be nil.
func NewHistory(self string, archive Archive, logger *slog.Logger) *History {
	if logger == nil {
		logger = slog.Default()
	}
	return &History{
		self:    self,
		archive: archive,
		log:     logger.With("component", "chat"),
		convs:   make(map[string][]Entry),
		loaded:  make(map[string]bool),
	}
}

// convLocked returns the conversation with peer, loading it from the archive
// the first time.
func (h *History) convLocked(peer string) []Entry {
	if !h.loaded[peer] {
		h.loaded[peer] = true
		if h.archive != nil {
			entries, err := h.archive.Conversation(peer)
			if err != nil {
				h.log.Warn("Loading conversation", "peer", peer, "err", err)
			}
			h.convs[peer] = append(entries, h.convs[peer]...)
		}
	}
	return h.convs[peer]
}

func (h *History) saveLocked(peer string) {
	if h.archive == nil {
		return
	}
	if err := h.archive.SaveConversation(peer, h.convs[peer]); err != nil {
		h.log.Warn("Saving conversation", "peer", peer, "err", err)
	}
}

func (h *History) append(peer string, e Entry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conv := h.convLocked(peer)
	for _, cur := range conv {
		if cur.Hash == e.Hash && cur.Status == e.Status {
			return
		}
	}
	h.convs[peer] = append(conv, e)
	h.saveLocked(peer)
}

// update sets the status of the entry with hash in peer's conversation.
func (h *History) update(peer string, hash int64, s Status, latency time.Duration) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	conv := h.convLocked(peer)
	for i := range conv {
		if conv[i].Hash == hash && conv[i].Status == Sent {
			conv[i].Status = s
			conv[i].Latency = latency
			h.saveLocked(peer)
			return true
		}
	}
	return false
}

// OnMessageSent records messages this node originated. Relayed traffic is
// not part of any conversation.
func (h *History) OnMessageSent(m wire.UserMessage) {
	if m.Origin != h.self {
		return
	}
	h.append(m.Destination, entryFor(m, Sent))
}

func (h *History) OnMessageReceived(m wire.UserMessage) {
	h.append(m.Origin, entryFor(m, Received))
}

func (h *History) OnAckReceived(m wire.UserMessage, latency time.Duration) {
	if !h.update(m.Destination, m.Hash(), Acknowledged, latency) {
		h.log.Debug("ACK for message not in history", "to", m.Destination, "hash", m.Hash())
	}
}

func (h *History) OnAckExpired(m wire.UserMessage) {
	h.update(m.Destination, m.Hash(), Expired, 0)
}

func (h *History) OnTopologyChanged(map[string]int) {}

// Conversation returns the entries exchanged with peer in arrival order.
func (h *History) Conversation(peer string) []Entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Entry(nil), h.convLocked(peer)...)
}

// Peers lists everyone with a conversation loaded in memory, sorted.
func (h *History) Peers() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.convs))
	for p, c := range h.convs {
		if len(c) > 0 {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}
