package node

import "github.com/mnsl/meh/internal/wire"

// outbox is the ordered list of messages waiting for poll-only neighbors.
// It is only touched under Node.mu; every change republishes the whole list.
type outbox struct {
	msgs []wire.UserMessage
}

// add appends m unless a message with the same hash is already queued.
func (o *outbox) add(m wire.UserMessage) bool {
	h := m.Hash()
	for _, cur := range o.msgs {
		if cur.Hash() == h {
			return false
		}
	}
	o.msgs = append(o.msgs, m)
	return true
}

// remove drops every message whose hash is h, keeping the order of the rest.
func (o *outbox) remove(h int64) bool {
	kept := o.msgs[:0]
	for _, m := range o.msgs {
		if m.Hash() != h {
			kept = append(kept, m)
		}
	}
	removed := len(kept) != len(o.msgs)
	for i := len(kept); i < len(o.msgs); i++ {
		o.msgs[i] = wire.UserMessage{}
	}
	o.msgs = kept
	return removed
}

func (o *outbox) snapshot() []wire.UserMessage {
	return append([]wire.UserMessage(nil), o.msgs...)
}

func (o *outbox) encode() ([]byte, error) {
	return wire.EncodeOutbox(o.msgs)
}
