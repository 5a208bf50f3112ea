package wire

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"
)

// hashMask keeps message hashes within 53 bits so they survive any JSON
// number implementation unchanged.
const hashMask = 1<<53 - 1

// UserMessage is a chat message travelling from Origin to Destination.
// It is never mutated once created.
type UserMessage struct {
	ID          string    // random per send; empty for peers that do not set it
	Content     string
	Origin      string
	Destination string
	Timestamp   time.Time // millisecond resolution, UTC
}

// NewUserMessage builds a message stamped with now and a fresh ID.
func NewUserMessage(content, origin, destination string, now time.Time) UserMessage {
	return UserMessage{
		ID:          uuid.NewString(),
		Content:     content,
		Origin:      origin,
		Destination: destination,
		Timestamp:   now.UTC().Truncate(time.Millisecond),
	}
}

func (UserMessage) Kind() Kind { return KindUserMessage }

// Hash identifies the message for deduplication and ACK correlation. Every
// field takes part, so two messages are interchangeable iff their hashes
// match (modulo collisions).
func (m UserMessage) Hash() int64 {
	h := sha3.New256()
	for _, f := range []string{
		m.ID,
		m.Content,
		m.Origin,
		m.Destination,
		strconv.FormatInt(m.Timestamp.UnixMilli(), 10),
	} {
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(f)))
		h.Write(n[:])
		h.Write([]byte(f))
	}
	sum := h.Sum(nil)
	return int64(binary.BigEndian.Uint64(sum[:8]) & hashMask)
}

// Equal reports whether m and o carry the same field tuple.
func (m UserMessage) Equal(o UserMessage) bool {
	return m.ID == o.ID &&
		m.Content == o.Content &&
		m.Origin == o.Origin &&
		m.Destination == o.Destination &&
		m.Timestamp.Equal(o.Timestamp)
}

func (m UserMessage) String() string {
	return fmt.Sprintf("%s->%s@%s %q", m.Origin, m.Destination, formatTime(m.Timestamp), m.Content)
}

func (m UserMessage) record() userMessageJSON {
	date := formatTime(m.Timestamp)
	return userMessageJSON{
		Type:      KindUserMessage,
		ID:        m.ID,
		Content:   &m.Content,
		Origin:    &m.Origin,
		Recipient: &m.Destination,
		Date:      &date,
	}
}

func (r userMessageJSON) message() (UserMessage, error) {
	if r.Content == nil || r.Origin == nil || r.Recipient == nil || r.Date == nil {
		return UserMessage{}, fmt.Errorf("%w: user message", ErrMissingField)
	}
	ts, err := parseTime(*r.Date)
	if err != nil {
		return UserMessage{}, err
	}
	return UserMessage{
		ID:          r.ID,
		Content:     *r.Content,
		Origin:      *r.Origin,
		Destination: *r.Recipient,
		Timestamp:   ts,
	}, nil
}

// Ack acknowledges local delivery of a UserMessage. It refers to the message
// only through its hash.
type Ack struct {
	OriginalOrigin      string
	OriginalDestination string
	OriginalHash        int64
}

// AckFor builds the acknowledgement the destination of m sends back.
func AckFor(m UserMessage) Ack {
	return Ack{
		OriginalOrigin:      m.Origin,
		OriginalDestination: m.Destination,
		OriginalHash:        m.Hash(),
	}
}

func (Ack) Kind() Kind { return KindAck }

// Key identifies the ack for relay deduplication.
func (a Ack) Key() int64 { return a.OriginalHash }

func (a Ack) record() ackJSON {
	return ackJSON{
		Type:      KindAck,
		Origin:    &a.OriginalOrigin,
		Recipient: &a.OriginalDestination,
		Hash:      &a.OriginalHash,
	}
}

func (r ackJSON) ack() (Ack, error) {
	if r.Origin == nil || r.Recipient == nil || r.Hash == nil {
		return Ack{}, fmt.Errorf("%w: ack", ErrMissingField)
	}
	return Ack{
		OriginalOrigin:      *r.Origin,
		OriginalDestination: *r.Recipient,
		OriginalHash:        *r.Hash,
	}, nil
}

// PeerMap maps a peer name to the names it is directly connected to.
type PeerMap map[string][]string

// Clone returns a deep copy with every neighbor list sorted.
func (pm PeerMap) Clone() PeerMap {
	out := make(PeerMap, len(pm))
	for k, v := range pm {
		row := append([]string(nil), v...)
		sort.Strings(row)
		out[k] = row
	}
	return out
}

// Metadata is one node's view of the network adjacency. Acks carries
// acknowledgements waiting to be picked up by neighbors this node cannot
// write to; peers that predate the field ignore it.
type Metadata struct {
	Username string
	PeerMap  PeerMap
	Acks     []Ack
}

func (Metadata) Kind() Kind { return KindMetadata }

func (md Metadata) record() metadataJSON {
	pm := map[string][]string{}
	for k, v := range md.PeerMap {
		if v == nil {
			v = []string{}
		}
		pm[k] = v
	}
	r := metadataJSON{
		Type:     KindMetadata,
		Username: &md.Username,
		PeerMap:  &pm,
	}
	for _, a := range md.Acks {
		r.Acks = append(r.Acks, a.record())
	}
	return r
}

func (r metadataJSON) metadata() (Metadata, error) {
	if r.Username == nil || r.PeerMap == nil {
		return Metadata{}, fmt.Errorf("%w: metadata", ErrMissingField)
	}
	pm := make(PeerMap, len(*r.PeerMap))
	for k, v := range *r.PeerMap {
		if v == nil {
			v = []string{}
		}
		pm[k] = v
	}
	md := Metadata{Username: *r.Username, PeerMap: pm}
	for _, ar := range r.Acks {
		a, err := ar.ack()
		if err != nil {
			return Metadata{}, err
		}
		md.Acks = append(md.Acks, a)
	}
	return md, nil
}
