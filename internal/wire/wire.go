// Package wire defines the mesh wire format.
//
// Every record is a flat JSON object carrying a "type" discriminator:
//
//	{"type":"UserMessage","content":...,"origin":...,"recipient":...,"date":...}
//	{"type":"ACK","originalMessageOrigin":...,"originalMessageRecipient":...,"originalMessageHash":...}
//	{"type":"Metadata","username":...,"peerMap":{...}}
//
// A node's outbox is a JSON array of UserMessage records. Decoding never
// panics: a missing field, an unknown type or an unparseable date yields an
// error and the caller drops the input.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// TimeLayout is the textual timestamp format ("yyyy-MM-dd'T'HH:mm:ss.SSS", UTC).
const TimeLayout = "2006-01-02T15:04:05.000"

// Kind is the value of the "type" discriminator.
type Kind string

const (
	KindUserMessage Kind = "UserMessage"
	KindAck         Kind = "ACK"
	KindMetadata    Kind = "Metadata"
)

var (
	ErrUnknownType   = errors.New("wire: unknown message type")
	ErrMissingField  = errors.New("wire: missing required field")
	ErrBadTimestamp  = errors.New("wire: unparseable timestamp")
	ErrNotUserRecord = errors.New("wire: outbox entry is not a UserMessage")
)

// Message is implemented by UserMessage, Ack and Metadata.
type Message interface {
	Kind() Kind
}

type header struct {
	Type Kind `json:"type"`
}

type userMessageJSON struct {
	Type      Kind    `json:"type"`
	ID        string  `json:"id,omitempty"`
	Content   *string `json:"content"`
	Origin    *string `json:"origin"`
	Recipient *string `json:"recipient"`
	Date      *string `json:"date"`
}

type ackJSON struct {
	Type      Kind    `json:"type"`
	Origin    *string `json:"originalMessageOrigin"`
	Recipient *string `json:"originalMessageRecipient"`
	Hash      *int64  `json:"originalMessageHash"`
}

type metadataJSON struct {
	Type     Kind                 `json:"type"`
	Username *string              `json:"username"`
	PeerMap  *map[string][]string `json:"peerMap"`
	Acks     []ackJSON            `json:"acks,omitempty"`
}

// Encode serialises m into its wire form.
func Encode(m Message) ([]byte, error) {
	switch v := m.(type) {
	case UserMessage:
		return json.Marshal(v.record())
	case *UserMessage:
		return json.Marshal(v.record())
	case Ack:
		return json.Marshal(v.record())
	case *Ack:
		return json.Marshal(v.record())
	case Metadata:
		return json.Marshal(v.record())
	case *Metadata:
		return json.Marshal(v.record())
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, m)
	}
}

// Decode parses a single wire record and returns a UserMessage, Ack or
// Metadata value (never a pointer).
func Decode(b []byte) (Message, error) {
	var h header
	if err := json.Unmarshal(b, &h); err != nil {
		return nil, fmt.Errorf("wire: decode: %w", err)
	}
	switch h.Type {
	case KindUserMessage:
		var r userMessageJSON
		if err := json.Unmarshal(b, &r); err != nil {
			return nil, fmt.Errorf("wire: decode user message: %w", err)
		}
		return r.message()
	case KindAck:
		var r ackJSON
		if err := json.Unmarshal(b, &r); err != nil {
			return nil, fmt.Errorf("wire: decode ack: %w", err)
		}
		return r.ack()
	case KindMetadata:
		var r metadataJSON
		if err := json.Unmarshal(b, &r); err != nil {
			return nil, fmt.Errorf("wire: decode metadata: %w", err)
		}
		return r.metadata()
	case "":
		return nil, fmt.Errorf("%w: type", ErrMissingField)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, h.Type)
	}
}

// EncodeOutbox serialises an outbox as a JSON array. A nil outbox encodes
// as "[]".
func EncodeOutbox(msgs []UserMessage) ([]byte, error) {
	recs := make([]userMessageJSON, 0, len(msgs))
	for i := range msgs {
		recs = append(recs, msgs[i].record())
	}
	return json.Marshal(recs)
}

// DecodeOutbox parses an outbox. Empty input is an empty outbox. Entries
// without a type field are accepted as user messages.
func DecodeOutbox(b []byte) ([]UserMessage, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var recs []userMessageJSON
	if err := json.Unmarshal(b, &recs); err != nil {
		return nil, fmt.Errorf("wire: decode outbox: %w", err)
	}
	out := make([]UserMessage, 0, len(recs))
	for _, r := range recs {
		if r.Type != "" && r.Type != KindUserMessage {
			return nil, fmt.Errorf("%w: %q", ErrNotUserRecord, r.Type)
		}
		m, err := r.message()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrBadTimestamp, s)
	}
	return t, nil
}
