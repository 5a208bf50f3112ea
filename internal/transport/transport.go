// Package transport defines the dual-role link layer the router runs on and
// provides implementations for production (TCP) and testing (in-memory).
//
// Every node plays two roles at once. In the outbound role it discovers and
// connects to other nodes, writes into their inbox and reads (or subscribes
// to) their outbox and metadata values. In the inbound role it accepts
// connections and serves its own outbox and metadata to any number of
// connectors, which can write into its inbox but cannot be written to.
package transport

import (
	"errors"
	"time"
)

// ErrUnknownPeer is returned when an operation names a handle with no link.
var ErrUnknownPeer = errors.New("transport: unknown peer")

// Handle is an opaque transport-level peer identifier.
type Handle string

// State mirrors the radio power state reported by the adapter.
type State int

const (
	StateUnknown State = iota
	StateResetting
	StateUnsupported
	StateUnauthorized
	StatePoweredOff
	StatePoweredOn
)

func (s State) String() string {
	switch s {
	case StateResetting:
		return "resetting"
	case StateUnsupported:
		return "unsupported"
	case StateUnauthorized:
		return "unauthorized"
	case StatePoweredOff:
		return "powered off"
	case StatePoweredOn:
		return "powered on"
	default:
		return "unknown"
	}
}

// Characteristic names a value a node serves to its inbound connectors.
type Characteristic int

const (
	CharOutbox Characteristic = iota
	CharMetadata
)

func (c Characteristic) String() string {
	if c == CharMetadata {
		return "metadata"
	}
	return "outbox"
}

// EventKind tags an Event.
type EventKind int

const (
	EventStateChanged EventKind = iota
	EventDiscovered
	EventConnected    // outbound link up
	EventDisconnected // outbound link down
	EventInboxWrite   // an inbound connector wrote to our inbox
	EventValueChanged // a value read from, or notified by, an outbound peer
	EventSubscribed   // an inbound connector subscribed to our outbox
	EventUnsubscribed // an inbound connector went away
)

func (k EventKind) String() string {
	switch k {
	case EventStateChanged:
		return "state"
	case EventDiscovered:
		return "discovered"
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventInboxWrite:
		return "inbox-write"
	case EventValueChanged:
		return "value-changed"
	case EventSubscribed:
		return "subscribed"
	case EventUnsubscribed:
		return "unsubscribed"
	default:
		return "invalid"
	}
}

// Event is raised by a Transport to its owner.
type Event struct {
	Kind  EventKind
	Peer  Handle
	Name  string // advertised peer name, empty when the link does not carry one
	State State
	Char  Characteristic
	Data  []byte
}

// Transport abstracts the dual-role link layer.
// The router uses this interface exclusively so that tests can inject an
// in-memory transport without needing real network sockets.
//
// Operations returning bool report whether the request was accepted; results
// arrive later as events. None of them block on a network round trip.
type Transport interface {
	// Start powers the adapter on and begins accepting inbound links.
	Start() error

	// Scan starts discovery for timeout. It returns false if the adapter
	// is not ready.
	Scan(timeout time.Duration) bool

	Connect(h Handle) bool
	Disconnect(h Handle) bool

	// WriteInbox pushes data to an outbound peer's inbox, best effort.
	WriteInbox(h Handle, data []byte) bool

	// ReadOutbox and ReadMetadata request an outbound peer's values; they
	// are delivered as EventValueChanged.
	ReadOutbox(h Handle)
	ReadMetadata(h Handle)

	// SetOutboxSubscription asks an outbound peer to notify value changes.
	SetOutboxSubscription(h Handle, enabled bool)

	// PublishOutbox and PublishMetadata atomically replace the values served
	// to inbound connectors and notify subscribers. They must not block or
	// raise events synchronously; the router calls them under its own lock.
	PublishOutbox(data []byte)
	PublishMetadata(data []byte)

	// Events returns the channel on which events are delivered.
	Events() <-chan Event

	// Close shuts down the transport and all links.
	Close() error
}
