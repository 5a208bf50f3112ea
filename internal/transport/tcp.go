package transport

import (
	"bytes"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

const (
	tcpEventDepth      = 1024
	tcpSendQueueDepth  = 256
	helloTimeout       = 5 * time.Second
	defaultDialTimeout = 5 * time.Second
)

// TCPConfig configures a TCPTransport.
type TCPConfig struct {
	Listen      string   // listen address for inbound links
	Name        string   // advertised in the hello exchange
	Bootstrap   []string // addresses Scan reports as discovered
	DialTimeout time.Duration
	Logger      *slog.Logger
}

// TCPTransport implements Transport over TCP. The dialing side of a
// connection is the outbound role, the accepting side the inbound role.
// Both sides exchange names in a hello frame before anything else.
type TCPTransport struct {
	cfg      TCPConfig
	log      *slog.Logger
	listener net.Listener
	events   chan Event

	mu       sync.RWMutex
	started  bool
	closed   bool
	dialing  map[Handle]bool
	outbound map[Handle]*tcpLink
	inbound  map[Handle]*tcpLink
	outbox   []byte
	metadata []byte
}

var _ Transport = (*TCPTransport)(nil)

type tcpLink struct {
	conn       net.Conn
	name       string
	subscribed bool // inbound only; guarded by TCPTransport.mu
	out        chan frame
	done       chan struct{}
	once       sync.Once
}

func newLink(conn net.Conn, name string) *tcpLink {
	return &tcpLink{
		conn: conn,
		name: name,
		out:  make(chan frame, tcpSendQueueDepth),
		done: make(chan struct{}),
	}
}

// enqueue queues f for the writer goroutine without blocking.
func (l *tcpLink) enqueue(f frame) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.out <- f:
		return true
	default:
		return false
	}
}

func (l *tcpLink) close() {
	l.once.Do(func() {
		close(l.done)
		l.conn.Close()
	})
}

func (l *tcpLink) writeLoop() {
	for {
		select {
		case <-l.done:
			return
		case f := <-l.out:
			b, err := f.encode()
			if err != nil {
				continue
			}
			if _, err := l.conn.Write(b); err != nil {
				l.close()
				return
			}
		}
	}
}

// NewTCP creates a TCPTransport.
func NewTCP(cfg TCPConfig) *TCPTransport {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &TCPTransport{
		cfg:      cfg,
		log:      logger.With("component", "tcp"),
		events:   make(chan Event, tcpEventDepth),
		dialing:  make(map[Handle]bool),
		outbound: make(map[Handle]*tcpLink),
		inbound:  make(map[Handle]*tcpLink),
	}
}

func (t *TCPTransport) emit(ev Event) {
	select {
	case t.events <- ev:
	default:
		t.log.Warn("event queue full, dropping", "event", ev.Kind, "peer", ev.Peer)
	}
}

func (t *TCPTransport) ready() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.started && !t.closed
}

func (t *TCPTransport) Start() error {
	ln, err := net.Listen("tcp", t.cfg.Listen)
	if err != nil {
		return fmt.Errorf("tcp transport: listen %s: %w", t.cfg.Listen, err)
	}
	t.mu.Lock()
	t.listener = ln
	t.started = true
	t.mu.Unlock()
	go t.acceptLoop()
	t.emit(Event{Kind: EventStateChanged, State: StatePoweredOn})
	return nil
}

// Addr returns the bound listen address, or "" before Start.
func (t *TCPTransport) Addr() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

// AddBootstrap registers addresses for later Scans.
func (t *TCPTransport) AddBootstrap(addrs ...string) {
	t.mu.Lock()
	t.cfg.Bootstrap = append(t.cfg.Bootstrap, addrs...)
	t.mu.Unlock()
}

// Scan reports every bootstrap address without a live outbound link.
// TCP has no radio discovery, so the timeout is unused.
func (t *TCPTransport) Scan(time.Duration) bool {
	if !t.ready() {
		return false
	}
	t.mu.RLock()
	var found []Handle
	for _, addr := range t.cfg.Bootstrap {
		h := Handle(addr)
		if _, ok := t.outbound[h]; !ok && !t.dialing[h] {
			found = append(found, h)
		}
	}
	t.mu.RUnlock()
	for _, h := range found {
		t.emit(Event{Kind: EventDiscovered, Peer: h})
	}
	return true
}

func (t *TCPTransport) Connect(h Handle) bool {
	if !t.ready() {
		return false
	}
	t.mu.Lock()
	if _, ok := t.outbound[h]; ok || t.dialing[h] {
		t.mu.Unlock()
		return true
	}
	t.dialing[h] = true
	t.mu.Unlock()

	go t.dial(h)
	return true
}

func (t *TCPTransport) dial(h Handle) {
	defer func() {
		t.mu.Lock()
		delete(t.dialing, h)
		t.mu.Unlock()
	}()

	conn, err := net.DialTimeout("tcp", string(h), t.cfg.DialTimeout)
	if err != nil {
		t.log.Warn("connect failed", "peer", h, "err", err)
		return
	}
	name, err := t.hello(conn, true)
	if err != nil {
		t.log.Warn("hello failed", "peer", h, "err", err)
		conn.Close()
		return
	}

	l := newLink(conn, name)
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		conn.Close()
		return
	}
	t.outbound[h] = l
	t.mu.Unlock()

	go l.writeLoop()
	go t.outboundLoop(h, l)
	t.emit(Event{Kind: EventConnected, Peer: h, Name: name})
}

// hello exchanges names. The dialer speaks first.
func (t *TCPTransport) hello(conn net.Conn, dialer bool) (string, error) {
	conn.SetDeadline(time.Now().Add(helloTimeout)) //nolint:errcheck
	defer conn.SetDeadline(time.Time{})            //nolint:errcheck

	mine, err := frame{Op: opHello, Payload: []byte(t.cfg.Name)}.encode()
	if err != nil {
		return "", err
	}
	if dialer {
		if _, err := conn.Write(mine); err != nil {
			return "", err
		}
	}
	f, err := readFrame(conn)
	if err != nil {
		return "", err
	}
	if f.Op != opHello {
		return "", fmt.Errorf("tcp transport: expected hello, got op %d", f.Op)
	}
	if !dialer {
		if _, err := conn.Write(mine); err != nil {
			return "", err
		}
	}
	return string(f.Payload), nil
}

// outboundLoop reads values served by the peer we dialed.
func (t *TCPTransport) outboundLoop(h Handle, l *tcpLink) {
	defer func() {
		l.close()
		t.mu.Lock()
		if t.outbound[h] == l {
			delete(t.outbound, h)
		}
		t.mu.Unlock()
		t.emit(Event{Kind: EventDisconnected, Peer: h, Name: l.name})
	}()
	for {
		f, err := readFrame(l.conn)
		if err != nil {
			return
		}
		if f.Op != opValue {
			t.log.Debug("unexpected frame from server", "peer", h, "op", f.Op)
			continue
		}
		t.emit(Event{Kind: EventValueChanged, Peer: h, Name: l.name, Char: f.Char, Data: f.Payload})
	}
}

func (t *TCPTransport) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			return
		}
		go t.serveInbound(conn)
	}
}

// serveInbound handles one connector: inbox writes, reads and subscriptions.
func (t *TCPTransport) serveInbound(conn net.Conn) {
	name, err := t.hello(conn, false)
	if err != nil {
		t.log.Debug("inbound hello failed", "remote", conn.RemoteAddr(), "err", err)
		conn.Close()
		return
	}
	h := Handle("in:" + conn.RemoteAddr().String())
	l := newLink(conn, name)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		conn.Close()
		return
	}
	t.inbound[h] = l
	t.mu.Unlock()
	go l.writeLoop()

	defer func() {
		l.close()
		t.mu.Lock()
		delete(t.inbound, h)
		wasSubscribed := l.subscribed
		t.mu.Unlock()
		if wasSubscribed {
			t.emit(Event{Kind: EventUnsubscribed, Peer: h, Name: name})
		}
	}()

	for {
		f, err := readFrame(conn)
		if err != nil {
			return
		}
		switch f.Op {
		case opWrite:
			t.emit(Event{Kind: EventInboxWrite, Peer: h, Name: name, Data: f.Payload})
		case opRead:
			l.enqueue(frame{Op: opValue, Char: f.Char, Payload: t.value(f.Char)})
		case opSubscribe:
			on := bytes.Equal(f.Payload, []byte{1})
			t.mu.Lock()
			changed := l.subscribed != on
			l.subscribed = on
			t.mu.Unlock()
			if !changed {
				continue
			}
			kind := EventUnsubscribed
			if on {
				kind = EventSubscribed
			}
			t.emit(Event{Kind: kind, Peer: h, Name: name})
		default:
			t.log.Debug("unexpected frame from connector", "peer", h, "op", f.Op)
		}
	}
}

func (t *TCPTransport) link(h Handle) *tcpLink {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.outbound[h]
}

func (t *TCPTransport) Disconnect(h Handle) bool {
	l := t.link(h)
	if l == nil {
		return false
	}
	l.close()
	return true
}

func (t *TCPTransport) WriteInbox(h Handle, data []byte) bool {
	l := t.link(h)
	if l == nil {
		return false
	}
	return l.enqueue(frame{Op: opWrite, Payload: append([]byte(nil), data...)})
}

func (t *TCPTransport) ReadOutbox(h Handle) {
	if l := t.link(h); l != nil {
		l.enqueue(frame{Op: opRead, Char: CharOutbox})
	}
}

func (t *TCPTransport) ReadMetadata(h Handle) {
	if l := t.link(h); l != nil {
		l.enqueue(frame{Op: opRead, Char: CharMetadata})
	}
}

func (t *TCPTransport) SetOutboxSubscription(h Handle, enabled bool) {
	l := t.link(h)
	if l == nil {
		return
	}
	var b byte
	if enabled {
		b = 1
	}
	l.enqueue(frame{Op: opSubscribe, Payload: []byte{b}})
}

func (t *TCPTransport) value(c Characteristic) []byte {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if c == CharMetadata {
		return append([]byte(nil), t.metadata...)
	}
	return append([]byte(nil), t.outbox...)
}

func (t *TCPTransport) publish(c Characteristic, data []byte) {
	data = append([]byte(nil), data...)
	t.mu.Lock()
	if c == CharMetadata {
		t.metadata = data
	} else {
		t.outbox = data
	}
	var subs []*tcpLink
	for _, l := range t.inbound {
		if l.subscribed {
			subs = append(subs, l)
		}
	}
	t.mu.Unlock()
	for _, l := range subs {
		if !l.enqueue(frame{Op: opValue, Char: c, Payload: data}) {
			t.log.Debug("notify dropped", "peer", l.name, "char", c)
		}
	}
}

func (t *TCPTransport) PublishOutbox(data []byte) { t.publish(CharOutbox, data) }

func (t *TCPTransport) PublishMetadata(data []byte) { t.publish(CharMetadata, data) }

func (t *TCPTransport) Events() <-chan Event { return t.events }

func (t *TCPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	ln := t.listener
	links := make([]*tcpLink, 0, len(t.outbound)+len(t.inbound))
	for _, l := range t.outbound {
		links = append(links, l)
	}
	for _, l := range t.inbound {
		links = append(links, l)
	}
	t.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, l := range links {
		l.close()
	}
	return nil
}
