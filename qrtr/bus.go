package qrtr

import (
	"context"
	"sync"
	"time"

	"github.com/linux-mobile-broadband/qmi-go/logctx"
	"github.com/linux-mobile-broadband/qmi-go/qmi"
)

// Bus owns the AF_QIPCRTR control socket: it issues the initial
// lookup, tracks every node's service table, and fans node/service
// lifecycle events out to subscribers. Per spec §4.4 it runs its
// socket-reading loop on a single goroutine, which alone mutates the
// node table under mu; public lookup methods read that live table
// under mu's read lock.
type Bus struct {
	log *logctx.Context
	sock *rawSocket

	mu    sync.RWMutex
	nodes map[uint32]*Node

	subsMu sync.Mutex
	subs   map[*Subscription]struct{}

	ready     chan struct{}
	readyOnce sync.Once

	waitersMu sync.Mutex
	waiters   map[uint32][]chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

// New opens the control socket, sends NEW_LOOKUP, and waits up to
// lookupTimeout for the initial-lookup sentinel (a NEW_SERVER with
// every field zero) before returning. lookupTimeout == 0 skips the
// wait entirely and returns as soon as the socket is open.
func New(ctx context.Context, log *logctx.Context, lookupTimeout time.Duration) (*Bus, error) {
	sock, err := openRawSocket(0, 0)
	if err != nil {
		return nil, wrapTransport("qrtr_new", err)
	}
	b := &Bus{
		log:     log,
		sock:    sock,
		nodes:   map[uint32]*Node{},
		subs:    map[*Subscription]struct{}{},
		ready:   make(chan struct{}),
		waiters: map[uint32][]chan struct{}{},
		closed:  make(chan struct{}),
	}
	go b.readLoop()

	if err := b.sock.sendTo(0, ControlPort, encodeCtrlPkt(ctrlPkt{Cmd: cmdNewLookup})); err != nil {
		b.Close()
		return nil, wrapTransport("qrtr_new", err)
	}

	if lookupTimeout == 0 {
		return b, nil
	}
	timer := time.NewTimer(lookupTimeout)
	defer timer.Stop()
	select {
	case <-b.ready:
		return b, nil
	case <-timer.C:
		b.Close()
		return nil, &qmi.Error{Kind: qmi.KindTimedOut, Op: "qrtr_new", Msg: "initial lookup did not complete"}
	case <-ctx.Done():
		b.Close()
		return nil, &qmi.Error{Kind: qmi.KindCancelled, Op: "qrtr_new"}
	}
}

func wrapTransport(op string, err error) error {
	return &qmi.Error{Kind: qmi.KindTransport, Op: op, Err: err}
}

func (b *Bus) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, _, _, err := b.sock.recvFrom(buf)
		if err != nil {
			return // socket closed
		}
		pkt, ok := decodeCtrlPkt(buf[:n])
		if !ok {
			if b.log != nil {
				b.log.Debugf("qrtr: dropped short control datagram (%d bytes)", n)
			}
			continue
		}
		b.handlePacket(pkt)
	}
}

func (b *Bus) handlePacket(pkt ctrlPkt) {
	switch pkt.Cmd {
	case cmdNewServer:
		if pkt.Server == (serverRecord{}) {
			b.readyOnce.Do(func() { close(b.ready) })
			return
		}
		b.upsertRecord(pkt.Server)
	case cmdDelServer:
		b.removeRecord(pkt.Server)
	}
}

func (b *Bus) upsertRecord(s serverRecord) {
	rec := ServiceRecord{NodeID: s.Node, Port: s.Port, Service: s.Service, Version: s.Version(), Instance: s.Counter()}

	b.mu.Lock()
	node, nodeExisted := b.nodes[s.Node]
	if !nodeExisted {
		node = newNode(b, s.Node)
		b.nodes[s.Node] = node
	}
	node.upsert(rec)
	b.mu.Unlock()

	if !nodeExisted {
		b.emit(Event{Kind: EventNodeAdded, NodeID: s.Node})
		b.wakeWaiters(s.Node)
	}
	b.emit(Event{Kind: EventServiceAdded, NodeID: s.Node, Record: rec})
}

func (b *Bus) removeRecord(s serverRecord) {
	b.mu.Lock()
	node, ok := b.nodes[s.Node]
	if !ok {
		b.mu.Unlock()
		return
	}
	rec, removed := node.remove(s.Port)
	empty := node.empty()
	if empty {
		delete(b.nodes, s.Node)
	}
	b.mu.Unlock()

	if !removed {
		return
	}
	b.emit(Event{Kind: EventServiceRemoved, NodeID: s.Node, Record: rec})
	if empty {
		b.emit(Event{Kind: EventNodeRemoved, NodeID: s.Node})
	}
}

func (b *Bus) wakeWaiters(node uint32) {
	b.waitersMu.Lock()
	ws := b.waiters[node]
	delete(b.waiters, node)
	b.waitersMu.Unlock()
	for _, ch := range ws {
		close(ch)
	}
}

func (b *Bus) emit(e Event) {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	for s := range b.subs {
		s.tryDeliver(e)
	}
}

// Subscribe returns a channel of node/service lifecycle events.
func (b *Bus) Subscribe() *Subscription {
	s := newSubscription(16)
	b.subsMu.Lock()
	b.subs[s] = struct{}{}
	b.subsMu.Unlock()
	return s
}

// Unsubscribe stops delivery to s and closes its channel.
func (b *Bus) Unsubscribe(s *Subscription) {
	b.subsMu.Lock()
	delete(b.subs, s)
	b.subsMu.Unlock()
	s.close()
}

// PeekNode returns the bus's live *Node for id (later updates from the
// bus show through it), or ok=false if the bus has no record of it.
func (b *Bus) PeekNode(id uint32) (*Node, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n, ok := b.nodes[id]
	return n, ok
}

// GetNode is PeekNode with a name matching spec §4.4's "get_ returns a
// shared reference" phrasing; in Go both return the same *Node, since
// Node is only ever mutated by the bus goroutine under b.mu and reads
// take a copy-free RLock.
func (b *Bus) GetNode(id uint32) (*Node, bool) {
	return b.PeekNode(id)
}

// WaitForNode blocks until node id is known to the bus, or until ctx
// is done, whichever comes first.
func (b *Bus) WaitForNode(ctx context.Context, id uint32) (*Node, error) {
	if n, ok := b.PeekNode(id); ok {
		return n, nil
	}
	ch := make(chan struct{})
	b.waitersMu.Lock()
	b.waiters[id] = append(b.waiters[id], ch)
	b.waitersMu.Unlock()

	if n, ok := b.PeekNode(id); ok {
		return n, nil
	}

	select {
	case <-ch:
		n, _ := b.PeekNode(id)
		return n, nil
	case <-ctx.Done():
		b.removeWaiter(id, ch)
		return nil, &qmi.Error{Kind: qmi.KindCancelled, Op: "wait_for_node"}
	case <-b.closed:
		b.removeWaiter(id, ch)
		return nil, &qmi.Error{Kind: qmi.KindClosed, Op: "wait_for_node"}
	}
}

// removeWaiter drops a not-yet-fired waiter channel, used when
// WaitForNode returns via cancellation or bus closure instead of the
// node actually appearing, so an abandoned caller never leaves a
// registration behind for wakeWaiters to iterate forever.
func (b *Bus) removeWaiter(id uint32, ch chan struct{}) {
	b.waitersMu.Lock()
	defer b.waitersMu.Unlock()
	ws := b.waiters[id]
	for i, c := range ws {
		if c == ch {
			b.waiters[id] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(b.waiters[id]) == 0 {
		delete(b.waiters, id)
	}
}

// DialClient opens a Client bound to (node, port), wired back to b so
// its Send can detect the peer node having been removed from the bus
// entirely, per spec §4.5.
func (b *Bus) DialClient(node, port uint32) (*Client, error) {
	return NewClient(b, node, port)
}

// Close sends DEL_LOOKUP (so the kernel stops routing control
// datagrams to a socket about to go away), then closes the control
// socket. Safe to call more than once.
func (b *Bus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		_ = b.sock.sendTo(0, ControlPort, encodeCtrlPkt(ctrlPkt{Cmd: cmdDelLookup}))
		err = b.sock.close()
		close(b.closed)
	})
	return err
}
