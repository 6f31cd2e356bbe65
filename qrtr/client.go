package qrtr

import (
	"sync"
	"sync/atomic"

	"github.com/linux-mobile-broadband/qmi-go/qmi"
)

// Client is a datagram socket bound to one local QRTR endpoint that
// talks to exactly one peer (node, port), per spec §4.5. Inbound
// datagrams from any other peer are silently dropped. Delivery to the
// single message consumer is by design non-fanning: the consumer is
// allowed to mutate the buffer it receives.
type Client struct {
	peerNode uint32
	peerPort uint32

	bus  *Bus
	sock *rawSocket

	msgs   chan []byte
	closed atomic.Bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewClient opens a client socket bound to an ephemeral local port and
// fixes its peer to (node, port). bus is the Bus this client's peer
// was discovered on; Send consults it to detect the peer node having
// been withdrawn entirely, per spec §4.5. bus may be nil, in which
// case Send only ever fails from a transport error or a prior Close.
// Most callers should use Bus.DialClient instead of calling this
// directly.
func NewClient(bus *Bus, node, port uint32) (*Client, error) {
	sock, err := openRawSocket(0, 0)
	if err != nil {
		return nil, wrapTransport("qrtr_client_new", err)
	}
	c := &Client{
		peerNode: node,
		peerPort: port,
		bus:      bus,
		sock:     sock,
		msgs:     make(chan []byte, 8),
		done:     make(chan struct{}),
	}
	c.wg.Add(1)
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	buf := make([]byte, 65536)
	for {
		n, node, port, err := c.sock.recvFrom(buf)
		if err != nil {
			close(c.msgs)
			return
		}
		if node != c.peerNode || port != c.peerPort {
			continue // not our peer; silently dropped per spec §4.5
		}
		msg := append([]byte(nil), buf[:n]...)
		select {
		case c.msgs <- msg:
		case <-c.done:
			close(c.msgs)
			return
		}
	}
}

// Messages returns the channel datagrams from the peer arrive on.
// Single-subscriber: call this once and range over the result.
func (c *Client) Messages() <-chan []byte { return c.msgs }

// Inbound is Messages under the name transaction.Transport expects,
// so a *Client can be handed straight to transaction.New.
func (c *Client) Inbound() <-chan []byte { return c.msgs }

// Send writes one datagram to the peer. Returns KindClosed if the
// client has already been closed or, when bus is set, if the peer
// node has already been removed from it (spec §4.5); otherwise
// propagates transport errors wrapped as KindTransport.
func (c *Client) Send(b []byte) error {
	if c.closed.Load() {
		return &qmi.Error{Kind: qmi.KindClosed, Op: "qrtr_client_send"}
	}
	if c.bus != nil {
		if _, ok := c.bus.PeekNode(c.peerNode); !ok {
			return &qmi.Error{Kind: qmi.KindClosed, Op: "qrtr_client_send", Msg: "peer node removed from bus"}
		}
	}
	if err := c.sock.sendTo(c.peerNode, c.peerPort, b); err != nil {
		return wrapTransport("qrtr_client_send", err)
	}
	return nil
}

// Close stops the read loop and releases the socket.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.done)
	err := c.sock.close()
	c.wg.Wait()
	return err
}
