// Package proxy implements the qmi-proxyd daemon core: it multiplexes
// many downstream clients onto one upstream connection per physical
// device, rewriting client-ids transparently and fanning indications
// out to every owner. See spec §4.7.
package proxy

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/linux-mobile-broadband/qmi-go/logctx"
	"github.com/linux-mobile-broadband/qmi-go/qmi"
	"github.com/linux-mobile-broadband/qmi-go/transaction"
)

// ClientHello is the one-time handshake a downstream connection sends
// before any QMI traffic flows, naming the physical device it wants
// to share and whether it wants indications delivered at all. This is
// this module's own framing for the proxy's local endpoint; see
// SPEC_FULL.md's supplemented-features section for why it is shaped
// this way rather than as a QMUX control message.
type ClientHello struct {
	DevicePath    string
	NoIndications bool
}

// ServiceStatus is one entry of Proxy.Services()'s introspection
// snapshot: a client-id currently allocated on some upstream, and
// whether it is owned by a real downstream client or held internally
// by the proxy itself.
type ServiceStatus struct {
	DevicePath string
	Service    qmi.ServiceID
	ClientID   qmi.ClientID
	Internal   bool
}

// TransportDialer opens a transaction.Transport for a device path;
// device.Open and qrtr-backed dials both satisfy this shape.
type TransportDialer func(devicePath string) (transaction.Transport, error)

type downstream struct {
	id            uuid.UUID
	hello         ClientHello
	send          func(raw []byte) error
	noIndications bool

	mu        sync.Mutex
	allocated map[qmi.ServiceID]qmi.ClientID
}

// Proxy is the daemon's in-process core, independent of whatever
// local-endpoint transport (unix socket, named pipe, ...) accepts
// downstream connections; callers wire Connect/Disconnect/
// HandleClientMessage to that transport's accept/read loop.
type Proxy struct {
	log    *logctx.Context
	dial   TransportDialer
	idleFn func() // called when the empty-timeout elapses; cmd/qmi-proxyd uses it to cancel its run context and shut down

	emptyTimeout time.Duration

	mu        sync.Mutex
	upstreams map[string]*upstream
	clients   map[uuid.UUID]*downstream
	idleTimer *time.Timer
}

// New builds a Proxy. emptyTimeout == 0 disables the idle-exit timer.
func New(dial TransportDialer, emptyTimeout time.Duration, idleFn func(), log *logctx.Context) *Proxy {
	return &Proxy{
		dial:         dial,
		idleFn:       idleFn,
		emptyTimeout: emptyTimeout,
		upstreams:    map[string]*upstream{},
		clients:      map[uuid.UUID]*downstream{},
		log:          log,
	}
}

// Connect registers a new downstream client after its hello, opening
// (or reusing) the upstream connection for hello.DevicePath. send
// delivers a framed message back to that specific client. The returned
// id is a connection-correlation key for logging, distinct from any
// device-issued QMI client id (which is a uint8 and may be reused
// across connections over the device's lifetime).
func (p *Proxy) Connect(hello ClientHello, send func(raw []byte) error) (uuid.UUID, error) {
	p.mu.Lock()
	up, ok := p.upstreams[hello.DevicePath]
	if !ok {
		transport, err := p.dial(hello.DevicePath)
		if err != nil {
			p.mu.Unlock()
			return uuid.Nil, err
		}
		up = newUpstream(hello.DevicePath, transport, p.log, p.deliverIndication)
		p.upstreams[hello.DevicePath] = up
	}
	up.refs++

	id := uuid.New()
	p.clients[id] = &downstream{
		id:            id,
		hello:         hello,
		send:          send,
		noIndications: hello.NoIndications,
		allocated:     map[qmi.ServiceID]qmi.ClientID{},
	}
	p.cancelIdleTimerLocked()
	p.mu.Unlock()
	return id, nil
}

// Disconnect releases every client-id the client owned (issuing a
// control-service release for each) and removes it from accounting.
// If this was the last client, the idle-exit timer starts.
func (p *Proxy) Disconnect(ctx context.Context, clientID uuid.UUID) {
	p.mu.Lock()
	c, ok := p.clients[clientID]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.clients, clientID)
	up := p.upstreams[c.hello.DevicePath]
	up.refs--
	emptyNow := len(p.clients) == 0
	if emptyNow {
		p.startIdleTimerLocked()
	}
	p.mu.Unlock()

	if up == nil {
		return
	}
	c.mu.Lock()
	allocated := c.allocated
	c.mu.Unlock()
	for service, id := range allocated {
		_ = up.releaseClientID(ctx, service, id)
	}
}

func (p *Proxy) startIdleTimerLocked() {
	if p.emptyTimeout <= 0 || p.idleFn == nil {
		return
	}
	p.idleTimer = time.AfterFunc(p.emptyTimeout, p.idleFn)
}

func (p *Proxy) cancelIdleTimerLocked() {
	if p.idleTimer != nil {
		p.idleTimer.Stop()
		p.idleTimer = nil
	}
}

// HandleClientMessage processes one inbound message from a downstream
// client: a malformed message draws a MalformedMessage response (the
// connection stays up); otherwise it is rewritten to carry the
// client's allocated (or transparently allocated) client-id for its
// service and forwarded upstream, with the response relayed back.
func (p *Proxy) HandleClientMessage(ctx context.Context, clientID uuid.UUID, raw []byte) error {
	p.mu.Lock()
	c, ok := p.clients[clientID]
	var up *upstream
	if ok {
		up = p.upstreams[c.hello.DevicePath]
	}
	p.mu.Unlock()
	if !ok || up == nil {
		return &qmi.Error{Kind: qmi.KindClosed, Op: "handle_client_message"}
	}

	msg, err := qmi.FromRaw(raw)
	if err != nil || msg == nil {
		return c.send(malformedMessageResponse(raw))
	}

	clientRequestedID := msg.Client()
	service := msg.Service()

	var deviceClientID qmi.ClientID
	if service == qmi.ServiceControl {
		deviceClientID = 0
	} else {
		deviceClientID, err = p.resolveClientID(ctx, c, up, service, clientRequestedID)
		if err != nil {
			return err
		}
	}

	rewritten, err := rewriteClientID(msg, deviceClientID)
	if err != nil {
		return err
	}

	resp, err := up.mux.SendRequest(ctx, rewritten, 0)
	if err != nil {
		return err
	}
	if service == qmi.ServiceControl {
		p.trackExplicitClientIDChange(c, msg, resp)
	}
	return c.send(resp.Raw())
}

// trackExplicitClientIDChange implements spec §4.7's "allocate and
// release from clients are proxied directly but also update the
// accounting map": a client that issues its own CTL allocate/release
// client-id request, instead of relying on resolveClientID's
// transparent allocation, still needs c.allocated kept current so a
// later request on that service routes through the id the client
// actually holds, and so Disconnect releases it.
func (p *Proxy) trackExplicitClientIDChange(c *downstream, req, resp *qmi.Message) {
	switch req.MessageID() {
	case ctlMsgAllocateCID:
		service, client, err := parseAllocateCIDResponse(resp)
		if err != nil {
			return
		}
		c.mu.Lock()
		c.allocated[service] = client
		c.mu.Unlock()
	case ctlMsgReleaseCID:
		if err := resp.ResultError(); err != nil {
			return
		}
		service, client, err := parseReleaseCIDRequest(req)
		if err != nil {
			return
		}
		c.mu.Lock()
		if id, ok := c.allocated[service]; ok && id == client {
			delete(c.allocated, service)
		}
		c.mu.Unlock()
	}
}

// resolveClientID implements spec §4.7's transparent allocation: a
// client's first request on a service gets it a real device client-id
// without an explicit allocate call.
func (p *Proxy) resolveClientID(ctx context.Context, c *downstream, up *upstream, service qmi.ServiceID, requested qmi.ClientID) (qmi.ClientID, error) {
	c.mu.Lock()
	if id, ok := c.allocated[service]; ok {
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	id, err := up.internalClientID(ctx, service)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.allocated[service] = id
	c.mu.Unlock()
	return id, nil
}

// deliverIndication implements spec §4.7's indication fan-out: an
// indication is delivered to every client of devicePath that owns a
// client-id on service, except that control-service indications go to
// every client regardless (sync events concern the whole connection,
// not one client-id). A client that asked for NoIndications never
// receives any.
func (p *Proxy) deliverIndication(devicePath string, service qmi.ServiceID, msg *qmi.Message) {
	raw := msg.Raw()

	p.mu.Lock()
	var targets []*downstream
	for _, c := range p.clients {
		if c.hello.DevicePath != devicePath || c.noIndications {
			continue
		}
		if service == qmi.ServiceControl {
			targets = append(targets, c)
			continue
		}
		c.mu.Lock()
		_, owns := c.allocated[service]
		c.mu.Unlock()
		if owns {
			targets = append(targets, c)
		}
	}
	p.mu.Unlock()

	for _, c := range targets {
		if err := c.send(raw); err != nil && p.log != nil {
			p.log.Debugf("proxy: dropping indication to client %s: %v", c.id, err)
		}
	}
}

// Services returns a snapshot of every client-id currently allocated
// across every upstream, for operational introspection.
func (p *Proxy) Services() []ServiceStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []ServiceStatus
	for path, up := range p.upstreams {
		up.mu.Lock()
		for service, id := range up.internal {
			out = append(out, ServiceStatus{DevicePath: path, Service: service, ClientID: id, Internal: true})
		}
		up.mu.Unlock()
	}
	for _, c := range p.clients {
		c.mu.Lock()
		for service, id := range c.allocated {
			out = append(out, ServiceStatus{DevicePath: c.hello.DevicePath, Service: service, ClientID: id, Internal: false})
		}
		c.mu.Unlock()
	}
	return out
}

func rewriteClientID(msg *qmi.Message, client qmi.ClientID) (*qmi.Message, error) {
	raw := append([]byte(nil), msg.Raw()...)
	raw[5] = byte(client)
	return qmi.FromRaw(raw)
}

func malformedMessageResponse(raw []byte) []byte {
	resp, err := qmi.NewResultMessage(qmi.ServiceControl, 0, 0, 0,
		&qmi.Error{Kind: qmi.KindProtocol, ProtocolCode: MalformedMessageProtocolCode})
	if err != nil {
		return nil
	}
	return resp.Raw()
}
