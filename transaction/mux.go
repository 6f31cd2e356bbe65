package transaction

import (
	"context"
	"sync"
	"time"

	"github.com/linux-mobile-broadband/qmi-go/logctx"
	"github.com/linux-mobile-broadband/qmi-go/qmi"
)

// key identifies one (service, client-id) transaction-id namespace.
type key struct {
	service qmi.ServiceID
	client  qmi.ClientID
}

// indKey identifies an indication subscription.
type indKey struct {
	service qmi.ServiceID
	msgID   uint16
}

type pending struct {
	respCh chan *qmi.Message
	errCh  chan error
}

// Mux owns one transport's transaction space: per spec §4.6, a
// monotonic transaction-id counter and an in-flight table keyed by
// (service, client-id), plus indication fan-out by (service,
// message-id).
type Mux struct {
	transport Transport
	log       *logctx.Context

	mu       sync.Mutex
	next     map[key]uint32
	inflight map[key]map[uint32]*pending

	indMu       sync.Mutex
	inds        map[indKey][]chan *qmi.Message
	serviceInds map[qmi.ServiceID][]chan *qmi.Message

	closeOnce sync.Once
	done      chan struct{}
}

// New starts a Mux reading inbound messages from transport until it
// closes or the returned Mux is closed.
func New(transport Transport, log *logctx.Context) *Mux {
	mx := &Mux{
		transport:   transport,
		log:         log,
		next:        map[key]uint32{},
		inflight:    map[key]map[uint32]*pending{},
		inds:        map[indKey][]chan *qmi.Message{},
		serviceInds: map[qmi.ServiceID][]chan *qmi.Message{},
		done:        make(chan struct{}),
	}
	go mx.readLoop()
	return mx
}

func (mx *Mux) readLoop() {
	for {
		select {
		case raw, ok := <-mx.transport.Inbound():
			if !ok {
				mx.abortAll(&qmi.Error{Kind: qmi.KindTransport, Op: "mux_read_loop", Msg: "transport closed"})
				return
			}
			mx.handleInbound(raw)
		case <-mx.done:
			return
		}
	}
}

func (mx *Mux) handleInbound(raw []byte) {
	msg, err := qmi.FromRaw(raw)
	if err != nil {
		if mx.log != nil {
			mx.log.Debugf("transaction: dropped malformed inbound message: %v", err)
		}
		return
	}
	if msg == nil {
		return // short read; a real stream transport would buffer, datagram transports never see this
	}

	if msg.Type() == qmi.MessageIndication {
		mx.dispatchIndication(msg)
		return
	}

	k := key{service: msg.Service(), client: msg.Client()}
	tx := msg.TransactionID()

	mx.mu.Lock()
	table := mx.inflight[k]
	var p *pending
	if table != nil {
		p = table[tx]
		delete(table, tx)
	}
	mx.mu.Unlock()

	if p == nil {
		if mx.log != nil {
			mx.log.Debugf("transaction: unknown transaction id %d for %s/%d", tx, k.service, k.client)
		}
		return
	}
	p.respCh <- msg
}

func (mx *Mux) dispatchIndication(msg *qmi.Message) {
	k := indKey{service: msg.Service(), msgID: msg.MessageID()}
	mx.indMu.Lock()
	subs := append([]chan *qmi.Message(nil), mx.inds[k]...)
	subs = append(subs, mx.serviceInds[msg.Service()]...)
	mx.indMu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- msg:
		default:
		}
	}
}

// SubscribeServiceIndications returns a channel delivering every
// indication for service, regardless of message id -- used by the
// proxy to fan indications out to every client that owns a client-id
// on that service, per spec §4.7.
func (mx *Mux) SubscribeServiceIndications(service qmi.ServiceID) <-chan *qmi.Message {
	ch := make(chan *qmi.Message, 32)
	mx.indMu.Lock()
	mx.serviceInds[service] = append(mx.serviceInds[service], ch)
	mx.indMu.Unlock()
	return ch
}

// nextTxID advances k's counter, skipping 0 and any id still in
// flight, and wrapping modulo the service's transaction width.
func (mx *Mux) nextTxID(k key, width int) uint32 {
	limit := uint32(1) << uint(width*8)
	table := mx.inflight[k]
	for {
		id := mx.next[k]
		id++
		if id >= limit {
			id = 1
		}
		mx.next[k] = id
		if table == nil || table[id] == nil {
			return id
		}
	}
}

// NewRequest allocates a transaction id for (service, client) and
// builds an empty request message carrying it, ready for TLVWriteInit
// calls before SendRequest.
func (mx *Mux) NewRequest(service qmi.ServiceID, client qmi.ClientID, msgID uint16) (*qmi.Message, error) {
	width := 2
	if service == qmi.ServiceControl {
		width = 1
	}
	k := key{service: service, client: client}

	mx.mu.Lock()
	txID := mx.nextTxID(k, width)
	mx.mu.Unlock()

	return qmi.NewMessage(service, client, txID, qmi.MessageRequest, msgID)
}

// SendRequest registers msg as in-flight, hands it to the transport,
// and waits for its response, timeout, or ctx cancellation. On
// cancellation the in-flight record is removed immediately; a response
// that arrives afterward falls through handleInbound's unknown-
// transaction-id path and is logged, not delivered.
func (mx *Mux) SendRequest(ctx context.Context, msg *qmi.Message, timeout time.Duration) (*qmi.Message, error) {
	k := key{service: msg.Service(), client: msg.Client()}
	tx := msg.TransactionID()

	p := &pending{respCh: make(chan *qmi.Message, 1), errCh: make(chan error, 1)}
	mx.mu.Lock()
	if mx.inflight[k] == nil {
		mx.inflight[k] = map[uint32]*pending{}
	}
	mx.inflight[k][tx] = p
	mx.mu.Unlock()

	if err := mx.transport.Send(msg.Raw()); err != nil {
		mx.removeInflight(k, tx)
		return nil, &qmi.Error{Kind: qmi.KindTransport, Op: "send_request", Err: err}
	}

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case resp := <-p.respCh:
		return resp, nil
	case err := <-p.errCh:
		return nil, err
	case <-timeoutCh:
		mx.removeInflight(k, tx)
		return nil, &qmi.Error{Kind: qmi.KindTimedOut, Op: "send_request"}
	case <-ctx.Done():
		mx.removeInflight(k, tx)
		mx.maybeSendAbort(msg, tx)
		return nil, &qmi.Error{Kind: qmi.KindCancelled, Op: "send_request"}
	case <-mx.done:
		mx.removeInflight(k, tx)
		return nil, &qmi.Error{Kind: qmi.KindClosed, Op: "send_request"}
	}
}

// maybeSendAbort implements spec §4.6's cancellation contract: if the
// request being dropped is abortable, emit its service's documented
// abort request naming the transaction id being cancelled. The abort
// itself is fire-and-forget -- it is never registered in-flight, so
// whatever response (if any) the device sends back falls through
// handleInbound's unknown-transaction-id path and is logged, not
// delivered to anyone.
func (mx *Mux) maybeSendAbort(msg *qmi.Message, abortedTx uint32) {
	spec, ok := qmi.LookupAbortSpec(msg.Service(), msg.MessageID())
	if !ok {
		return
	}

	abortMsg, err := mx.NewRequest(msg.Service(), msg.Client(), spec.MessageID)
	if err != nil {
		if mx.log != nil {
			mx.log.Debugf("transaction: building abort request for %s/%d failed: %v", msg.Service(), msg.MessageID(), err)
		}
		return
	}
	off := abortMsg.TLVWriteInit(qmi.AbortTransactionTLV)
	abortMsg.AppendU16(uint16(abortedTx), qmi.LittleEndian)
	if err := abortMsg.TLVWriteComplete(off); err != nil {
		if mx.log != nil {
			mx.log.Debugf("transaction: building abort request for %s/%d failed: %v", msg.Service(), msg.MessageID(), err)
		}
		return
	}

	if err := mx.transport.Send(abortMsg.Raw()); err != nil && mx.log != nil {
		mx.log.Debugf("transaction: sending abort request for %s/%d failed: %v", msg.Service(), msg.MessageID(), err)
	}
}

func (mx *Mux) removeInflight(k key, tx uint32) {
	mx.mu.Lock()
	if table := mx.inflight[k]; table != nil {
		delete(table, tx)
	}
	mx.mu.Unlock()
}

// SubscribeIndications returns a channel delivering every indication
// matching (service, msgID). Buffered; a full channel drops the
// indication rather than blocking the read loop.
func (mx *Mux) SubscribeIndications(service qmi.ServiceID, msgID uint16) <-chan *qmi.Message {
	ch := make(chan *qmi.Message, 16)
	k := indKey{service: service, msgID: msgID}
	mx.indMu.Lock()
	mx.inds[k] = append(mx.inds[k], ch)
	mx.indMu.Unlock()
	return ch
}

// abortAll completes every in-flight request with err, used when the
// transport itself fails or closes out from under the multiplexer.
func (mx *Mux) abortAll(err error) {
	mx.mu.Lock()
	tables := mx.inflight
	mx.inflight = map[key]map[uint32]*pending{}
	mx.mu.Unlock()

	for _, table := range tables {
		for _, p := range table {
			select {
			case p.errCh <- err:
			default:
			}
		}
	}
}

// Close stops the multiplexer's read loop and closes every indication
// subscription channel, so that range loops over
// Subscribe(Service)Indications terminate. In-flight requests complete
// with KindClosed.
func (mx *Mux) Close() {
	mx.closeOnce.Do(func() {
		close(mx.done)

		mx.indMu.Lock()
		defer mx.indMu.Unlock()
		for _, chans := range mx.inds {
			for _, ch := range chans {
				close(ch)
			}
		}
		for _, chans := range mx.serviceInds {
			for _, ch := range chans {
				close(ch)
			}
		}
	})
}
