package proxy

import (
	"context"
	"sync"
	"time"

	"github.com/linux-mobile-broadband/qmi-go/logctx"
	"github.com/linux-mobile-broadband/qmi-go/qmi"
	"github.com/linux-mobile-broadband/qmi-go/transaction"
)

const allocateCIDTimeout = 5 * time.Second

// upstream is one physical device or QRTR node connection the proxy
// mediates, per spec §4.7: a transaction multiplexer owning the
// device's transaction space, plus the map of client-ids the proxy
// itself allocated on a service for internal bookkeeping when none of
// its downstream clients owns one yet.
type upstream struct {
	devicePath string
	transport  transaction.Transport
	mux        *transaction.Mux
	log        *logctx.Context
	deliver    func(devicePath string, service qmi.ServiceID, msg *qmi.Message)

	mu            sync.Mutex
	internal      map[qmi.ServiceID]qmi.ClientID
	refs          int
	fanoutStarted map[qmi.ServiceID]bool
}

// newUpstream opens one device's transaction space and starts its
// control-service indication fan-out immediately: per spec §4.7,
// control indications (e.g. sync events) are broadcast to every
// connected client regardless of whether it ever allocated a
// control-service client-id. Fan-out for other services starts lazily,
// the first time some client resolves a client-id on them, via
// ensureFanout.
func newUpstream(devicePath string, transport transaction.Transport, log *logctx.Context, deliver func(devicePath string, service qmi.ServiceID, msg *qmi.Message)) *upstream {
	u := &upstream{
		devicePath:    devicePath,
		transport:     transport,
		mux:           transaction.New(transport, log),
		log:           log,
		deliver:       deliver,
		internal:      map[qmi.ServiceID]qmi.ClientID{},
		fanoutStarted: map[qmi.ServiceID]bool{},
	}
	u.ensureFanout(qmi.ServiceControl)
	return u
}

// ensureFanout starts, at most once per service, a goroutine that
// relays every indication the device sends for service to u.deliver.
func (u *upstream) ensureFanout(service qmi.ServiceID) {
	u.mu.Lock()
	if u.fanoutStarted[service] {
		u.mu.Unlock()
		return
	}
	u.fanoutStarted[service] = true
	u.mu.Unlock()

	ch := u.mux.SubscribeServiceIndications(service)
	go func() {
		for msg := range ch {
			u.deliver(u.devicePath, service, msg)
		}
	}()
}

// internalClientID returns a client-id usable to talk to service on
// this upstream, allocating one from the device on first use. Proxy
// duplicate-allocation is idempotent: a concurrent caller that raced
// this one simply gets the same cached id back (see DESIGN.md's Open
// Question decisions).
func (u *upstream) internalClientID(ctx context.Context, service qmi.ServiceID) (qmi.ClientID, error) {
	u.ensureFanout(service)

	u.mu.Lock()
	if id, ok := u.internal[service]; ok {
		u.mu.Unlock()
		return id, nil
	}
	u.mu.Unlock()

	req, err := buildAllocateCIDRequest(u.mux, service)
	if err != nil {
		return 0, err
	}
	resp, err := u.mux.SendRequest(ctx, req, allocateCIDTimeout)
	if err != nil {
		return 0, err
	}
	_, client, err := parseAllocateCIDResponse(resp)
	if err != nil {
		return 0, err
	}

	u.mu.Lock()
	if existing, ok := u.internal[service]; ok {
		u.mu.Unlock()
		return existing, nil
	}
	u.internal[service] = client
	u.mu.Unlock()
	return client, nil
}

func (u *upstream) releaseClientID(ctx context.Context, service qmi.ServiceID, client qmi.ClientID) error {
	req, err := buildReleaseCIDRequest(u.mux, service, client)
	if err != nil {
		return err
	}
	_, err = u.mux.SendRequest(ctx, req, allocateCIDTimeout)
	return err
}

func (u *upstream) close() {
	u.mux.Close()
}
