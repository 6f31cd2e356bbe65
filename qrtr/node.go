package qrtr

import (
	"context"
	"sort"

	"github.com/linux-mobile-broadband/qmi-go/qmi"
)

// ServiceRecord is one entry of a node's service table, per spec §3.
type ServiceRecord struct {
	NodeID   uint32
	Port     uint32
	Service  uint32
	Version  uint32
	Instance uint32
}

// Node holds everything the bus currently knows about one QRTR node,
// updated in place by the bus: its services, indexed both by service id (version-sorted,
// highest first) and by port (unique). bus is a non-owning back
// reference (spec §9's "weak reference" resolution of the node/bus
// cycle): the bus owns nodes outright, a node only upgrades bus on
// demand for WaitForServices, and operations needing it fail Closed
// once the bus itself is closed.
type Node struct {
	ID uint32

	bus *Bus

	byService map[uint32][]ServiceRecord
	byPort    map[uint32]ServiceRecord
}

func newNode(bus *Bus, id uint32) *Node {
	return &Node{ID: id, bus: bus, byService: map[uint32][]ServiceRecord{}, byPort: map[uint32]ServiceRecord{}}
}

// Services returns every service id the node currently advertises.
func (n *Node) Services() []uint32 {
	n.rlock()
	defer n.runlock()
	out := make([]uint32, 0, len(n.byService))
	for s := range n.byService {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Lookup returns the highest-version record for a service, if any.
func (n *Node) Lookup(service uint32) (ServiceRecord, bool) {
	n.rlock()
	defer n.runlock()
	recs := n.byService[service]
	if len(recs) == 0 {
		return ServiceRecord{}, false
	}
	return recs[0], true
}

// LookupAll returns every record for a service, sorted by ascending
// version (the order spec §3 specifies for the underlying index; the
// best match is the last element).
func (n *Node) LookupAll(service uint32) []ServiceRecord {
	n.rlock()
	defer n.runlock()
	recs := n.byService[service]
	out := make([]ServiceRecord, len(recs))
	copy(out, recs)
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out
}

// WaitForServices blocks until the node advertises every id in
// services, or until ctx is cancelled, the owning bus closes, or the
// bus itself is gone (spec §5's QrtrNode::wait_for_services suspension
// point). It completes immediately if every service is already
// present.
func (n *Node) WaitForServices(ctx context.Context, services []uint32) error {
	bus := n.bus
	if bus == nil {
		return &qmi.Error{Kind: qmi.KindClosed, Op: "wait_for_services"}
	}
	if n.hasAll(services) {
		return nil
	}

	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	// A service may have arrived between the first check and the
	// subscription taking effect.
	if n.hasAll(services) {
		return nil
	}

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return &qmi.Error{Kind: qmi.KindClosed, Op: "wait_for_services"}
			}
			if ev.NodeID == n.ID && ev.Kind == EventServiceAdded && n.hasAll(services) {
				return nil
			}
		case <-ctx.Done():
			return &qmi.Error{Kind: qmi.KindCancelled, Op: "wait_for_services"}
		case <-bus.closed:
			return &qmi.Error{Kind: qmi.KindClosed, Op: "wait_for_services"}
		}
	}
}

func (n *Node) hasAll(services []uint32) bool {
	for _, s := range services {
		if _, ok := n.Lookup(s); !ok {
			return false
		}
	}
	return true
}

func (n *Node) rlock() {
	if n.bus != nil {
		n.bus.mu.RLock()
	}
}

func (n *Node) runlock() {
	if n.bus != nil {
		n.bus.mu.RUnlock()
	}
}

func (n *Node) empty() bool { return len(n.byPort) == 0 }

// upsert inserts or replaces the record at rec.Port, keeping
// n.byService sorted descending by version (lookups prefer the
// highest). Returns true if this created a new record (as opposed to
// replacing one at the same port).
func (n *Node) upsert(rec ServiceRecord) bool {
	_, existed := n.byPort[rec.Port]
	n.byPort[rec.Port] = rec

	list := n.byService[rec.Service]
	replaced := false
	for i, r := range list {
		if r.Port == rec.Port {
			list[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		list = append(list, rec)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Version > list[j].Version })
	n.byService[rec.Service] = list

	return !existed
}

// remove drops the record at port, if any, returning it.
func (n *Node) remove(port uint32) (ServiceRecord, bool) {
	rec, ok := n.byPort[port]
	if !ok {
		return ServiceRecord{}, false
	}
	delete(n.byPort, port)
	list := n.byService[rec.Service]
	for i, r := range list {
		if r.Port == port {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(n.byService, rec.Service)
	} else {
		n.byService[rec.Service] = list
	}
	return rec, true
}
