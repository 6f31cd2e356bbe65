package qrtr

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// newTestBus builds a Bus with no real socket attached, exercising
// only the control-packet state machine (handlePacket) and event
// fan-out -- the part spec §8 scenario 6 (QRTR add/remove round trip)
// actually tests, independent of AF_QIPCRTR being available in the
// test environment.
func newTestBus() *Bus {
	return &Bus{
		nodes:   map[uint32]*Node{},
		subs:    map[*Subscription]struct{}{},
		ready:   make(chan struct{}),
		waiters: map[uint32][]chan struct{}{},
		closed:  make(chan struct{}),
	}
}

func TestBusAddRemoveNodeRoundTrip(t *testing.T) {
	b := newTestBus()
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.handlePacket(ctrlPkt{Cmd: cmdNewServer, Server: serverRecord{Service: 10, Instance: 1, Node: 5, Port: 100}})

	ev := recvEvent(t, sub)
	require.Equal(t, EventNodeAdded, ev.Kind)
	require.Equal(t, uint32(5), ev.NodeID)

	ev = recvEvent(t, sub)
	require.Equal(t, EventServiceAdded, ev.Kind)
	require.Equal(t, uint32(10), ev.Record.Service)
	require.Equal(t, uint32(1), ev.Record.Version)

	node, ok := b.GetNode(5)
	require.True(t, ok)
	rec, ok := node.Lookup(10)
	require.True(t, ok)
	require.Equal(t, uint32(100), rec.Port)

	b.handlePacket(ctrlPkt{Cmd: cmdDelServer, Server: serverRecord{Service: 10, Instance: 1, Node: 5, Port: 100}})

	ev = recvEvent(t, sub)
	require.Equal(t, EventServiceRemoved, ev.Kind)

	ev = recvEvent(t, sub)
	require.Equal(t, EventNodeRemoved, ev.Kind)

	_, ok = b.GetNode(5)
	require.False(t, ok)
}

func TestBusNewServerSentinelSignalsReady(t *testing.T) {
	b := newTestBus()
	b.handlePacket(ctrlPkt{Cmd: cmdNewServer, Server: serverRecord{}})
	select {
	case <-b.ready:
	default:
		t.Fatal("ready channel was not closed by the zero-record sentinel")
	}
}

func TestBusWaitForNodeWakesOnAdd(t *testing.T) {
	b := newTestBus()
	done := make(chan *Node, 1)
	go func() {
		n, err := b.WaitForNode(context.Background(), 7)
		require.NoError(t, err)
		done <- n
	}()

	time.Sleep(10 * time.Millisecond) // let WaitForNode register its waiter
	b.handlePacket(ctrlPkt{Cmd: cmdNewServer, Server: serverRecord{Service: 1, Node: 7, Port: 1}})

	select {
	case n := <-done:
		require.Equal(t, uint32(7), n.ID)
	case <-time.After(time.Second):
		t.Fatal("WaitForNode did not wake up")
	}
}

func TestBusUpsertPrefersHighestVersion(t *testing.T) {
	b := newTestBus()
	b.handlePacket(ctrlPkt{Cmd: cmdNewServer, Server: serverRecord{Service: 1, Node: 1, Port: 1, Instance: 1}})
	b.handlePacket(ctrlPkt{Cmd: cmdNewServer, Server: serverRecord{Service: 1, Node: 1, Port: 2, Instance: 3}})

	node, ok := b.GetNode(1)
	require.True(t, ok)
	rec, ok := node.Lookup(1)
	require.True(t, ok)
	require.Equal(t, uint32(2), rec.Port, "the higher-version record must win lookups")
}

func TestNodeWaitForServicesWakesOnEachAdd(t *testing.T) {
	b := newTestBus()
	b.handlePacket(ctrlPkt{Cmd: cmdNewServer, Server: serverRecord{Service: 1, Node: 9, Port: 1}})
	node, ok := b.GetNode(9)
	require.True(t, ok)

	done := make(chan error, 1)
	go func() {
		done <- node.WaitForServices(context.Background(), []uint32{1, 2})
	}()

	select {
	case err := <-done:
		t.Fatalf("WaitForServices returned early with err=%v before service 2 appeared", err)
	case <-time.After(20 * time.Millisecond):
	}

	b.handlePacket(ctrlPkt{Cmd: cmdNewServer, Server: serverRecord{Service: 2, Node: 9, Port: 2}})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("WaitForServices did not wake up once every requested service appeared")
	}
}

func TestNodeWaitForServicesReturnsOnCancel(t *testing.T) {
	b := newTestBus()
	b.handlePacket(ctrlPkt{Cmd: cmdNewServer, Server: serverRecord{Service: 1, Node: 9, Port: 1}})
	node, _ := b.GetNode(9)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- node.WaitForServices(ctx, []uint32{1, 99})
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("WaitForServices did not return after context cancellation")
	}
}

func recvEvent(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev := <-sub.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}
