package transaction

import (
	"context"
	"testing"
	"time"

	"github.com/linux-mobile-broadband/qmi-go/qmi"
	"github.com/stretchr/testify/require"
)

// fakeTransport is an in-memory Transport: Send pushes to sentCh, and
// the test injects inbound bytes via the in channel directly.
type fakeTransport struct {
	in       chan []byte
	sentCh   chan []byte
	sendErr  error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{in: make(chan []byte, 16), sentCh: make(chan []byte, 16)}
}

func (f *fakeTransport) Send(raw []byte) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	cp := append([]byte(nil), raw...)
	f.sentCh <- cp
	return nil
}

func (f *fakeTransport) Inbound() <-chan []byte { return f.in }

func TestSendRequestCorrelatesResponse(t *testing.T) {
	ft := newFakeTransport()
	mx := New(ft, nil)
	defer mx.Close()

	req, err := mx.NewRequest(qmi.ServiceDMS, 1, 0x0020)
	require.NoError(t, err)

	go func() {
		sent := <-ft.sentCh
		parsed, err := qmi.FromRaw(sent)
		require.NoError(t, err)
		resp, err := qmi.NewResponse(parsed, nil)
		require.NoError(t, err)
		ft.in <- resp.Raw()
	}()

	resp, err := mx.SendRequest(context.Background(), req, time.Second)
	require.NoError(t, err)
	require.Equal(t, req.TransactionID(), resp.TransactionID())
}

func TestSendRequestTimesOut(t *testing.T) {
	ft := newFakeTransport()
	mx := New(ft, nil)
	defer mx.Close()

	req, err := mx.NewRequest(qmi.ServiceDMS, 1, 0x0020)
	require.NoError(t, err)

	_, err = mx.SendRequest(context.Background(), req, 20*time.Millisecond)
	require.Error(t, err)
	require.True(t, qmi.Is(err, qmi.KindTimedOut))
}

func TestSendRequestCancellation(t *testing.T) {
	ft := newFakeTransport()
	mx := New(ft, nil)
	defer mx.Close()

	req, err := mx.NewRequest(qmi.ServiceDMS, 1, 0x0020)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = mx.SendRequest(ctx, req, time.Second)
	require.Error(t, err)
	require.True(t, qmi.Is(err, qmi.KindCancelled))

	<-ft.sentCh // the original request itself
	select {
	case extra := <-ft.sentCh:
		t.Fatalf("non-abortable cancellation must not emit an abort request, got %v", extra)
	case <-time.After(20 * time.Millisecond):
	}
}

// TestSendRequestCancellationEmitsAbortWhenAbortable covers spec
// §4.6's "if the message is abortable, the multiplexer emits an abort
// control message" half of cancellation, registering a fake AbortSpec
// so the test doesn't depend on any real per-service abort message id.
func TestSendRequestCancellationEmitsAbortWhenAbortable(t *testing.T) {
	ft := newFakeTransport()
	mx := New(ft, nil)
	defer mx.Close()

	const abortMsgID = 0x0099
	qmi.AbortableMessages[qmi.ServiceWDS] = map[uint16]qmi.AbortSpec{0x0020: {MessageID: abortMsgID}}
	defer delete(qmi.AbortableMessages, qmi.ServiceWDS)

	req, err := mx.NewRequest(qmi.ServiceWDS, 1, 0x0020)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = mx.SendRequest(ctx, req, time.Second)
	require.Error(t, err)
	require.True(t, qmi.Is(err, qmi.KindCancelled))

	<-ft.sentCh // the original request itself

	select {
	case raw := <-ft.sentCh:
		abort, err := qmi.FromRaw(raw)
		require.NoError(t, err)
		require.Equal(t, qmi.ServiceWDS, abort.Service())
		require.Equal(t, uint16(abortMsgID), abort.MessageID())
		value, err := abort.TLVValue(qmi.AbortTransactionTLV)
		require.NoError(t, err)
		got, ok := qmi.GetU16(value, qmi.LittleEndian)
		require.True(t, ok)
		require.Equal(t, req.TransactionID(), uint32(got))
	case <-time.After(time.Second):
		t.Fatal("abortable cancellation did not emit an abort request")
	}
}

func TestTransactionIDsDoNotCollideWhileInFlight(t *testing.T) {
	ft := newFakeTransport()
	mx := New(ft, nil)
	defer mx.Close()

	req1, err := mx.NewRequest(qmi.ServiceWDS, 1, 0x0020)
	require.NoError(t, err)
	req2, err := mx.NewRequest(qmi.ServiceWDS, 1, 0x0021)
	require.NoError(t, err)

	require.NotEqual(t, req1.TransactionID(), req2.TransactionID())
}

func TestIndicationDispatch(t *testing.T) {
	ft := newFakeTransport()
	mx := New(ft, nil)
	defer mx.Close()

	sub := mx.SubscribeIndications(qmi.ServiceNAS, 0x0030)

	ind, err := qmi.NewMessage(qmi.ServiceNAS, 0, 0, qmi.MessageIndication, 0x0030)
	require.NoError(t, err)
	ft.in <- ind.Raw()

	select {
	case got := <-sub:
		require.Equal(t, qmi.MessageIndication, got.Type())
	case <-time.After(time.Second):
		t.Fatal("indication was not dispatched")
	}
}

func TestControlTransactionWidthIsOneByte(t *testing.T) {
	ft := newFakeTransport()
	mx := New(ft, nil)
	defer mx.Close()

	req, err := mx.NewRequest(qmi.ServiceControl, 0, 0x0022)
	require.NoError(t, err)
	require.LessOrEqual(t, req.TransactionID(), uint32(0xFF))
}
