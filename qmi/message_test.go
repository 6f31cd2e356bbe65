package qmi

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestEmptyControlRequestRoundTrip covers spec §8 scenario 1's shape:
// an empty control-service request. The control transaction id is a
// single byte; see DESIGN.md's "Open Question decisions" #3 for why
// this package does not hard-code spec §8's literal dump, which is
// arithmetically inconsistent with its own header-size prose.
func TestEmptyControlRequestRoundTrip(t *testing.T) {
	m, err := NewMessage(ServiceControl, 0, 1, MessageRequest, 0x0022)
	require.NoError(t, err)

	raw := m.Raw()
	require.Equal(t, byte(qmuxMarker), raw[0])
	require.Len(t, raw, 1+qmuxRestSize+controlHeaderSize)

	qmuxLen, _ := getU16(raw[1:3], LittleEndian)
	require.Equal(t, uint16(len(raw)-1), qmuxLen)
	require.Equal(t, ServiceControl, m.Service())
	require.Equal(t, ClientID(0), m.Client())
	require.Equal(t, uint32(1), m.TransactionID())
	require.Equal(t, uint16(0x0022), m.MessageID())
	require.Equal(t, MessageRequest, m.Type())

	parsed, err := FromRaw(raw)
	require.NoError(t, err)
	require.Equal(t, raw, parsed.Raw())
}

func TestControlTransactionIDMustFitByte(t *testing.T) {
	_, err := NewMessage(ServiceControl, 0, 0x100, MessageRequest, 0x0022)
	require.Error(t, err)
	require.True(t, Is(err, KindInvalidArgs))
}

// TestServiceRequestWithOneTLV covers spec §8 scenario 2's shape: a
// non-control-service request carrying one string TLV, with a
// transaction id too large to fit a single byte (proving the service
// header's 16-bit transaction field is actually exercised).
func TestServiceRequestWithOneTLV(t *testing.T) {
	m, err := NewMessage(ServiceWDS, 3, 0x1234, MessageRequest, 0x0020)
	require.NoError(t, err)

	const apnTLV = 0x14
	off := m.TLVWriteInit(apnTLV)
	m.buf = append(m.buf, []byte("internet")...)
	require.NoError(t, m.TLVWriteComplete(off))

	raw := m.Raw()
	require.Equal(t, ServiceWDS, m.Service())
	require.Equal(t, uint32(0x1234), m.TransactionID())

	tail := raw[len(raw)-11:]
	require.Equal(t, []byte{0x14, 0x08, 0x00, 'i', 'n', 't', 'e', 'r', 'n', 'e', 't'}, tail)

	value, err := m.TLVValue(apnTLV)
	require.NoError(t, err)
	require.Equal(t, "internet", string(value))

	parsed, err := FromRaw(raw)
	require.NoError(t, err)
	gotValue, err := parsed.TLVValue(apnTLV)
	require.NoError(t, err)
	require.Equal(t, "internet", string(gotValue))
}

func TestFromRawShortBufferReturnsNilNil(t *testing.T) {
	m, err := FromRaw([]byte{0x01, 0x02})
	require.NoError(t, err)
	require.Nil(t, m)

	full, err := NewMessage(ServiceWDS, 1, 1, MessageRequest, 0x0020)
	require.NoError(t, err)
	partial := full.Raw()[:len(full.Raw())-1]
	m, err = FromRaw(partial)
	require.NoError(t, err)
	require.Nil(t, m, "a truncated-but-plausible buffer must ask for more bytes, not error")
}

func TestFromRawInvalidMarker(t *testing.T) {
	m, err := NewMessage(ServiceControl, 0, 1, MessageRequest, 0x0022)
	require.NoError(t, err)
	raw := append([]byte(nil), m.Raw()...)
	raw[0] = 0xFF

	parsed, err := FromRaw(raw)
	require.Nil(t, parsed)
	require.Error(t, err)
	require.True(t, Is(err, KindInvalidMessage))
}

func TestTLVWriteCompleteOverflowLeavesMessageUnchanged(t *testing.T) {
	m, err := NewMessage(ServiceWDS, 1, 1, MessageRequest, 0x0020)
	require.NoError(t, err)
	before := append([]byte(nil), m.Raw()...)

	off := m.TLVWriteInit(0x01)
	m.buf = append(m.buf, make([]byte, maxTLVValueLen+1)...)
	err = m.TLVWriteComplete(off)
	require.Error(t, err)
	require.True(t, Is(err, KindTLVTooLong))
	require.Equal(t, before, m.Raw())
}

// TestTLVWriteCompleteTotalSizeOverflowLeavesMessageUnchanged covers
// spec §8 boundary scenario 5 exactly: starting from the scenario-1
// empty control request, a 65,530-byte TLV value is well within the
// per-TLV 16-bit length limit on its own, but pushes the message's
// total size past what qmux.len (also u16) can represent.
func TestTLVWriteCompleteTotalSizeOverflowLeavesMessageUnchanged(t *testing.T) {
	m, err := NewMessage(ServiceControl, 0, 1, MessageRequest, 0x0022)
	require.NoError(t, err)
	before := append([]byte(nil), m.Raw()...)

	off := m.TLVWriteInit(0x01)
	m.buf = append(m.buf, make([]byte, 65530)...)
	err = m.TLVWriteComplete(off)
	require.Error(t, err)
	require.True(t, Is(err, KindTLVTooLong))
	require.Equal(t, before, m.Raw())
}

func TestTLVValueNotFound(t *testing.T) {
	m, err := NewMessage(ServiceControl, 0, 1, MessageRequest, 0x0022)
	require.NoError(t, err)
	_, err = m.TLVValue(0x10)
	require.Error(t, err)
	require.True(t, Is(err, KindTLVNotFound))
}

func TestNewResponseEchoesTransactionAndResult(t *testing.T) {
	req, err := NewMessage(ServiceDMS, 5, 9, MessageRequest, 0x0020)
	require.NoError(t, err)

	resp, err := NewResponse(req, nil)
	require.NoError(t, err)
	require.Equal(t, MessageResponse, resp.Type())
	require.Equal(t, req.TransactionID(), resp.TransactionID())
	require.Equal(t, req.Service(), resp.Service())
	require.Equal(t, qmuxFlagFromModem, resp.buf[3], "response must set qmux.flags bit7 (from modem)")
	require.Equal(t, uint8(0), req.buf[3], "request must leave qmux.flags clear (from host)")

	require.NoError(t, resp.ResultError())
}

func TestResultErrorProtocolFailure(t *testing.T) {
	req, err := NewMessage(ServiceDMS, 5, 9, MessageRequest, 0x0020)
	require.NoError(t, err)

	resp, err := NewResponse(req, &Error{Kind: KindProtocol, ProtocolCode: 0x001A})
	require.NoError(t, err)

	err = resp.ResultError()
	require.Error(t, err)
	require.True(t, Is(err, KindProtocol))
	var qerr *Error
	require.ErrorAs(t, err, &qerr)
	require.Equal(t, uint16(0x001A), qerr.ProtocolCode)
}

func TestNewResponseRejectsNonProtocolError(t *testing.T) {
	req, err := NewMessage(ServiceDMS, 5, 9, MessageRequest, 0x0020)
	require.NoError(t, err)

	_, err = NewResponse(req, &Error{Kind: KindTransport})
	require.Error(t, err)
	require.True(t, Is(err, KindInvalidArgs))
}

func TestNextSplitsCompoundBuffer(t *testing.T) {
	m1, err := NewMessage(ServiceControl, 0, 1, MessageRequest, 0x0022)
	require.NoError(t, err)
	m2, err := NewMessage(ServiceControl, 0, 2, MessageRequest, 0x0023)
	require.NoError(t, err)

	buf := append(append([]byte(nil), m1.Raw()...), m2.Raw()...)

	first, rest, err := Next(buf)
	require.NoError(t, err)
	require.Equal(t, uint32(1), first.TransactionID())
	require.Equal(t, m2.Raw(), rest)

	second, rest, err := Next(rest)
	require.NoError(t, err)
	require.Equal(t, uint32(2), second.TransactionID())
	require.Empty(t, rest)

	third, rest, err := Next(rest)
	require.NoError(t, err)
	require.Nil(t, third)
	require.Empty(t, rest)
}
