package qmi

// Message is a single QMUX-framed QMI message: the raw wire bytes plus
// enough bookkeeping to append TLVs incrementally while keeping the
// length fields in the qmux and header prefixes in sync. The zero
// value is not usable; build one with NewMessage or FromRaw.
type Message struct {
	buf        []byte
	headerOff  int // offset of the control/service header, always qmuxRestSize+1
	headerLen  int
	txWidth    int
}

// NewMessage builds an empty message (no TLVs) for service/client with
// the given transaction id, message id and type. txID must fit the
// transaction width for service (8 bits for the control service, 16
// bits otherwise); over-wide values report KindInvalidArgs.
func NewMessage(service ServiceID, client ClientID, txID uint32, t MessageType, msgID uint16) (*Message, error) {
	width := txIDWidth(service)
	if width == 1 && txID > 0xFF {
		return nil, newErr(KindInvalidArgs, "new_message", "transaction id does not fit in 8 bits for the control service")
	}
	if width == 2 && txID > 0xFFFF {
		return nil, newErr(KindInvalidArgs, "new_message", "transaction id does not fit in 16 bits")
	}

	hdrLen := headerSize(service)
	m := &Message{
		headerOff: 1 + qmuxRestSize,
		headerLen: hdrLen,
		txWidth:   width,
	}

	buf := make([]byte, 0, 1+qmuxRestSize+hdrLen)
	buf = putU8(buf, qmuxMarker)
	buf = putU16(buf, 0, LittleEndian)      // qmux.len, patched below
	buf = putU8(buf, qmuxDirectionFlags(t)) // qmux.flags bit7: sender-is-modem, per spec §3
	buf = putU8(buf, uint8(service))
	buf = putU8(buf, uint8(client))
	buf = putU8(buf, headerFlags(service, t))
	buf = putSized(buf, uint64(txID), width, LittleEndian)
	buf = putU16(buf, msgID, LittleEndian)
	buf = putU16(buf, 0, LittleEndian) // tlv_length, patched below
	m.buf = buf

	m.patchLengths()
	return m, nil
}

// NewResponse builds the response counterpart to an in-flight request,
// per spec §4.2: same service, client and transaction id as request,
// direction bit set to "from modem", MessageResponse type, and the
// standard result TLV (type 0x02, u16 success/failure + u16
// protocol_error_code, both little-endian) appended automatically. A
// nil protocolErr reports success (0/0); otherwise protocolErr must be
// a *Error with Kind == KindProtocol, and its ProtocolCode is written
// into the TLV with status=failure.
func NewResponse(request *Message, protocolErr error) (*Message, error) {
	if request == nil {
		return nil, newErr(KindInvalidArgs, "new_response", "nil request")
	}
	return newResultMessage(request.Service(), request.Client(), request.TransactionID(), request.MessageID(), protocolErr)
}

// NewResultMessage builds a MessageResponse-typed message from scratch,
// with the standard result TLV appended the same way NewResponse does.
// Used where no parseable request is available to copy fields from
// (e.g. answering a client whose own request failed to parse).
func NewResultMessage(service ServiceID, client ClientID, txID uint32, msgID uint16, protocolErr error) (*Message, error) {
	return newResultMessage(service, client, txID, msgID, protocolErr)
}

func newResultMessage(service ServiceID, client ClientID, txID uint32, msgID uint16, protocolErr error) (*Message, error) {
	m, err := NewMessage(service, client, txID, MessageResponse, msgID)
	if err != nil {
		return nil, err
	}
	var status, code uint16
	if protocolErr != nil {
		pe, ok := protocolErr.(*Error)
		if !ok || pe.Kind != KindProtocol {
			return nil, newErr(KindInvalidArgs, "new_response", "protocolErr must be a *Error with KindProtocol")
		}
		status = 1
		code = pe.ProtocolCode
	}
	off := m.TLVWriteInit(StandardResultTLV)
	m.AppendU16(status, LittleEndian)
	m.AppendU16(code, LittleEndian)
	if err := m.TLVWriteComplete(off); err != nil {
		return nil, err
	}
	return m, nil
}

// FromRaw parses a message out of the front of b. Three outcomes:
//   - (msg, nil): a complete, structurally valid message was parsed.
//   - (nil, nil): b does not yet hold enough bytes to know the
//     message's total length, or not enough to hold it in full; the
//     caller should read more and retry. This is the normal framing
//     state for a streaming transport mid-read.
//   - (nil, err): b starts with bytes that can never become a valid
//     QMI message (bad marker, inconsistent length fields, ...).
func FromRaw(b []byte) (*Message, error) {
	if len(b) < 1+qmuxRestSize {
		return nil, nil
	}
	if b[0] != qmuxMarker {
		return nil, newErr(KindInvalidMessage, "from_raw", "bad marker byte")
	}
	qmuxLen, _ := getU16(b[1:3], LittleEndian)
	totalLen := int(qmuxLen) + 1
	if totalLen < 1+qmuxRestSize {
		return nil, newErr(KindInvalidMessage, "from_raw", "qmux length too small for header")
	}
	if len(b) < totalLen {
		return nil, nil
	}

	service := ServiceID(b[4])
	hdrOff := 1 + qmuxRestSize
	hdrLen := headerSize(service)
	width := txIDWidth(service)
	if totalLen < hdrOff+hdrLen {
		return nil, newErr(KindInvalidMessage, "from_raw", "qmux length too small for service header")
	}

	tlvLenOff := hdrOff + 1 + width + 2
	tlvLen, _ := getU16(b[tlvLenOff:tlvLenOff+2], LittleEndian)
	if hdrOff+hdrLen+int(tlvLen) != totalLen {
		return nil, newErr(KindInvalidMessage, "from_raw", "tlv_length inconsistent with qmux length")
	}

	m := &Message{
		buf:       append([]byte(nil), b[:totalLen]...),
		headerOff: hdrOff,
		headerLen: hdrLen,
		txWidth:   width,
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate re-checks structural consistency: every TLV in the message
// parses cleanly and the declared length fields match the buffer.
func (m *Message) Validate() error {
	if len(m.buf) < m.headerOff+m.headerLen {
		return newErr(KindInvalidMessage, "validate", "buffer shorter than header")
	}
	if m.buf[0] != qmuxMarker {
		return newErr(KindInvalidMessage, "validate", "bad marker byte")
	}
	qmuxLen, _ := getU16(m.buf[1:3], LittleEndian)
	if int(qmuxLen)+1 != len(m.buf) {
		return newErr(KindInvalidMessage, "validate", "qmux length does not match buffer size")
	}
	tlvLen, _ := getU16(m.buf[m.tlvLenOffset():m.tlvLenOffset()+2], LittleEndian)
	if m.headerOff+m.headerLen+int(tlvLen) != len(m.buf) {
		return newErr(KindInvalidMessage, "validate", "tlv_length does not match buffer size")
	}
	return iterTLVs(m.tlvArea(), func(tlvEntry) bool { return true })
}

func (m *Message) tlvLenOffset() int {
	return m.headerOff + 1 + m.txWidth + 2
}

func (m *Message) tlvArea() []byte {
	return m.buf[m.headerOff+m.headerLen:]
}

// Raw returns the full wire encoding of m. Callers must not retain a
// reference across further TLVWrite* calls, which may reallocate.
func (m *Message) Raw() []byte {
	return m.buf
}

func (m *Message) Service() ServiceID { return ServiceID(m.buf[4]) }
func (m *Message) Client() ClientID   { return ClientID(m.buf[5]) }

func (m *Message) TransactionID() uint32 {
	v, _ := getSized(m.buf[m.headerOff+1:m.headerOff+1+m.txWidth], m.txWidth, LittleEndian)
	return uint32(v)
}

func (m *Message) MessageID() uint16 {
	off := m.headerOff + 1 + m.txWidth
	v, _ := getU16(m.buf[off:off+2], LittleEndian)
	return v
}

func (m *Message) Type() MessageType {
	return messageTypeFromFlags(m.buf[m.headerOff])
}

// patchLengths recomputes and rewrites the qmux.len and tlv_length
// fields from the current buffer size. Called after every successful
// TLV append so the message is always internally consistent, matching
// spec §4.2's "every write leaves the message immediately valid" rule.
func (m *Message) patchLengths() {
	tlvLen := len(m.buf) - (m.headerOff + m.headerLen)
	putU16At(m.buf, m.tlvLenOffset(), uint16(tlvLen), LittleEndian)
	putU16At(m.buf, 1, uint16(len(m.buf)-1), LittleEndian)
}

func putU16At(buf []byte, off int, v uint16, end Endian) {
	b := putU16(nil, v, end)
	copy(buf[off:off+2], b)
}

// TLVWriteInit reserves a TLV header (type + placeholder length) at
// the end of the message and returns the offset callers should append
// value bytes at, and the offset to later pass to TLVWriteComplete or
// TLVWriteReset.
func (m *Message) TLVWriteInit(typ uint8) (valueStart int) {
	m.buf = putU8(m.buf, typ)
	m.buf = putU16(m.buf, 0, LittleEndian)
	return len(m.buf)
}

// TLVWriteComplete backpatches the TLV's length field from valueStart
// to the buffer's current end, then re-synchronises the message's
// own length fields. It fails with KindTLVTooLong, leaving the
// message exactly as it was before the matching TLVWriteInit call, in
// either of two cases: the new TLV's own value is too long to fit its
// 16-bit length field, or the resulting message is too long for the
// qmux.len field (also u16) to represent, even though the new TLV's
// own value fits -- the case spec §8's boundary scenario 5 exercises
// (a 65,530-byte TLV, comfortably under 65535 on its own, pushed onto
// an already-12-byte header).
func (m *Message) TLVWriteComplete(valueStart int) error {
	typeStart := valueStart - 3
	length := len(m.buf) - valueStart
	newQmuxLen := len(m.buf) - 1
	if length > maxTLVValueLen || newQmuxLen > 0xFFFF {
		m.buf = m.buf[:typeStart]
		return newErr(KindTLVTooLong, "tlv_write_complete", "TLV value exceeds 65535 bytes")
	}
	putU16At(m.buf, valueStart-2, uint16(length), LittleEndian)
	m.patchLengths()
	if err := m.Validate(); err != nil {
		m.buf = m.buf[:typeStart]
		m.patchLengths()
		return err
	}
	return nil
}

// TLVWriteReset discards the TLV started at valueStart (as returned by
// TLVWriteInit), leaving the message exactly as it was before that
// call. Used when a caller decides not to emit an optional TLV after
// starting to build it.
func (m *Message) TLVWriteReset(valueStart int) {
	m.buf = m.buf[:valueStart-3]
}

// TLVValue returns the value bytes of the first TLV of the given type,
// or KindTLVNotFound if the message carries none. Per §4.2, validation
// is re-run before any read, so a buffer corrupted after FromRaw (or
// by a caller poking at Raw()'s bytes directly) is reported as
// KindInvalidMessage rather than silently misread.
func (m *Message) TLVValue(typ uint8) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	area := m.tlvArea()
	e, ok, err := findTLV(area, typ)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, newErr(KindTLVNotFound, "tlv_value", "")
	}
	return area[e.valueStart : e.valueStart+e.length], nil
}

// HasTLV reports whether the message carries a TLV of the given type.
func (m *Message) HasTLV(typ uint8) bool {
	if err := m.Validate(); err != nil {
		return false
	}
	area := m.tlvArea()
	_, ok, err := findTLV(area, typ)
	return err == nil && ok
}

// Next splits off the first complete message from the front of b and
// returns the remaining bytes, supporting the compound-message framing
// a single QMUX write may carry (several control/service messages
// back to back on one socket write). It mirrors FromRaw's three-way
// result contract, plus the leftover slice.
func Next(b []byte) (msg *Message, rest []byte, err error) {
	msg, err = FromRaw(b)
	if err != nil {
		return nil, b, err
	}
	if msg == nil {
		return nil, b, nil
	}
	return msg, b[len(msg.Raw()):], nil
}
