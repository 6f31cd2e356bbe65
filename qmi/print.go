package qmi

import (
	"fmt"
	"strings"
)

// Dump renders m as a multi-line human-readable trace, the same shape
// tools like qmicli's --verbose mode emit: one line of framing
// metadata followed by one line per TLV. Every TLV value is rendered
// as a generic hex dump; no service-specific decoding is done.
func (m *Message) Dump() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s client=%d tx=%d msg=0x%04x %s\n",
		m.Service(), m.Client(), m.TransactionID(), m.MessageID(), m.Type())

	area := m.tlvArea()
	_ = iterTLVs(area, func(e tlvEntry) bool {
		value := area[e.valueStart : e.valueStart+e.length]
		fmt.Fprintf(&b, "  TLV 0x%02x (%d bytes): %s\n", e.typ, e.length, hexDump(value))
		return true
	})
	return b.String()
}

// StandardResultTLV is the type byte QMI reserves, across every
// service, for the request/response result code.
const StandardResultTLV uint8 = 0x02

// Result reports the standard result TLV of a response message:
// success/failure and, on failure, the protocol error code. Messages
// without a result TLV (requests, indications) return KindTLVNotFound.
func (m *Message) Result() (ok bool, protocolCode uint16, err error) {
	v, err := m.TLVValue(StandardResultTLV)
	if err != nil {
		return false, 0, err
	}
	if len(v) != 4 {
		return false, 0, newErr(KindInvalidData, "result", "result TLV is not 4 bytes")
	}
	status, _ := getU16(v[0:2], LittleEndian)
	code, _ := getU16(v[2:4], LittleEndian)
	return status == 0, code, nil
}

// ResultError returns nil if the response's standard result TLV
// reports success, a *Error with KindProtocol if it reports failure,
// or the lookup error if the TLV is absent.
func (m *Message) ResultError() error {
	ok, code, err := m.Result()
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	return protocolErr("result", code)
}
