package qmi

// tlvEntry is one decoded TLV header location within a message's TLV
// area: [valueStart, valueStart+length) bounds the value bytes.
type tlvEntry struct {
	typ        uint8
	valueStart int
	length     int
}

// iterTLVs walks the TLV area of b (already sliced to just the TLVs,
// no header/qmux bytes) calling fn for each well-formed TLV. It stops
// and returns an error the moment a TLV header or value would run
// past the end of b, per spec §4.2's "reject, don't best-effort-parse"
// rule for malformed framing.
func iterTLVs(b []byte, fn func(e tlvEntry) bool) error {
	off := 0
	for off < len(b) {
		if len(b)-off < 3 {
			return newErr(KindInvalidMessage, "iter_tlvs", "truncated TLV header")
		}
		typ := b[off]
		length, _ := getU16(b[off+1:off+3], LittleEndian)
		valueStart := off + 3
		if valueStart+int(length) > len(b) {
			return newErr(KindInvalidMessage, "iter_tlvs", "truncated TLV value")
		}
		if !fn(tlvEntry{typ: typ, valueStart: valueStart, length: int(length)}) {
			return nil
		}
		off = valueStart + int(length)
	}
	return nil
}

// findTLV returns the first TLV of the given type in b's TLV area.
func findTLV(b []byte, typ uint8) (tlvEntry, bool, error) {
	var found tlvEntry
	ok := false
	err := iterTLVs(b, func(e tlvEntry) bool {
		if e.typ == typ {
			found, ok = e, true
			return false
		}
		return true
	})
	if err != nil {
		return tlvEntry{}, false, err
	}
	return found, ok, nil
}
