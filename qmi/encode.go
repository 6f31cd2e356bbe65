package qmi

// This file exposes the primitive TLV value codec to callers outside
// this package -- the generated per-service request/response builders
// spec §1 treats as external collaborators, and this module's own
// proxy package, which has to build and read the handful of control-
// service TLVs it needs directly.

func PutU8(buf []byte, v uint8) []byte                    { return putU8(buf, v) }
func PutU16(buf []byte, v uint16, end Endian) []byte      { return putU16(buf, v, end) }
func PutU32(buf []byte, v uint32, end Endian) []byte      { return putU32(buf, v, end) }
func PutU64(buf []byte, v uint64, end Endian) []byte      { return putU64(buf, v, end) }
func PutSized(buf []byte, v uint64, n int, end Endian) []byte {
	return putSized(buf, v, n, end)
}
func PutF32(buf []byte, v float32) []byte { return putF32(buf, v) }
func PutF64(buf []byte, v float64) []byte { return putF64(buf, v) }

func GetU8(b []byte) (uint8, bool)                  { return getU8(b) }
func GetU16(b []byte, end Endian) (uint16, bool)    { return getU16(b, end) }
func GetU32(b []byte, end Endian) (uint32, bool)    { return getU32(b, end) }
func GetU64(b []byte, end Endian) (uint64, bool)    { return getU64(b, end) }
func GetSized(b []byte, n int, end Endian) (uint64, bool) {
	return getSized(b, n, end)
}
func GetF32(b []byte) (float32, bool) { return getF32(b) }
func GetF64(b []byte) (float64, bool) { return getF64(b) }

// PutPrefixedString and GetPrefixedString are the spec §4.1 C1
// length-prefixed string codec: prefixWidth selects a 0, 8, or 16-bit
// length field ahead of the string bytes. prefixWidth==0 means no
// length field at all -- on write the string runs to the end of
// whatever it's appended into, and on read it consumes the whole of b.
func PutPrefixedString(buf []byte, s string, prefixWidth int) ([]byte, error) {
	return putPrefixedString(buf, s, prefixWidth)
}

func GetPrefixedString(b []byte, prefixWidth int) (string, int, error) {
	return getPrefixedString(b, prefixWidth)
}

// PutFixedString and GetFixedString are the spec §4.1 C1 fixed-size
// string codec: no length prefix, the field is always exactly size
// bytes, zero-padded on write and trimmed of trailing zero padding on
// read.
func PutFixedString(buf []byte, s string, size int) ([]byte, error) {
	return putFixedString(buf, s, size)
}

func GetFixedString(b []byte, size int) (string, error) {
	return getFixedString(b, size)
}

// Append appends raw bytes to m's buffer; used between TLVWriteInit
// and TLVWriteComplete to build a TLV's value in place.
func (m *Message) Append(b ...byte) {
	m.buf = append(m.buf, b...)
}

// AppendU16/AppendU32/AppendU64/AppendSized are Append for multi-byte
// primitives, saving callers the putU16(nil, ...) + Append dance.
func (m *Message) AppendU16(v uint16, end Endian) { m.buf = putU16(m.buf, v, end) }
func (m *Message) AppendU32(v uint32, end Endian) { m.buf = putU32(m.buf, v, end) }
func (m *Message) AppendU64(v uint64, end Endian) { m.buf = putU64(m.buf, v, end) }
func (m *Message) AppendSized(v uint64, n int, end Endian) {
	m.buf = putSized(m.buf, v, n, end)
}
func (m *Message) AppendBytes(b []byte) { m.buf = append(m.buf, b...) }
