// Package mbim implements the MBIM sibling of the QMI TLV object from
// spec §4.3: a parallel, 4-byte-aligned information-element encoding
// used by MBIMEx v3 messages. It reuses the qmi package's error
// taxonomy rather than inventing a second one.
package mbim

import (
	"github.com/linux-mobile-broadband/qmi-go/qmi"
)

// Type names a well-known MBIM TLV subtype. Unlisted values are still
// valid TLVs; only the structured accessors below care which one a
// TLV carries.
type Type uint16

const (
	TypeWCharStr    Type = 0x0001
	TypeUInt16Array Type = 0x0002
	TypeWakeCommand Type = 0x0003
	TypeWakePacket  Type = 0x0004
)

// TLV is one parsed MBIM information element: header fields plus the
// data slice (padding already stripped). Its wire form is
// `type:u16 LE, reserved:u8, padding:u8, data_len:u32 LE, data,
// padding bytes`, 4-byte aligned overall.
type TLV struct {
	Type Type
	Data []byte
}

const tlvHeaderSize = 8

// padLen returns the number of zero padding bytes required after a
// dataLen-byte payload to bring the TLV to a 4-byte boundary.
func padLen(dataLen int) int {
	return (4 - dataLen%4) % 4
}

// Parse reads a single TLV from the front of b, returning the TLV and
// the number of bytes it (including padding) consumed.
func Parse(b []byte) (TLV, int, error) {
	if len(b) < tlvHeaderSize {
		return TLV{}, 0, qmiErr(qmi.KindInvalidMessage, "parse", "short TLV header")
	}
	typ, _ := getU16(b[0:2])
	dataLen, _ := getU32(b[4:8])
	total := tlvHeaderSize + int(dataLen) + padLen(int(dataLen))
	if len(b) < total {
		return TLV{}, 0, qmiErr(qmi.KindInvalidMessage, "parse", "short TLV payload")
	}
	data := append([]byte(nil), b[tlvHeaderSize:tlvHeaderSize+int(dataLen)]...)
	return TLV{Type: Type(typ), Data: data}, total, nil
}

// Encode writes t to its wire form, including zero padding.
func Encode(t TLV) []byte {
	dataLen := len(t.Data)
	out := make([]byte, 0, tlvHeaderSize+dataLen+padLen(dataLen))
	out = putU16(out, uint16(t.Type))
	out = append(out, 0, 0) // reserved, padding-count byte unused on the wire beyond alignment
	out = putU32(out, uint32(dataLen))
	out = append(out, t.Data...)
	out = append(out, make([]byte, padLen(dataLen))...)
	return out
}

// StringGet decodes a wchar_str TLV (UTF-16LE) to a Go string.
// Rejects any other TLV type with KindInvalidArgs.
func StringGet(t TLV) (string, error) {
	if t.Type != TypeWCharStr {
		return "", qmiErr(qmi.KindInvalidArgs, "string_get", "not a wchar_str TLV")
	}
	if len(t.Data)%2 != 0 {
		return "", qmiErr(qmi.KindInvalidMessage, "string_get", "odd-length UTF-16LE payload")
	}
	return utf16LEToString(t.Data), nil
}

// StringNew builds a wchar_str TLV encoding s as UTF-16LE.
func StringNew(s string) TLV {
	return TLV{Type: TypeWCharStr, Data: stringToUTF16LE(s)}
}

// UInt16ArrayGet decodes a uint16_tbl TLV into a host-order []uint16.
// Requires an even data_len.
func UInt16ArrayGet(t TLV) ([]uint16, error) {
	if t.Type != TypeUInt16Array {
		return nil, qmiErr(qmi.KindInvalidArgs, "u16_array_get", "not a uint16_tbl TLV")
	}
	if len(t.Data)%2 != 0 {
		return nil, qmiErr(qmi.KindInvalidMessage, "u16_array_get", "odd-length uint16 array payload")
	}
	out := make([]uint16, len(t.Data)/2)
	for i := range out {
		v, _ := getU16(t.Data[2*i : 2*i+2])
		out[i] = v
	}
	return out, nil
}

// WakeCommand is the decoded payload of a wake_command TLV: a
// service-identified RPC invocation that woke the host, per spec
// §4.3.
type WakeCommand struct {
	ServiceUUID   [16]byte
	CID           uint32
	PayloadOffset uint32
	Payload       []byte
}

// WakeCommandGet decodes a wake_command TLV. When the wire payload_size
// is non-zero, PayloadOffset must equal 28 (the fixed header size),
// enforced per spec §4.3.
func WakeCommandGet(t TLV) (WakeCommand, error) {
	if t.Type != TypeWakeCommand {
		return WakeCommand{}, qmiErr(qmi.KindInvalidArgs, "wake_command_get", "not a wake_command TLV")
	}
	if len(t.Data) < 28 {
		return WakeCommand{}, qmiErr(qmi.KindInvalidMessage, "wake_command_get", "short wake_command payload")
	}
	var wc WakeCommand
	copy(wc.ServiceUUID[:], t.Data[0:16])
	wc.CID, _ = getU32(t.Data[16:20])
	wc.PayloadOffset, _ = getU32(t.Data[20:24])
	payloadSize, _ := getU32(t.Data[24:28])
	if payloadSize > 0 {
		if wc.PayloadOffset != 28 {
			return WakeCommand{}, qmiErr(qmi.KindInvalidMessage, "wake_command_get", "payload_offset must be 28 when payload_size > 0")
		}
		end := 28 + int(payloadSize)
		if len(t.Data) < end {
			return WakeCommand{}, qmiErr(qmi.KindInvalidMessage, "wake_command_get", "payload_size exceeds TLV data")
		}
		wc.Payload = append([]byte(nil), t.Data[28:end]...)
	}
	return wc, nil
}

// WakePacket is the decoded payload of a wake_packet TLV: the network
// packet fragment that matched a registered wake filter.
type WakePacket struct {
	FilterID     uint32
	OriginalSize uint32
	Offset       uint32
	Packet       []byte
}

// WakePacketGet decodes a wake_packet TLV. When the wire size field is
// non-zero, Offset must equal 16 (the fixed header size), per spec §4.3.
func WakePacketGet(t TLV) (WakePacket, error) {
	if t.Type != TypeWakePacket {
		return WakePacket{}, qmiErr(qmi.KindInvalidArgs, "wake_packet_get", "not a wake_packet TLV")
	}
	if len(t.Data) < 16 {
		return WakePacket{}, qmiErr(qmi.KindInvalidMessage, "wake_packet_get", "short wake_packet payload")
	}
	var wp WakePacket
	wp.FilterID, _ = getU32(t.Data[0:4])
	wp.OriginalSize, _ = getU32(t.Data[4:8])
	wp.Offset, _ = getU32(t.Data[8:12])
	size, _ := getU32(t.Data[12:16])
	if size > 0 {
		if wp.Offset != 16 {
			return WakePacket{}, qmiErr(qmi.KindInvalidMessage, "wake_packet_get", "offset must be 16 when size > 0")
		}
		end := 16 + int(size)
		if len(t.Data) < end {
			return WakePacket{}, qmiErr(qmi.KindInvalidMessage, "wake_packet_get", "size exceeds TLV data")
		}
		wp.Packet = append([]byte(nil), t.Data[16:end]...)
	}
	return wp, nil
}

func qmiErr(kind qmi.Kind, op, msg string) error {
	return &qmi.Error{Kind: kind, Op: op, Msg: msg}
}
