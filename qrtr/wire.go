// Package qrtr speaks the Linux AF_QIPCRTR control plane: discovering
// which (node, port) pairs host a given service, and exchanging
// datagrams with one of them. See spec §4.4/§4.5.
package qrtr

const (
	cmdDelClient  uint32 = 1
	cmdHello      uint32 = 2
	cmdNewLookup  uint32 = 3
	cmdNewServer  uint32 = 4
	cmdDelServer  uint32 = 5
	cmdDelLookup  uint32 = 6
	cmdResumeTx   uint32 = 7
)

// ControlPort is the well-known port every node's control service
// listens on.
const ControlPort uint32 = 1

// serverRecord mirrors ctrl_pkt's `server` sub-struct: the announcement
// of one service instance.
type serverRecord struct {
	Service  uint32
	Instance uint32
	Node     uint32
	Port     uint32
}

// Version is the low 8 bits of Instance; the high 24 bits are a
// distinguishing instance counter, per spec §3.
func (s serverRecord) Version() uint32  { return s.Instance & 0xFF }
func (s serverRecord) Counter() uint32  { return s.Instance >> 8 }

// ctrlPkt is the fixed-size control-plane datagram QRTR control ports
// exchange: a command and one server record, all fields u32 LE.
type ctrlPkt struct {
	Cmd    uint32
	Server serverRecord
}

const ctrlPktSize = 4 * 5

func encodeCtrlPkt(p ctrlPkt) []byte {
	buf := make([]byte, 0, ctrlPktSize)
	buf = putU32(buf, p.Cmd)
	buf = putU32(buf, p.Server.Service)
	buf = putU32(buf, p.Server.Instance)
	buf = putU32(buf, p.Server.Node)
	buf = putU32(buf, p.Server.Port)
	return buf
}

func decodeCtrlPkt(b []byte) (ctrlPkt, bool) {
	if len(b) < ctrlPktSize {
		return ctrlPkt{}, false
	}
	var p ctrlPkt
	p.Cmd, _ = getU32(b[0:4])
	p.Server.Service, _ = getU32(b[4:8])
	p.Server.Instance, _ = getU32(b[8:12])
	p.Server.Node, _ = getU32(b[12:16])
	p.Server.Port, _ = getU32(b[16:20])
	return p, true
}

func putU32(buf []byte, v uint32) []byte {
	return append(buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func getU32(b []byte) (uint32, bool) {
	if len(b) < 4 {
		return 0, false
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24, true
}
