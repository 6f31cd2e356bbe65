package qrtr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCtrlPktRoundTrip(t *testing.T) {
	p := ctrlPkt{Cmd: cmdNewServer, Server: serverRecord{Service: 1, Instance: 0x0105, Node: 2, Port: 3}}
	wire := encodeCtrlPkt(p)
	got, ok := decodeCtrlPkt(wire)
	require.True(t, ok)
	require.Equal(t, p, got)
	require.Equal(t, uint32(5), got.Server.Version())
	require.Equal(t, uint32(1), got.Server.Counter())
}

func TestDecodeCtrlPktShort(t *testing.T) {
	_, ok := decodeCtrlPkt([]byte{1, 2, 3})
	require.False(t, ok)
}
