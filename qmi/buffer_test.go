package qmi

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSizedBothEndian(t *testing.T) {
	const v = uint64(0x0000001234)

	le := putSized(nil, v, 4, LittleEndian)
	require.Equal(t, []byte{0x34, 0x12, 0x00, 0x00}, le)
	got, ok := getSized(le, 4, LittleEndian)
	require.True(t, ok)
	require.Equal(t, v, got)

	be := putSized(nil, v, 4, BigEndian)
	require.Equal(t, []byte{0x00, 0x00, 0x12, 0x34}, be)
	got, ok = getSized(be, 4, BigEndian)
	require.True(t, ok)
	require.Equal(t, v, got)
}

func TestSizedTruncatesToWidth(t *testing.T) {
	// A value wider than the requested width is truncated to its low
	// n bytes, not rejected: putSized treats n as the logical integer
	// width, matching spec §9's resolved reading.
	got := putSized(nil, 0x1FFFF, 2, LittleEndian)
	require.Equal(t, []byte{0xFF, 0xFF}, got)
}

func TestGetSizedShortBuffer(t *testing.T) {
	_, ok := getSized([]byte{0x01, 0x02}, 4, LittleEndian)
	require.False(t, ok)
}

func TestPutGetRoundTripU32(t *testing.T) {
	buf := putU32(nil, 0xDEADBEEF, LittleEndian)
	v, ok := getU32(buf, LittleEndian)
	require.True(t, ok)
	require.Equal(t, uint32(0xDEADBEEF), v)
}

func TestHexDump(t *testing.T) {
	require.Equal(t, "de ad be ef", hexDump([]byte{0xDE, 0xAD, 0xBE, 0xEF}))
	require.Equal(t, "", hexDump(nil))
}

func TestPrefixedStringZeroWidthConsumesRestOfBuffer(t *testing.T) {
	buf, err := putPrefixedString(nil, "internet", 0)
	require.NoError(t, err)
	require.Equal(t, []byte("internet"), buf)

	got, n, err := getPrefixedString(buf, 0)
	require.NoError(t, err)
	require.Equal(t, "internet", got)
	require.Equal(t, len(buf), n)
}

func TestPrefixedStringEightBitRoundTrip(t *testing.T) {
	buf, err := putPrefixedString(nil, "internet", 8)
	require.NoError(t, err)
	require.Equal(t, append([]byte{0x08}, []byte("internet")...), buf)

	got, n, err := getPrefixedString(buf, 8)
	require.NoError(t, err)
	require.Equal(t, "internet", got)
	require.Equal(t, len(buf), n)
}

func TestPrefixedStringSixteenBitRoundTrip(t *testing.T) {
	buf, err := putPrefixedString(nil, "internet", 16)
	require.NoError(t, err)
	require.Equal(t, append([]byte{0x08, 0x00}, []byte("internet")...), buf)

	got, n, err := getPrefixedString(buf, 16)
	require.NoError(t, err)
	require.Equal(t, "internet", got)
	require.Equal(t, len(buf), n)
}

func TestPrefixedStringEightBitRejectsOverflow(t *testing.T) {
	s := string(make([]byte, 0x100))
	_, err := putPrefixedString(nil, s, 8)
	require.Error(t, err)
	require.True(t, Is(err, KindTLVTooLong))
}

func TestPrefixedStringSixteenBitRejectsOverflow(t *testing.T) {
	s := string(make([]byte, 0x10000))
	_, err := putPrefixedString(nil, s, 16)
	require.Error(t, err)
	require.True(t, Is(err, KindTLVTooLong))
}

func TestPrefixedStringEightBitReadRejectsTruncatedBuffer(t *testing.T) {
	_, _, err := getPrefixedString([]byte{0x08, 'h', 'i'}, 8)
	require.Error(t, err)
	require.True(t, Is(err, KindTLVTooLong))
}

func TestPrefixedStringRejectsBadWidth(t *testing.T) {
	_, err := putPrefixedString(nil, "x", 4)
	require.Error(t, err)
	require.True(t, Is(err, KindInvalidArgs))

	_, _, err = getPrefixedString([]byte("x"), 4)
	require.Error(t, err)
	require.True(t, Is(err, KindInvalidArgs))
}

func TestFixedStringPadsAndTrims(t *testing.T) {
	buf, err := putFixedString(nil, "abc", 8)
	require.NoError(t, err)
	require.Equal(t, []byte{'a', 'b', 'c', 0, 0, 0, 0, 0}, buf)

	got, err := getFixedString(buf, 8)
	require.NoError(t, err)
	require.Equal(t, "abc", got)
}

func TestFixedStringRejectsOverflow(t *testing.T) {
	_, err := putFixedString(nil, "too long", 4)
	require.Error(t, err)
	require.True(t, Is(err, KindTLVTooLong))
}

func TestFixedStringReadRejectsShortBuffer(t *testing.T) {
	_, err := getFixedString([]byte{0x01, 0x02}, 4)
	require.Error(t, err)
	require.True(t, Is(err, KindTLVTooLong))
}
