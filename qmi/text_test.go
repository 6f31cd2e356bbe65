package qmi

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGSM7RoundTrip(t *testing.T) {
	encoded, ok := encodeGSM7("Hello, World!")
	require.True(t, ok)
	decoded, ok := decodeGSM7(encoded)
	require.True(t, ok)
	require.Equal(t, "Hello, World!", decoded)
}

func TestGSM7Extension(t *testing.T) {
	encoded, ok := encodeGSM7("5€")
	require.True(t, ok)
	require.Equal(t, []byte{gsm7ReverseDefault['5'], 0x1B, 0x65}, encoded)
	decoded, ok := decodeGSM7(encoded)
	require.True(t, ok)
	require.Equal(t, "5€", decoded)
}

func TestUCS2LERoundTrip(t *testing.T) {
	s := "日本語"
	encoded := encodeUCS2LE(s)
	decoded, ok := decodeUCS2LE(encoded)
	require.True(t, ok)
	require.Equal(t, s, decoded)
}

func TestUCS2LESurrogatePair(t *testing.T) {
	s := "😀"
	encoded := encodeUCS2LE(s)
	require.Len(t, encoded, 4)
	decoded, ok := decodeUCS2LE(encoded)
	require.True(t, ok)
	require.Equal(t, s, decoded)
}

func TestDecodeNameBestEffortPrefersUTF8(t *testing.T) {
	s, err := decodeNameBestEffort([]byte("plain ascii"))
	require.NoError(t, err)
	require.Equal(t, "plain ascii", s)
}

func TestDecodeNameBestEffortFallsBackToUCS2(t *testing.T) {
	raw := encodeUCS2LE("中国") // not valid UTF-8, not GSM-7
	s, err := decodeNameBestEffort(raw)
	require.NoError(t, err)
	require.Equal(t, "中国", s)
}

func TestDecodeDeclaredStringUnspecifiedRejectsNonASCII(t *testing.T) {
	_, err := decodeDeclaredString([]byte{0xFF, 0xFE}, EncodingUnspecified)
	require.Error(t, err)
	require.True(t, Is(err, KindInvalidData))
}

func TestDecodeDeclaredStringASCII(t *testing.T) {
	s, err := decodeDeclaredString([]byte("abc"), EncodingASCII)
	require.NoError(t, err)
	require.Equal(t, "abc", s)
}
