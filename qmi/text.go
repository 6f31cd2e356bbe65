package qmi

import (
	"unicode"
	"unicode/utf8"
)

// gsm7Default is the 3GPP TS 23.038 default alphabet, indexed by the
// 7-bit GSM code point.
var gsm7Default = [128]rune{
	'@', '£', '$', '¥', 'è', 'é', 'ù', 'ì', 'ò', 'Ç', '\n', 'Ø', 'ø', '\r', 'Å', 'å',
	'Δ', '_', 'Φ', 'Γ', 'Λ', 'Ω', 'Π', 'Ψ', 'Σ', 'Θ', 'Ξ', 0x1B, 'Æ', 'æ', 'ß', 'É',
	' ', '!', '"', '#', '¤', '%', '&', '\'', '(', ')', '*', '+', ',', '-', '.', '/',
	'0', '1', '2', '3', '4', '5', '6', '7', '8', '9', ':', ';', '<', '=', '>', '?',
	'¡', 'A', 'B', 'C', 'D', 'E', 'F', 'G', 'H', 'I', 'J', 'K', 'L', 'M', 'N', 'O',
	'P', 'Q', 'R', 'S', 'T', 'U', 'V', 'W', 'X', 'Y', 'Z', 'Ä', 'Ö', 'Ñ', 'Ü', '§',
	'¿', 'a', 'b', 'c', 'd', 'e', 'f', 'g', 'h', 'i', 'j', 'k', 'l', 'm', 'n', 'o',
	'p', 'q', 'r', 's', 't', 'u', 'v', 'w', 'x', 'y', 'z', 'ä', 'ö', 'ñ', 'ü', 'à',
}

// gsm7Extension is the single-page extension table selected by the
// 0x1B escape code. Unmapped positions fall back to a space per spec.
var gsm7Extension = map[byte]rune{
	0x0A: '\f',
	0x14: '^',
	0x28: '{',
	0x29: '}',
	0x2F: '\\',
	0x3C: '[',
	0x3D: '~',
	0x3E: ']',
	0x40: '|',
	0x65: '€',
}

var gsm7ReverseDefault map[rune]byte
var gsm7ReverseExtension map[rune]byte

func init() {
	gsm7ReverseDefault = make(map[rune]byte, len(gsm7Default))
	for i, r := range gsm7Default {
		if r == 0x1B {
			continue // escape code itself, never a direct encode target
		}
		if _, exists := gsm7ReverseDefault[r]; !exists {
			gsm7ReverseDefault[r] = byte(i)
		}
	}
	gsm7ReverseExtension = make(map[rune]byte, len(gsm7Extension))
	for b, r := range gsm7Extension {
		gsm7ReverseExtension[r] = b
	}
}

// decodeGSM7 turns raw GSM-7 septets, already unpacked into one byte
// per character (as QMI TLVs carry them — unlike SMS PDUs, QMI does
// not bit-pack to 7 bits per octet), into a Go string.
func decodeGSM7(b []byte) (string, bool) {
	out := make([]rune, 0, len(b))
	for i := 0; i < len(b); i++ {
		c := b[i]
		if c == 0x1B {
			i++
			if i >= len(b) {
				return "", false
			}
			r, ok := gsm7Extension[b[i]]
			if !ok {
				r = ' '
			}
			out = append(out, r)
			continue
		}
		if int(c) >= len(gsm7Default) {
			return "", false
		}
		out = append(out, gsm7Default[c])
	}
	return string(out), true
}

// encodeGSM7 is the inverse of decodeGSM7, used by TLV writers that
// accept a declared "gsm" encoding.
func encodeGSM7(s string) ([]byte, bool) {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		if b, ok := gsm7ReverseDefault[r]; ok {
			out = append(out, b)
			continue
		}
		if b, ok := gsm7ReverseExtension[r]; ok {
			out = append(out, 0x1B, b)
			continue
		}
		return nil, false
	}
	return out, true
}

// decodeUCS2LE turns raw UCS-2LE code units into a Go string.
func decodeUCS2LE(b []byte) (string, bool) {
	if len(b)%2 != 0 {
		return "", false
	}
	units := make([]uint16, len(b)/2)
	for i := range units {
		units[i] = uint16(b[2*i]) | uint16(b[2*i+1])<<8
	}
	return utf16Decode(units), true
}

func encodeUCS2LE(s string) []byte {
	units := utf16Encode(s)
	out := make([]byte, 0, len(units)*2)
	for _, u := range units {
		out = append(out, byte(u), byte(u>>8))
	}
	return out
}

// utf16Decode/utf16Encode avoid importing unicode/utf16 only to keep
// this file self-contained for the small subset of codepoints QMI
// names actually use; surrogate pairs are handled.
func utf16Decode(units []uint16) string {
	out := make([]rune, 0, len(units))
	for i := 0; i < len(units); i++ {
		u := units[i]
		if u >= 0xD800 && u <= 0xDBFF && i+1 < len(units) {
			lo := units[i+1]
			if lo >= 0xDC00 && lo <= 0xDFFF {
				r := (rune(u-0xD800)<<10 | rune(lo-0xDC00)) + 0x10000
				out = append(out, r)
				i++
				continue
			}
		}
		out = append(out, rune(u))
	}
	return string(out)
}

func utf16Encode(s string) []uint16 {
	out := make([]uint16, 0, len(s))
	for _, r := range s {
		if r <= 0xFFFF {
			out = append(out, uint16(r))
			continue
		}
		r -= 0x10000
		out = append(out, uint16(0xD800+(r>>10)), uint16(0xDC00+(r&0x3FF)))
	}
	return out
}

func isPrintableUTF8(b []byte) bool {
	if !utf8.Valid(b) {
		return false
	}
	for _, r := range string(b) {
		if r == utf8.RuneError || !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}

func isASCIIClean(b []byte) bool {
	for _, c := range b {
		if c > 0x7E || c < 0x20 {
			return false
		}
	}
	return true
}

// decodeNameBestEffort is the PLMN/name reader of spec §4.1: try
// UTF-8, then GSM-7, then UCS-2LE, in that order.
func decodeNameBestEffort(b []byte) (string, error) {
	if isPrintableUTF8(b) {
		return string(b), nil
	}
	if s, ok := decodeGSM7(b); ok {
		return s, nil
	}
	if s, ok := decodeUCS2LE(b); ok {
		return s, nil
	}
	return "", newErr(KindInvalidData, "decode_name", "no encoding matched")
}

// StringEncoding is a declared encoding for decodeDeclaredString,
// named after the values 3GPP TS 24.008-style "alpha identifier"
// encodings carry.
type StringEncoding int

const (
	EncodingUnspecified StringEncoding = iota
	EncodingASCII
	EncodingUCS2LE
	EncodingUnicode // alias of UCS2LE, some TLVs name it this way
	EncodingGSM
)

// decodeDeclaredString decodes b per a declared encoding rather than
// best-effort sniffing. Unspecified only accepts ASCII-clean input.
func decodeDeclaredString(b []byte, enc StringEncoding) (string, error) {
	switch enc {
	case EncodingASCII:
		if !isASCIIClean(b) {
			return "", newErr(KindInvalidData, "decode_declared_string", "not clean ASCII")
		}
		return string(b), nil
	case EncodingUCS2LE, EncodingUnicode:
		s, ok := decodeUCS2LE(b)
		if !ok {
			return "", newErr(KindInvalidData, "decode_declared_string", "invalid UCS-2LE")
		}
		return s, nil
	case EncodingGSM:
		s, ok := decodeGSM7(b)
		if !ok {
			return "", newErr(KindInvalidData, "decode_declared_string", "invalid GSM-7")
		}
		return s, nil
	case EncodingUnspecified:
		if !isASCIIClean(b) {
			return "", newErr(KindInvalidData, "decode_declared_string", "unknown encoding")
		}
		return string(b), nil
	default:
		return "", newErr(KindInvalidArgs, "decode_declared_string", "unknown encoding value")
	}
}
