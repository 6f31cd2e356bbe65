package qmi

import (
	"errors"
	"fmt"
)

// Kind is a stable, comparable identifier for the error taxonomy of
// the codec and message layers. It intentionally mirrors the shape of
// the teacher repo's errcode.Code: a small closed set of causes that
// callers can switch on without string matching.
type Kind int

const (
	// KindInvalidMessage means framing or header fields are inconsistent.
	KindInvalidMessage Kind = iota
	// KindTLVNotFound means a reader looked up a TLV type that is not present.
	KindTLVNotFound
	// KindTLVTooLong means a write or read would exceed a length field's capacity.
	KindTLVTooLong
	// KindInvalidArgs means API misuse: wrong TLV type, out-of-range prefix size, etc.
	KindInvalidArgs
	// KindInvalidData means the bytes are structurally valid but semantically unparseable.
	KindInvalidData
	// KindTimedOut means an async operation's deadline elapsed.
	KindTimedOut
	// KindCancelled means the caller cancelled the operation.
	KindCancelled
	// KindClosed means the peer or node was removed before completion.
	KindClosed
	// KindTransport means the underlying I/O failed; Err carries the OS error.
	KindTransport
	// KindProtocol means the device reported a protocol error; ProtocolCode carries it.
	KindProtocol
)

func (k Kind) String() string {
	switch k {
	case KindInvalidMessage:
		return "invalid_message"
	case KindTLVNotFound:
		return "tlv_not_found"
	case KindTLVTooLong:
		return "tlv_too_long"
	case KindInvalidArgs:
		return "invalid_args"
	case KindInvalidData:
		return "invalid_data"
	case KindTimedOut:
		return "timed_out"
	case KindCancelled:
		return "cancelled"
	case KindClosed:
		return "closed"
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	default:
		return "error"
	}
}

// Error is the concrete error type returned by every function in this
// module that can fail with one of the Kind values above.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error

	// ProtocolCode is the device-reported protocol_error_code from the
	// result TLV; only meaningful when Kind == KindProtocol.
	ProtocolCode uint16
}

func (e *Error) Error() string {
	s := e.Kind.String()
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Kind == KindProtocol {
		s += fmt.Sprintf(" (code=0x%04x)", e.ProtocolCode)
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

func wrapErr(kind Kind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func protocolErr(op string, code uint16) *Error {
	return &Error{Kind: KindProtocol, Op: op, ProtocolCode: code}
}

// KindOf extracts a Kind from err, reporting ok=false if err is nil or
// not one produced by this package.
func KindOf(err error) (kind Kind, ok bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// Is reports whether err is a *Error of the given Kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
