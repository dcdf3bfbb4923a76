package protocol

import (
	"errors"
	"fmt"
)

// ErrNeedMoreData is returned by Decode when buf is a proper prefix of an
// encoded packet. Callers should read more bytes and retry; it is not a
// protocol violation.
var ErrNeedMoreData = errors.New("protocol: need more data")

// ErrorKind classifies a decode/protocol failure
type ErrorKind int

const (
	ErrMalformedPacket ErrorKind = iota
	ErrProtocolViolation
	ErrUnsupportedVersion
)

func (k ErrorKind) String() string {
	switch k {
	case ErrMalformedPacket:
		return "MalformedPacket"
	case ErrProtocolViolation:
		return "ProtocolViolation"
	case ErrUnsupportedVersion:
		return "UnsupportedVersion"
	default:
		return "UnknownError"
	}
}

// Error wraps a decode failure with its kind so callers can map it to a
// CONNACK return code or a bare connection close
type Error struct {
	Kind ErrorKind
	Msg  string
}

func (e *Error) Error() string { return e.Kind.String() + ": " + e.Msg }

func malformed(format string, args ...any) error {
	return &Error{Kind: ErrMalformedPacket, Msg: fmt.Sprintf(format, args...)}
}

func protocolViolation(format string, args ...any) error {
	return &Error{Kind: ErrProtocolViolation, Msg: fmt.Sprintf(format, args...)}
}
