package gcp

import (
	"encoding/binary"
	"fmt"

	"github.com/efficientgo/core/errors"
)

// Error is a GCP error code as carried on the wire. Codes share their
// numbering with POSIX errno values.
type Error uint32

// GCP error codes.
const (
	ErrOperationNotPermitted Error = 1
	ErrNoSuchEntry           Error = 2
	ErrIO                    Error = 5
	ErrBusy                  Error = 16
	ErrInvalidArgument       Error = 22
	ErrNotImplemented        Error = 38
	ErrBadMessage            Error = 74
	ErrMessageTooLong        Error = 90
	ErrNoBufferSpace         Error = 105
	ErrTimedOut              Error = 110
	ErrStateNotRecoverable   Error = 131
)

// ErrorSize is the encoded size of an Error.
const ErrorSize = 4

// Error implements error.
func (e Error) Error() string {
	switch e {
	case ErrOperationNotPermitted:
		return "operation not permitted"
	case ErrNoSuchEntry:
		return "no such entry"
	case ErrIO:
		return "i/o error"
	case ErrBusy:
		return "resource busy"
	case ErrInvalidArgument:
		return "invalid argument"
	case ErrNotImplemented:
		return "not implemented"
	case ErrBadMessage:
		return "bad message"
	case ErrMessageTooLong:
		return "message too long"
	case ErrNoBufferSpace:
		return "no buffer space"
	case ErrTimedOut:
		return "timed out"
	case ErrStateNotRecoverable:
		return "state not recoverable"
	default:
		return fmt.Sprintf("gcp error %d", uint32(e))
	}
}

// MarshalTo writes the 4-byte little-endian encoding of e to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (e Error) MarshalTo(buf []byte) int {
	if len(buf) < ErrorSize {
		return 0
	}
	binary.LittleEndian.PutUint32(buf, uint32(e))
	return ErrorSize
}

// ParseError decodes a 4-byte little-endian error code.
func ParseError(data []byte) (Error, error) {
	if len(data) < ErrorSize {
		return 0, errors.Newf("error code of %d bytes, want %d", len(data), ErrorSize)
	}
	return Error(binary.LittleEndian.Uint32(data)), nil
}

// AsError returns the GCP code carried by err. Errors that carry none map
// to ErrIO.
func AsError(err error) Error {
	var code Error
	if errors.As(err, &code) {
		return code
	}
	return ErrIO
}

// CommandError is the failure of a command as reported by the device in
// the abort phase.
type CommandError struct {
	Class ClassID
	Verb  uint32
	Code  Error
}

// Error implements error.
func (e *CommandError) Error() string {
	return fmt.Sprintf("command %s/0x%X failed: %s", e.Class, e.Verb, e.Code)
}

// Unwrap returns the error code.
func (e *CommandError) Unwrap() error {
	return e.Code
}
