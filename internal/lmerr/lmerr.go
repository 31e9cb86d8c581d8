// Package lmerr defines the error taxonomy shared by every LoRaMesh
// protocol-core component.
package lmerr

import "errors"

// Kind classifies a protocol-core error for callers that need to
// branch on failure category (e.g. the coordinator deciding whether a
// hardware error should trigger fault recovery).
type Kind int

const (
	// KindUnknown is the zero value; never returned by this module.
	KindUnknown Kind = iota
	KindMalformed
	KindInvalidArgument
	KindInvalidState
	KindCapacityExceeded
	KindHardwareError
	KindTimeout
	KindBufferOverflow
	KindSerializationError
)

func (k Kind) String() string {
	switch k {
	case KindMalformed:
		return "malformed"
	case KindInvalidArgument:
		return "invalid_argument"
	case KindInvalidState:
		return "invalid_state"
	case KindCapacityExceeded:
		return "capacity_exceeded"
	case KindHardwareError:
		return "hardware_error"
	case KindTimeout:
		return "timeout"
	case KindBufferOverflow:
		return "buffer_overflow"
	case KindSerializationError:
		return "serialization_error"
	default:
		return "unknown"
	}
}

// Error wraps a Kind with a human-readable message and an optional
// underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Kind.String() + ": " + e.Message + ": " + e.Cause.Error()
	}
	return e.Kind.String() + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error of the given kind around a cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Sentinel values for errors.Is comparisons where no extra context is
// needed.
var (
	ErrMalformed         = New(KindMalformed, "malformed frame")
	ErrInvalidState      = New(KindInvalidState, "invalid state for operation")
	ErrCapacityExceeded  = New(KindCapacityExceeded, "capacity exceeded")
	ErrTimeout           = New(KindTimeout, "operation timed out")
	ErrSerializationFail = New(KindSerializationError, "message exceeds wire limit")
)
