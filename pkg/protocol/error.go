package protocol

import (
	"errors"
	"fmt"
)

// ErrorCode identifies the category of a protocol failure.
type ErrorCode uint16

const (
	ErrUnknown           ErrorCode = 0x0000 // Unknown error
	ErrProtocolViolation ErrorCode = 0x0001 // Malformed or missing wire fields
	ErrNotFound          ErrorCode = 0x0002 // Unknown key, event or action
	ErrAlreadyBound      ErrorCode = 0x0003 // Duplicate handshake or subscribe
	ErrState             ErrorCode = 0x0004 // Operation not valid in current state
	ErrTransport         ErrorCode = 0x0005 // Network failure
	ErrInternal          ErrorCode = 0x0100 // Internal server error
)

// String returns the string representation of the error code.
func (ec ErrorCode) String() string {
	switch ec {
	case ErrUnknown:
		return "Unknown"
	case ErrProtocolViolation:
		return "ProtocolViolation"
	case ErrNotFound:
		return "NotFound"
	case ErrAlreadyBound:
		return "AlreadyBound"
	case ErrState:
		return "StateError"
	case ErrTransport:
		return "TransportError"
	case ErrInternal:
		return "Internal"
	default:
		return "Unknown"
	}
}

// Error is a Go error tagged with an ErrorCode. Package sentinels across the
// module are *Error values so callers can classify them with CodeOf.
type Error struct {
	Code    ErrorCode
	Message string
}

// NewError creates a new coded error.
func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// CodeOf returns the ErrorCode carried by err, or ErrUnknown.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ErrUnknown
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	var em *ErrorMessage
	if errors.As(err, &em) {
		return em.Code
	}
	return ErrUnknown
}

// Violation returns a ProtocolViolation error for a malformed message.
func Violation(format string, args ...any) *Error {
	return NewError(ErrProtocolViolation, "protocol: "+format, args...)
}
