package errors

import (
	"errors"
	"fmt"

	"github.com/vango-dev/uplink/pkg/protocol"
)

// Category represents the type of error.
type Category string

const (
	CategoryConfig    Category = "config"
	CategoryCLI       Category = "cli"
	CategoryProtocol  Category = "protocol"
	CategoryTransport Category = "transport"
	CategoryStore     Category = "store"
	CategoryAction    Category = "action"
)

// UplinkError is a structured error with a code, an explanation and a hint.
type UplinkError struct {
	// Code is a unique error identifier (e.g., "E060").
	Code string

	// Category is the error type (config, protocol, etc.).
	Category Category

	// Message is a short description of the error.
	Message string

	// Detail is a longer explanation of the error.
	Detail string

	// Field names the configuration field or flag at fault, if any.
	Field string

	// Suggestion is a hint on how to fix the error.
	Suggestion string

	// Wrapped is the underlying error, if any.
	Wrapped error
}

// Error implements the error interface.
func (e *UplinkError) Error() string {
	msg := e.Message
	if e.Field != "" {
		msg += " (" + e.Field + ")"
	}
	if e.Wrapped != nil {
		msg += ": " + e.Wrapped.Error()
	}
	if e.Code != "" {
		return e.Code + ": " + msg
	}
	return msg
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *UplinkError) Unwrap() error {
	return e.Wrapped
}

// WithSuggestion adds a fix suggestion to the error.
func (e *UplinkError) WithSuggestion(s string) *UplinkError {
	e.Suggestion = s
	return e
}

// WithDetail adds a detailed explanation to the error.
func (e *UplinkError) WithDetail(d string) *UplinkError {
	e.Detail = d
	return e
}

// WithField names the offending configuration field or flag.
func (e *UplinkError) WithField(f string) *UplinkError {
	e.Field = f
	return e
}

// Wrap wraps another error.
func (e *UplinkError) Wrap(err error) *UplinkError {
	e.Wrapped = err
	return e
}

// New creates an UplinkError from a registered error code.
func New(code string) *UplinkError {
	template, ok := registry[code]
	if !ok {
		return &UplinkError{
			Code:    code,
			Message: "Unknown error",
		}
	}
	return &UplinkError{
		Code:       code,
		Category:   template.Category,
		Message:    template.Message,
		Detail:     template.Detail,
		Suggestion: template.Suggestion,
	}
}

// Newf creates a new UplinkError with a formatted message (no code).
func Newf(category Category, format string, args ...any) *UplinkError {
	return &UplinkError{
		Category: category,
		Message:  fmt.Sprintf(format, args...),
	}
}

// FromError wraps a standard error in an UplinkError. Errors that already
// are UplinkErrors are returned unchanged.
func FromError(err error, code string) *UplinkError {
	if err == nil {
		return nil
	}
	var ue *UplinkError
	if errors.As(err, &ue) {
		return ue
	}
	return New(code).Wrap(err)
}

// protocolCodes maps protocol error codes to registered codes.
var protocolCodes = map[protocol.ErrorCode]string{
	protocol.ErrProtocolViolation: "E062",
	protocol.ErrNotFound:          "E080",
	protocol.ErrAlreadyBound:      "E064",
	protocol.ErrState:             "E063",
	protocol.ErrTransport:         "E060",
	protocol.ErrInternal:          "E065",
}

// Classify wraps err in the UplinkError matching its protocol.ErrorCode.
// Errors without a code fall back to fallback.
func Classify(err error, fallback string) *UplinkError {
	if err == nil {
		return nil
	}
	var ue *UplinkError
	if errors.As(err, &ue) {
		return ue
	}
	if code, ok := protocolCodes[protocol.CodeOf(err)]; ok {
		return New(code).Wrap(err)
	}
	return New(fallback).Wrap(err)
}
