package server

import (
	"fmt"

	"github.com/vango-dev/uplink/pkg/protocol"
)

// Sentinel errors. Each carries a protocol.ErrorCode so it can be sent to
// clients as a wire err message.
var (
	// ErrNotHandshaken is returned for session operations before a handshake.
	ErrNotHandshaken = protocol.NewError(protocol.ErrState, "server: handshake required")

	// ErrAlreadyHandshaken is returned for a second handshake on one connection.
	ErrAlreadyHandshaken = protocol.NewError(protocol.ErrAlreadyBound, "server: connection already bound to a session")

	// ErrAlreadySubscribed is returned when a session subscribes to a key twice.
	ErrAlreadySubscribed = protocol.NewError(protocol.ErrAlreadyBound, "server: already subscribed")

	// ErrNotSubscribed is returned when unsubscribing a key that is not subscribed.
	ErrNotSubscribed = protocol.NewError(protocol.ErrState, "server: not subscribed")

	// ErrAlreadyListening is returned when a session listens to an event twice.
	ErrAlreadyListening = protocol.NewError(protocol.ErrAlreadyBound, "server: already listening")

	// ErrNotListening is returned when unlistening an event that is not listened to.
	ErrNotListening = protocol.NewError(protocol.ErrState, "server: not listening")

	// ErrSuperseded is returned by a Binding whose connection no longer owns
	// the session.
	ErrSuperseded = protocol.NewError(protocol.ErrState, "server: connection no longer owns the session")

	// ErrSessionDestroyed is returned when attaching to an expired session.
	ErrSessionDestroyed = protocol.NewError(protocol.ErrState, "server: session destroyed")

	// ErrUnexpectedMessage is returned for server-to-client frames sent by a client.
	ErrUnexpectedMessage = protocol.NewError(protocol.ErrProtocolViolation, "server: unexpected message direction")

	// ErrConnectionClosed is returned when writing to a closed connection.
	ErrConnectionClosed = protocol.NewError(protocol.ErrTransport, "server: connection closed")

	// ErrSendBufferFull is returned when a peer falls SendBufferSize frames
	// behind. The connection is dropped.
	ErrSendBufferFull = protocol.NewError(protocol.ErrTransport, "server: send buffer full")
)

// SessionError wraps an error with session context for debugging.
type SessionError struct {
	Guid string
	Op   string // Operation that failed
	Err  error  // Underlying error
}

// Error returns the error message with session context.
func (e *SessionError) Error() string {
	if e.Guid == "" {
		return fmt.Sprintf("server: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("server: session %s: %s: %v", e.Guid, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *SessionError) Unwrap() error {
	return e.Err
}

// NewSessionError creates a new SessionError.
func NewSessionError(guid, op string, err error) *SessionError {
	return &SessionError{
		Guid: guid,
		Op:   op,
		Err:  err,
	}
}

// HandlerError wraps a panic that occurred in a store, event or action handler.
type HandlerError struct {
	Kind  string // store, event or action
	Path  string
	Panic any
	Stack []byte
}

// Error returns the error message.
func (e *HandlerError) Error() string {
	return fmt.Sprintf("server: %s handler panic for %s: %v", e.Kind, e.Path, e.Panic)
}

// NewHandlerError creates a new HandlerError.
func NewHandlerError(kind, path string, panicVal any, stack []byte) *HandlerError {
	return &HandlerError{
		Kind:  kind,
		Path:  path,
		Panic: panicVal,
		Stack: stack,
	}
}

// ProtocolError is a malformed or ill-timed client message. It is answered
// with a wire err and never closes the connection.
type ProtocolError struct {
	ConnID string
	Op     string
	Err    error
}

// Error returns the error message.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("server: protocol error on connection %s: %s: %v", e.ConnID, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// NewProtocolError creates a new ProtocolError.
func NewProtocolError(connID, op string, err error) *ProtocolError {
	return &ProtocolError{
		ConnID: connID,
		Op:     op,
		Err:    err,
	}
}
