package uplink

import (
	"encoding/json"
	"fmt"

	"github.com/vango-dev/uplink/pkg/protocol"
)

// Sentinel errors.
var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = protocol.NewError(protocol.ErrState, "uplink: client closed")

	// ErrNotSubscribed is returned by UnsubscribeFrom for a key without references.
	ErrNotSubscribed = protocol.NewError(protocol.ErrState, "uplink: not subscribed")

	// ErrUnknownListener is returned by UnlistenFrom for unknown or already
	// removed listeners.
	ErrUnknownListener = protocol.NewError(protocol.ErrState, "uplink: unknown listener")

	// ErrTransport classifies network failures of Dispatch and the duplex link.
	ErrTransport = protocol.NewError(protocol.ErrTransport, "uplink: transport failure")

	// ErrHandshakeTimeout is returned when no handshake-ack arrives in time.
	ErrHandshakeTimeout = protocol.NewError(protocol.ErrTransport, "uplink: handshake timed out")

	// ErrResponseTooLarge is returned when a response body exceeds
	// Config.MaxResponseSize.
	ErrResponseTooLarge = protocol.NewError(protocol.ErrTransport, "uplink: response too large")
)

// TransportError wraps a network failure with the operation that hit it.
// It matches ErrTransport with errors.Is.
type TransportError struct {
	Op  string // fetch, dispatch, dial
	URL string
	Err error
}

// Error returns the error message with operation context.
func (e *TransportError) Error() string {
	return fmt.Sprintf("uplink: %s %s: %v", e.Op, e.URL, e.Err)
}

// Unwrap returns both the ErrTransport category and the cause.
func (e *TransportError) Unwrap() []error {
	return []error{ErrTransport, e.Err}
}

// DispatchError is returned by Dispatch when the server answers with an
// error status.
type DispatchError struct {
	Action string
	Status int
	Err    string // the err field of the response, if any
	Stack  string // present only when the server runs in DevMode
	Body   json.RawMessage
}

// Error returns the error message with action context.
func (e *DispatchError) Error() string {
	if e.Err != "" {
		return fmt.Sprintf("uplink: dispatch %s: status %d: %s", e.Action, e.Status, e.Err)
	}
	return fmt.Sprintf("uplink: dispatch %s: status %d", e.Action, e.Status)
}
