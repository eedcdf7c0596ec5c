package protocol

import "encoding/json"

// Message is implemented by every typed wire message.
type Message interface {
	FrameType() FrameType
}

// =============================================================================
// Client → Server
// =============================================================================

// Handshake binds the connection to the session identified by Guid.
type Handshake struct {
	Guid string `json:"guid"`
}

// Unhandshake releases the session binding of the connection.
type Unhandshake struct{}

// SubscribeTo asks for updates of one store key.
type SubscribeTo struct {
	Key string `json:"key"`
}

// UnsubscribeFrom cancels a SubscribeTo.
type UnsubscribeFrom struct {
	Key string `json:"key"`
}

// ListenTo asks for occurrences of one named event.
type ListenTo struct {
	EventName string `json:"eventName"`
}

// UnlistenFrom cancels a ListenTo.
type UnlistenFrom struct {
	EventName string `json:"eventName"`
}

func (Handshake) FrameType() FrameType       { return FrameHandshake }
func (Unhandshake) FrameType() FrameType     { return FrameUnhandshake }
func (SubscribeTo) FrameType() FrameType     { return FrameSubscribeTo }
func (UnsubscribeFrom) FrameType() FrameType { return FrameUnsubscribeFrom }
func (ListenTo) FrameType() FrameType        { return FrameListenTo }
func (UnlistenFrom) FrameType() FrameType    { return FrameUnlistenFrom }

// =============================================================================
// Server → Client
// =============================================================================

// HandshakeAck completes a handshake. PID identifies the server process
// instance; a change between two acks means the server lost its memory.
type HandshakeAck struct {
	PID       string `json:"pid"`
	Recovered bool   `json:"recovered"`
}

// UnhandshakeAck confirms an Unhandshake.
type UnhandshakeAck struct{}

// Update announces a new value for Key. Hash is the hash of the value the
// diff applies to; Next, when present, is the hash of the resulting value.
type Update struct {
	Key  string `json:"k"`
	Diff Diff   `json:"d"`
	Hash string `json:"h"`
	Next string `json:"n,omitempty"`
}

// Event carries one occurrence of a named event.
type Event struct {
	EventName string          `json:"eventName"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// ErrorMessage reports a failed client message. It never closes the connection.
type ErrorMessage struct {
	Err  string    `json:"err"`
	Code ErrorCode `json:"code,omitempty"`
}

// Diagnostic is a debug, log or warn message meant for observability only.
type Diagnostic struct {
	Level   FrameType      `json:"-"`
	Message string         `json:"msg"`
	Fields  map[string]any `json:"fields,omitempty"`
}

func (HandshakeAck) FrameType() FrameType   { return FrameHandshakeAck }
func (UnhandshakeAck) FrameType() FrameType { return FrameUnhandshakeAck }
func (Update) FrameType() FrameType         { return FrameUpdate }
func (Event) FrameType() FrameType          { return FrameEvent }
func (ErrorMessage) FrameType() FrameType   { return FrameErr }

// FrameType returns the diagnostic level, defaulting to log.
func (d Diagnostic) FrameType() FrameType {
	switch d.Level {
	case FrameDebug, FrameWarn:
		return d.Level
	}
	return FrameLog
}

// Error implements the error interface.
func (em *ErrorMessage) Error() string {
	if em.Code == ErrUnknown {
		return em.Err
	}
	return em.Code.String() + ": " + em.Err
}

// NewErrorMessage builds the wire form of err.
func NewErrorMessage(err error) *ErrorMessage {
	return &ErrorMessage{
		Err:  err.Error(),
		Code: CodeOf(err),
	}
}

// NewDiagnostic creates a diagnostic message at the given level.
func NewDiagnostic(level FrameType, msg string, fields map[string]any) *Diagnostic {
	return &Diagnostic{
		Level:   level,
		Message: msg,
		Fields:  fields,
	}
}
