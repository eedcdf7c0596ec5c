package protocol

import (
	"encoding/json"
)

// Encode serializes a message into a complete frame.
func Encode(msg Message) ([]byte, error) {
	return EncodeWithFlags(msg, 0)
}

// EncodeWithFlags serializes a message into a frame carrying flags.
func EncodeWithFlags(msg Message, flags FrameFlags) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	if len(payload) > MaxPayloadSize {
		return nil, ErrFrameTooLarge
	}
	f := &Frame{Type: msg.FrameType(), Flags: flags, Payload: payload}
	return f.Encode(), nil
}

// Decode parses a frame and its payload into a typed message.
// Every returned error is a ProtocolViolation.
func Decode(data []byte) (Message, FrameFlags, error) {
	f, err := DecodeFrame(data)
	if err != nil {
		return nil, 0, Violation("bad frame: %v", err)
	}
	msg, err := decodePayload(f)
	if err != nil {
		return nil, f.Flags, err
	}
	return msg, f.Flags, nil
}

func decodePayload(f *Frame) (Message, error) {
	switch f.Type {
	case FrameHandshake:
		m := &Handshake{}
		if err := unmarshal(f, m); err != nil {
			return nil, err
		}
		if m.Guid == "" {
			return nil, Violation("handshake: missing guid")
		}
		return m, nil

	case FrameUnhandshake:
		return &Unhandshake{}, nil

	case FrameSubscribeTo:
		m := &SubscribeTo{}
		if err := unmarshal(f, m); err != nil {
			return nil, err
		}
		if problem := keyProblem(m.Key); problem != "" {
			return nil, Violation("subscribeTo: %s", problem)
		}
		return m, nil

	case FrameUnsubscribeFrom:
		m := &UnsubscribeFrom{}
		if err := unmarshal(f, m); err != nil {
			return nil, err
		}
		if problem := keyProblem(m.Key); problem != "" {
			return nil, Violation("unsubscribeFrom: %s", problem)
		}
		return m, nil

	case FrameListenTo:
		m := &ListenTo{}
		if err := unmarshal(f, m); err != nil {
			return nil, err
		}
		if m.EventName == "" {
			return nil, Violation("listenTo: missing eventName")
		}
		return m, nil

	case FrameUnlistenFrom:
		m := &UnlistenFrom{}
		if err := unmarshal(f, m); err != nil {
			return nil, err
		}
		if m.EventName == "" {
			return nil, Violation("unlistenFrom: missing eventName")
		}
		return m, nil

	case FrameHandshakeAck:
		m := &HandshakeAck{}
		if err := unmarshal(f, m); err != nil {
			return nil, err
		}
		if m.PID == "" {
			return nil, Violation("handshake-ack: missing pid")
		}
		return m, nil

	case FrameUnhandshakeAck:
		return &UnhandshakeAck{}, nil

	case FrameUpdate:
		m := &Update{}
		if err := unmarshal(f, m); err != nil {
			return nil, err
		}
		if problem := keyProblem(m.Key); problem != "" {
			return nil, Violation("update: %s", problem)
		}
		if !m.Diff.Valid() {
			return nil, Violation("update: invalid d for %q", m.Key)
		}
		return m, nil

	case FrameEvent:
		m := &Event{}
		if err := unmarshal(f, m); err != nil {
			return nil, err
		}
		if m.EventName == "" {
			return nil, Violation("event: missing eventName")
		}
		return m, nil

	case FrameErr:
		m := &ErrorMessage{}
		if err := unmarshal(f, m); err != nil {
			return nil, err
		}
		return m, nil

	case FrameDebug, FrameLog, FrameWarn:
		m := &Diagnostic{}
		if err := unmarshal(f, m); err != nil {
			return nil, err
		}
		m.Level = f.Type
		return m, nil
	}

	return nil, Violation("%v: 0x%02x", ErrInvalidFrameType, uint8(f.Type))
}

func unmarshal(f *Frame, v any) error {
	if len(f.Payload) == 0 {
		return Violation("%s: empty payload", f.Type)
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return Violation("%s: %v", f.Type, err)
	}
	return nil
}
