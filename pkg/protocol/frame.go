package protocol

import (
	"encoding/binary"
	"errors"
	"io"
)

// Frame constants.
const (
	// FrameHeaderSize is the size of the frame header in bytes.
	FrameHeaderSize = 6

	// MaxPayloadSize is the maximum payload size (16 MiB).
	MaxPayloadSize = 16 << 20
)

// FrameType identifies the message carried by a frame.
type FrameType uint8

// Client → Server frames.
const (
	FrameHandshake       FrameType = 0x01
	FrameUnhandshake     FrameType = 0x02
	FrameSubscribeTo     FrameType = 0x03
	FrameUnsubscribeFrom FrameType = 0x04
	FrameListenTo        FrameType = 0x05
	FrameUnlistenFrom    FrameType = 0x06
)

// Server → Client frames.
const (
	FrameHandshakeAck   FrameType = 0x81
	FrameUnhandshakeAck FrameType = 0x82
	FrameUpdate         FrameType = 0x83
	FrameEvent          FrameType = 0x84
	FrameErr            FrameType = 0x85
	FrameDebug          FrameType = 0x86
	FrameLog            FrameType = 0x87
	FrameWarn           FrameType = 0x88
)

// String returns the wire name of the frame type.
func (ft FrameType) String() string {
	switch ft {
	case FrameHandshake:
		return "handshake"
	case FrameUnhandshake:
		return "unhandshake"
	case FrameSubscribeTo:
		return "subscribeTo"
	case FrameUnsubscribeFrom:
		return "unsubscribeFrom"
	case FrameListenTo:
		return "listenTo"
	case FrameUnlistenFrom:
		return "unlistenFrom"
	case FrameHandshakeAck:
		return "handshake-ack"
	case FrameUnhandshakeAck:
		return "unhandshake-ack"
	case FrameUpdate:
		return "update"
	case FrameEvent:
		return "event"
	case FrameErr:
		return "err"
	case FrameDebug:
		return "debug"
	case FrameLog:
		return "log"
	case FrameWarn:
		return "warn"
	default:
		return "unknown"
	}
}

// FromClient reports whether the frame type is sent by clients.
func (ft FrameType) FromClient() bool {
	return ft >= FrameHandshake && ft <= FrameUnlistenFrom
}

// FromServer reports whether the frame type is sent by servers.
func (ft FrameType) FromServer() bool {
	return ft >= FrameHandshakeAck && ft <= FrameWarn
}

// Diagnostic reports whether the frame carries a diagnostic message.
func (ft FrameType) Diagnostic() bool {
	switch ft {
	case FrameErr, FrameDebug, FrameLog, FrameWarn:
		return true
	}
	return false
}

// FrameFlags are optional flags for frame processing.
type FrameFlags uint8

const (
	// FlagReplay marks a frame that was queued while the session was detached.
	FlagReplay FrameFlags = 0x01
)

// Has returns true if the flags contain the specified flag.
func (ff FrameFlags) Has(flag FrameFlags) bool {
	return ff&flag != 0
}

// Frame errors.
var (
	ErrFrameTooLarge    = errors.New("protocol: frame payload too large")
	ErrInvalidFrameType = errors.New("protocol: invalid frame type")
)

// Frame represents a protocol frame with header and payload.
//
// Wire format (6 bytes header + variable JSON payload):
//
//	┌─────────────┬──────────────┬───────────────────────────────┐
//	│ Frame Type  │ Flags        │ Payload Length                │
//	│ (1 byte)    │ (1 byte)     │ (4 bytes, big-endian)         │
//	└─────────────┴──────────────┴───────────────────────────────┘
//	│                                                             │
//	│  Payload (JSON object)                                      │
//	│                                                             │
//	└─────────────────────────────────────────────────────────────┘
type Frame struct {
	Type    FrameType
	Flags   FrameFlags
	Payload []byte
}

// Encode encodes the frame to bytes including the header.
func (f *Frame) Encode() []byte {
	length := len(f.Payload)
	buf := make([]byte, FrameHeaderSize+length)
	buf[0] = byte(f.Type)
	buf[1] = byte(f.Flags)
	binary.BigEndian.PutUint32(buf[2:FrameHeaderSize], uint32(length))
	copy(buf[FrameHeaderSize:], f.Payload)
	return buf
}

// DecodeFrame decodes a frame from bytes.
// The input must contain at least the header and the full payload.
func DecodeFrame(data []byte) (*Frame, error) {
	ft, flags, length, err := DecodeFrameHeader(data)
	if err != nil {
		return nil, err
	}
	if length > MaxPayloadSize {
		return nil, ErrFrameTooLarge
	}
	if len(data) < FrameHeaderSize+length {
		return nil, io.ErrUnexpectedEOF
	}

	payload := make([]byte, length)
	copy(payload, data[FrameHeaderSize:FrameHeaderSize+length])

	return &Frame{
		Type:    ft,
		Flags:   flags,
		Payload: payload,
	}, nil
}

// DecodeFrameHeader decodes just the frame header, returning type, flags, and payload length.
func DecodeFrameHeader(data []byte) (FrameType, FrameFlags, int, error) {
	if len(data) < FrameHeaderSize {
		return 0, 0, 0, io.ErrUnexpectedEOF
	}

	ft := FrameType(data[0])
	flags := FrameFlags(data[1])
	length := int(binary.BigEndian.Uint32(data[2:FrameHeaderSize]))

	return ft, flags, length, nil
}

// NewFrame creates a new frame with the given type and payload.
func NewFrame(ft FrameType, payload []byte) *Frame {
	return &Frame{
		Type:    ft,
		Payload: payload,
	}
}
