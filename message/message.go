// Package message defines the eRPC message envelope: a fixed 11-byte header
// followed by the value-encoded body.
//
// Envelope layout (little-endian):
//
//	0      1      2           6      7           11
//	┌──────┬──────┬───────────┬──────┬───────────┬──────────────┐
//	│ ver  │ svc  │ requestID │ type │ function  │  body ...    │
//	│ 01   │ u8   │  uint32   │ u8   │  uint32   │ value-coded  │
//	└──────┴──────┴───────────┴──────┴───────────┴──────────────┘
//
// The message type governs correlation: an Invocation expects exactly one
// Reply carrying the same requestID; Oneway and Notification expect none.
package message

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Version is the codec version stamped into every header. A peer speaking a
// different version is rejected at parse time.
const Version byte = 1

// HeaderSize is the encoded size of a Header in bytes.
const HeaderSize = 11

// Type distinguishes the four envelope flavors.
type Type byte

const (
	TypeInvocation   Type = 0 // call expecting one Reply
	TypeOneway       Type = 1 // call expecting nothing back
	TypeReply        Type = 2 // response to an Invocation, same requestID
	TypeNotification Type = 3 // peer-initiated, no correlation
)

func (t Type) String() string {
	switch t {
	case TypeInvocation:
		return "invocation"
	case TypeOneway:
		return "oneway"
	case TypeReply:
		return "reply"
	case TypeNotification:
		return "notification"
	}
	return fmt.Sprintf("type(%d)", byte(t))
}

var (
	// ErrVersionMismatch indicates a header stamped with a foreign codec
	// version.
	ErrVersionMismatch = errors.New("message: version mismatch")
	// ErrInvalidType indicates a message type byte outside the known set.
	ErrInvalidType = errors.New("message: invalid message type")
	// ErrShortHeader indicates a payload smaller than one header.
	ErrShortHeader = errors.New("message: truncated header")
)

// Header carries the routing and correlation fields of one message.
type Header struct {
	Service   uint8  // service the function belongs to
	RequestID uint32 // correlates an Invocation with its Reply
	Type      Type
	Function  uint32 // function within the service
}

// AppendHeader appends the encoded header to dst. The body follows directly;
// callers append it to the returned slice.
func AppendHeader(dst []byte, h Header) []byte {
	dst = append(dst, Version, h.Service)
	dst = binary.LittleEndian.AppendUint32(dst, h.RequestID)
	dst = append(dst, byte(h.Type))
	return binary.LittleEndian.AppendUint32(dst, h.Function)
}

// Parse splits a frame payload into its header and body. The body slice
// aliases payload.
func Parse(payload []byte) (Header, []byte, error) {
	if len(payload) < HeaderSize {
		return Header{}, nil, fmt.Errorf("%w: %d bytes", ErrShortHeader, len(payload))
	}
	if payload[0] != Version {
		return Header{}, nil, fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, payload[0], Version)
	}
	t := Type(payload[6])
	if t > TypeNotification {
		return Header{}, nil, fmt.Errorf("%w: %d", ErrInvalidType, payload[6])
	}
	h := Header{
		Service:   payload[1],
		RequestID: binary.LittleEndian.Uint32(payload[2:6]),
		Type:      t,
		Function:  binary.LittleEndian.Uint32(payload[7:11]),
	}
	return h, payload[HeaderSize:], nil
}
