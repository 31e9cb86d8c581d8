// Package wire implements the LoRaMesh frame codec: a fixed-layout
// base header, per-type fixed-size trailers, and a payload bounded to
// fit within a single 255-byte radio frame.
//
// The layout mirrors the teacher's internal/protocol/messages.go: no
// length-prefixed variable fields except the single-byte counts,
// little-endian integers, no padding.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/loramesh/loramesh/internal/lmerr"
)

// Address is a 16-bit node address. 0x0000 ("none") and 0xFFFF
// ("broadcast") are reserved.
type Address uint16

const (
	AddressNone      Address = 0x0000
	AddressBroadcast Address = 0xFFFF
)

// IsReserved reports whether addr is one of the two reserved values.
func (a Address) IsReserved() bool {
	return a == AddressNone || a == AddressBroadcast
}

func (a Address) String() string {
	return fmt.Sprintf("0x%04X", uint16(a))
}

// MessageType is the base-header tag byte.
type MessageType uint8

const (
	TypeData            MessageType = 0x01
	TypeRouteTable       MessageType = 0x02
	TypeJoinRequest      MessageType = 0x03
	TypeJoinResponse     MessageType = 0x04
	TypeSlotRequest      MessageType = 0x05
	TypeSlotAllocation   MessageType = 0x06
	TypePing             MessageType = 0x07
)

func (t MessageType) String() string {
	switch t {
	case TypeData:
		return "DATA"
	case TypeRouteTable:
		return "ROUTE_TABLE"
	case TypeJoinRequest:
		return "JOIN_REQUEST"
	case TypeJoinResponse:
		return "JOIN_RESPONSE"
	case TypeSlotRequest:
		return "SLOT_REQUEST"
	case TypeSlotAllocation:
		return "SLOT_ALLOCATION"
	case TypePing:
		return "PING"
	default:
		return fmt.Sprintf("MessageType(0x%02X)", uint8(t))
	}
}

// knownTypes is the recognized set; anything else is rejected at
// deserialize time (spec.md §3: "Unknown types must be rejected").
// Future types are expected to extend this set, not replace it.
var knownTypes = map[MessageType]bool{
	TypeData:          true,
	TypeRouteTable:     true,
	TypeJoinRequest:    true,
	TypeJoinResponse:   true,
	TypeSlotRequest:    true,
	TypeSlotAllocation: true,
	TypePing:           true,
}

// BaseHeaderSize is the size in bytes of BaseHeader on the wire.
const BaseHeaderSize = 6

// MaxFrameSize is the maximum total encoded size of any frame
// (spec.md §6: "All frames are ≤ 255 bytes total").
const MaxFrameSize = 255

// BaseHeader is destination(2) || source(2) || type(1) || payload_size(1).
type BaseHeader struct {
	Destination Address
	Source      Address
	Type        MessageType
	PayloadSize uint8
}

func (h BaseHeader) encode(buf []byte) {
	binary.LittleEndian.PutUint16(buf[0:2], uint16(h.Destination))
	binary.LittleEndian.PutUint16(buf[2:4], uint16(h.Source))
	buf[4] = uint8(h.Type)
	buf[5] = h.PayloadSize
}

func decodeBaseHeader(data []byte) (BaseHeader, error) {
	if len(data) < BaseHeaderSize {
		return BaseHeader{}, lmerr.Wrap(lmerr.KindMalformed, "frame shorter than base header",
			fmt.Errorf("got %d bytes, need %d", len(data), BaseHeaderSize))
	}
	h := BaseHeader{
		Destination: Address(binary.LittleEndian.Uint16(data[0:2])),
		Source:      Address(binary.LittleEndian.Uint16(data[2:4])),
		Type:        MessageType(data[4]),
		PayloadSize: data[5],
	}
	if !knownTypes[h.Type] {
		return BaseHeader{}, lmerr.New(lmerr.KindMalformed, fmt.Sprintf("unrecognized message type 0x%02X", uint8(h.Type)))
	}
	return h, nil
}

// Frame is a fully decoded message: the base header plus every byte
// that follows it (typed trailer and/or application payload, both of
// which are opaque to this layer — callers re-decode Payload with the
// type-specific helpers below).
type Frame struct {
	Destination Address
	Source      Address
	Type        MessageType
	Payload     []byte
}

// Encode serializes f to its wire form. Returns kSerializationError if
// the result would exceed MaxFrameSize or the payload would not fit
// in the single-byte payload_size field.
func Encode(f Frame) ([]byte, error) {
	if len(f.Payload) > 255 {
		return nil, lmerr.New(lmerr.KindSerializationError, "payload exceeds 255 bytes")
	}
	total := BaseHeaderSize + len(f.Payload)
	if total > MaxFrameSize {
		return nil, lmerr.New(lmerr.KindSerializationError, fmt.Sprintf("frame size %d exceeds max %d", total, MaxFrameSize))
	}
	buf := make([]byte, total)
	BaseHeader{
		Destination: f.Destination,
		Source:      f.Source,
		Type:        f.Type,
		PayloadSize: uint8(len(f.Payload)),
	}.encode(buf)
	copy(buf[BaseHeaderSize:], f.Payload)
	return buf, nil
}

// Decode parses data into a Frame. Fails with kMalformed when the
// length is short, the declared payload size exceeds the remaining
// bytes, or the type byte is unrecognized.
func Decode(data []byte) (Frame, error) {
	if len(data) > MaxFrameSize {
		return Frame{}, lmerr.New(lmerr.KindMalformed, fmt.Sprintf("frame of %d bytes exceeds max %d", len(data), MaxFrameSize))
	}
	h, err := decodeBaseHeader(data)
	if err != nil {
		return Frame{}, err
	}
	rest := data[BaseHeaderSize:]
	if int(h.PayloadSize) > len(rest) {
		return Frame{}, lmerr.New(lmerr.KindMalformed,
			fmt.Sprintf("declared payload_size %d exceeds remaining %d bytes", h.PayloadSize, len(rest)))
	}
	payload := make([]byte, h.PayloadSize)
	copy(payload, rest[:h.PayloadSize])
	return Frame{
		Destination: h.Destination,
		Source:      h.Source,
		Type:        h.Type,
		Payload:     payload,
	}, nil
}

// TotalSize returns the number of bytes Decode consumed from the
// front of its input to produce f (used by callers that need to know
// where the next frame starts in a concatenated buffer).
func (f Frame) TotalSize() int {
	return BaseHeaderSize + len(f.Payload)
}
