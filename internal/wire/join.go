package wire

import (
	"encoding/binary"

	"github.com/loramesh/loramesh/internal/lmerr"
)

// JoinStatus is the outcome carried in a JOIN_RESPONSE frame.
type JoinStatus uint8

const (
	StatusAccepted         JoinStatus = 0
	StatusRejected         JoinStatus = 1
	StatusCapacityExceeded JoinStatus = 2
	StatusAuthFailed       JoinStatus = 3
	StatusRetryLater       JoinStatus = 4
)

func (s JoinStatus) String() string {
	switch s {
	case StatusAccepted:
		return "Accepted"
	case StatusRejected:
		return "Rejected"
	case StatusCapacityExceeded:
		return "CapacityExceeded"
	case StatusAuthFailed:
		return "AuthFailed"
	case StatusRetryLater:
		return "RetryLater"
	default:
		return "Unknown"
	}
}

// JoinResponseTrailerSize is the fixed size of the JOIN_RESPONSE typed
// trailer: network_id(2) || allocated_slots(1) || status(1).
const JoinResponseTrailerSize = 4

// JoinResponseMessage is a decoded JOIN_RESPONSE frame.
type JoinResponseMessage struct {
	Destination    Address
	Source         Address
	NetworkID      uint16
	AllocatedSlots uint8
	Status         JoinStatus
}

// EncodeJoinResponseMessage serializes m to a complete wire frame.
func EncodeJoinResponseMessage(m JoinResponseMessage) ([]byte, error) {
	payload := make([]byte, JoinResponseTrailerSize)
	binary.LittleEndian.PutUint16(payload[0:2], m.NetworkID)
	payload[2] = m.AllocatedSlots
	payload[3] = uint8(m.Status)
	return Encode(Frame{
		Destination: m.Destination,
		Source:      m.Source,
		Type:        TypeJoinResponse,
		Payload:     payload,
	})
}

// DecodeJoinResponseMessage parses a complete JOIN_RESPONSE frame.
func DecodeJoinResponseMessage(data []byte) (JoinResponseMessage, error) {
	f, err := Decode(data)
	if err != nil {
		return JoinResponseMessage{}, err
	}
	if f.Type != TypeJoinResponse {
		return JoinResponseMessage{}, lmerr.New(lmerr.KindMalformed, "frame is not JOIN_RESPONSE")
	}
	if len(f.Payload) < JoinResponseTrailerSize {
		return JoinResponseMessage{}, lmerr.New(lmerr.KindMalformed, "JOIN_RESPONSE payload too short")
	}
	return JoinResponseMessage{
		Destination:    f.Destination,
		Source:         f.Source,
		NetworkID:      binary.LittleEndian.Uint16(f.Payload[0:2]),
		AllocatedSlots: f.Payload[2],
		Status:         JoinStatus(f.Payload[3]),
	}, nil
}

// JoinRequestPayloadSize is the size of the JOIN_REQUEST application
// payload. Unlike ROUTE_TABLE/JOIN_RESPONSE, spec.md does not define a
// dedicated typed header for JOIN_REQUEST; this layout is this
// module's payload convention for it, carried as ordinary frame
// payload bytes.
const JoinRequestPayloadSize = 4

// JoinRequestMessage is a decoded JOIN_REQUEST frame.
type JoinRequestMessage struct {
	Destination           Address // the candidate network manager
	Source                Address // the requesting node
	RequestedDataSlots    uint8
	RequestedControlSlots uint8
	Capabilities          uint8
	BatteryLevel          uint8
}

// EncodeJoinRequestMessage serializes m to a complete wire frame.
func EncodeJoinRequestMessage(m JoinRequestMessage) ([]byte, error) {
	payload := []byte{
		m.RequestedDataSlots,
		m.RequestedControlSlots,
		m.Capabilities,
		m.BatteryLevel,
	}
	return Encode(Frame{
		Destination: m.Destination,
		Source:      m.Source,
		Type:        TypeJoinRequest,
		Payload:     payload,
	})
}

// DecodeJoinRequestMessage parses a complete JOIN_REQUEST frame.
func DecodeJoinRequestMessage(data []byte) (JoinRequestMessage, error) {
	f, err := Decode(data)
	if err != nil {
		return JoinRequestMessage{}, err
	}
	if f.Type != TypeJoinRequest {
		return JoinRequestMessage{}, lmerr.New(lmerr.KindMalformed, "frame is not JOIN_REQUEST")
	}
	if len(f.Payload) < JoinRequestPayloadSize {
		return JoinRequestMessage{}, lmerr.New(lmerr.KindMalformed, "JOIN_REQUEST payload too short")
	}
	return JoinRequestMessage{
		Destination:           f.Destination,
		Source:                f.Source,
		RequestedDataSlots:    f.Payload[0],
		RequestedControlSlots: f.Payload[1],
		Capabilities:          f.Payload[2],
		BatteryLevel:          f.Payload[3],
	}, nil
}
