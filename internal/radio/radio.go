// Package radio defines the driver boundary the protocol core talks
// to, plus two concrete implementations: an in-process LoopbackDriver
// for simulation/tests and a ZMQDriver for talking to a real gateway
// process over ZeroMQ.
package radio

import (
	"fmt"

	"github.com/loramesh/loramesh/internal/lmerr"
)

// State is the radio's current operating mode.
type State int

const (
	StateSleep State = iota
	StateReceive
	StateTransmit
	StateIdle
)

func (s State) String() string {
	switch s {
	case StateSleep:
		return "Sleep"
	case StateReceive:
		return "Receive"
	case StateTransmit:
		return "Transmit"
	case StateIdle:
		return "Idle"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Config configures radio parameters at Begin time.
type Config struct {
	FrequencyHz     uint32
	SpreadingFactor uint8
	BandwidthHz     uint32
	CodingRate      uint8
	TxPowerDBm      int8
	SyncWord        uint8
}

// ReceiveCallback is invoked from an ISR-equivalent context for each
// received frame. Implementations must not block in this callback;
// push into a bounded queue and let a consumer task drain it.
type ReceiveCallback func(payload []byte, rssiDBm, snrDB int8)

// Driver is the hardware/transport seam the coordinator talks to.
// Every implementation must be safe to call from multiple goroutines.
type Driver interface {
	Configure(cfg Config) error
	Begin(cfg Config) error
	Sleep() error
	StartReceive() error
	// Send hands payload to the radio hardware/transport; it returns
	// once the frame has been accepted for transmission, not after
	// its airtime completes.
	Send(payload []byte) error
	SetState(s State) error
	SetOnReceive(cb ReceiveCallback)
	// TimeOnAir estimates transmission time in milliseconds for a
	// frame of the given length, under the configured modulation.
	TimeOnAir(lengthBytes int) uint32
	RSSI() int8
	SNR() int8
	IsTransmitting() bool
}

// errNotConfigured is returned by Send/StartReceive/Sleep before
// Begin has been called.
func errNotConfigured() error {
	return lmerr.New(lmerr.KindInvalidState, "radio not configured: call Begin first")
}

// symbolDurationMs returns the time of one LoRa symbol in
// milliseconds for a given spreading factor and bandwidth, the basis
// for TimeOnAir estimates (standard LoRa airtime formula).
func symbolDurationMs(spreadingFactor uint8, bandwidthHz uint32) float64 {
	if bandwidthHz == 0 {
		bandwidthHz = 125000
	}
	return float64(uint32(1)<<spreadingFactor) / float64(bandwidthHz) * 1000
}

// estimateTimeOnAirMs applies the standard LoRa airtime approximation:
// a fixed preamble of 8 + 4.25 symbols plus 8 + lengthBytes payload
// symbols, rounded to the nearest millisecond.
func estimateTimeOnAirMs(lengthBytes int, cfg Config) uint32 {
	sf := cfg.SpreadingFactor
	if sf == 0 {
		sf = 7
	}
	tSym := symbolDurationMs(sf, cfg.BandwidthHz)
	preambleSymbols := 8.0
	payloadSymbols := 8.0 + float64(lengthBytes) // coarse approximation, not bit-exact
	totalSymbols := preambleSymbols + 4.25 + payloadSymbols
	return uint32(totalSymbols*tSym + 0.5)
}
