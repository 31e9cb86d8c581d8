// Package network owns the protocol lifecycle state machine
// (discovery, joining, normal operation, network management, fault
// recovery) and translates received frames into routing-table and
// registry updates.
package network

import (
	"log"
	"math"
	"sync"

	"github.com/google/uuid"

	"github.com/loramesh/loramesh/internal/config"
	"github.com/loramesh/loramesh/internal/dispatcher"
	"github.com/loramesh/loramesh/internal/lmerr"
	"github.com/loramesh/loramesh/internal/registry"
	"github.com/loramesh/loramesh/internal/routing"
	"github.com/loramesh/loramesh/internal/slot"
	"github.com/loramesh/loramesh/internal/wire"
)

// ProtocolState is the node's position in the network lifecycle.
type ProtocolState int

const (
	Initializing ProtocolState = iota
	Discovery
	Joining
	NormalOperation
	NetworkManager
	FaultRecovery
)

func (s ProtocolState) String() string {
	switch s {
	case Initializing:
		return "Initializing"
	case Discovery:
		return "Discovery"
	case Joining:
		return "Joining"
	case NormalOperation:
		return "NormalOperation"
	case NetworkManager:
		return "NetworkManager"
	case FaultRecovery:
		return "FaultRecovery"
	default:
		return "Unknown"
	}
}

// RouteUpdateCallback mirrors the routing table's own callback shape,
// exposed one level up so the coordinator only has one place to
// subscribe for topology changes.
type RouteUpdateCallback func(added bool, dest, nextHop wire.Address, hops uint8)

// DataReceivedCallback is invoked for every DATA frame addressed to
// this node.
type DataReceivedCallback func(source wire.Address, payload []byte)

// StateChangeCallback is invoked after every lifecycle transition,
// with the new state.
type StateChangeCallback func(newState ProtocolState)

// Service implements the lifecycle state machine described for the
// network layer: it owns no tasks of its own, reacting only to
// ProcessReceivedFrame and the coordinator's periodic Tick.
type Service struct {
	mu sync.Mutex

	self wire.Address
	cfg  config.ProtocolConfig

	routingTable *routing.Table
	reg          *registry.Registry
	out          *dispatcher.Dispatcher

	state              ProtocolState
	networkManagerAddr wire.Address
	networkID          uuid.UUID
	tableVersion       uint8

	discoveryDeadline uint32

	joinTarget        wire.Address
	joinAttempt       int
	nextJoinAttemptAt uint32
	requestedSlots    uint8

	lastManagerHeard uint32

	onRouteUpdate  []RouteUpdateCallback
	onDataReceived []DataReceivedCallback
	onStateChange  []StateChangeCallback
}

// New creates a Service in the Initializing state.
func New(self wire.Address, routingTable *routing.Table, reg *registry.Registry, out *dispatcher.Dispatcher, cfg config.ProtocolConfig) *Service {
	s := &Service{
		self:         self,
		cfg:          cfg,
		routingTable: routingTable,
		reg:          reg,
		out:          out,
		state:        Initializing,
	}
	routingTable.OnRouteUpdate(s.handleRouteUpdate)
	return s
}

// Configure updates the node's configuration after construction.
func (s *Service) Configure(cfg config.ProtocolConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	return nil
}

// OnRouteUpdate registers a topology-change callback. Multiple
// callbacks may be registered; each is invoked for every update, in
// registration order.
func (s *Service) OnRouteUpdate(fn RouteUpdateCallback) {
	s.mu.Lock()
	s.onRouteUpdate = append(s.onRouteUpdate, fn)
	s.mu.Unlock()
}

// OnDataReceived registers an application-data callback. Multiple
// callbacks may be registered.
func (s *Service) OnDataReceived(fn DataReceivedCallback) {
	s.mu.Lock()
	s.onDataReceived = append(s.onDataReceived, fn)
	s.mu.Unlock()
}

// OnStateChange registers a lifecycle-transition callback. Multiple
// callbacks may be registered.
func (s *Service) OnStateChange(fn StateChangeCallback) {
	s.mu.Lock()
	s.onStateChange = append(s.onStateChange, fn)
	s.mu.Unlock()
}

// State returns the current lifecycle state.
func (s *Service) State() ProtocolState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// NetworkManagerAddress returns the address of the known manager, or
// AddressNone if none has been established.
func (s *Service) NetworkManagerAddress() wire.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.networkManagerAddr
}

// setState is always called with s.mu held. Callbacks, if any, run on
// their own goroutine so a subscriber can never reenter the lock this
// method is called under.
func (s *Service) setState(newState ProtocolState) {
	if s.state == newState {
		return
	}
	log.Printf("network: state %s -> %s", s.state, newState)
	s.state = newState
	for _, fn := range s.onStateChange {
		go fn(newState)
	}
}

func (s *Service) handleRouteUpdate(u routing.RouteUpdate) {
	s.mu.Lock()
	fns := s.onRouteUpdate
	manager := s.networkManagerAddr
	s.mu.Unlock()
	for _, fn := range fns {
		fn(u.Kind == routing.RouteAdded, u.Dest, u.NextHop, u.HopCount)
	}
	if u.Kind == routing.RouteRemoved && u.Dest == manager {
		s.mu.Lock()
		if s.state == NormalOperation {
			s.setState(FaultRecovery)
		}
		s.mu.Unlock()
	}
}

// StartDiscovery arms the discovery window: discoveryTimeoutMs is
// computed by the caller from the superframe layout (several
// superframes of the discovery slot pattern).
func (s *Service) StartDiscovery(now uint32, discoveryTimeoutMs uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setState(Discovery)
	s.discoveryDeadline = now + discoveryTimeoutMs
	s.networkManagerAddr = wire.AddressNone
}

// Tick performs one iteration of state-specific maintenance; the
// coordinator calls it on every main-loop pass that receives no frame,
// at each new superframe, and when a CONTROL_TX slot has nothing queued.
func (s *Service) Tick(now uint32) error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	switch state {
	case Discovery:
		return s.performDiscovery(now)
	case Joining:
		return s.performJoining(now)
	case NormalOperation, NetworkManager:
		return s.ensureRoutingBroadcastQueued()
	case FaultRecovery:
		s.StartDiscovery(now, s.discoveryTimeoutFallbackMs())
		return nil
	default:
		return nil
	}
}

// discoveryTimeoutFallbackMs is used only when FaultRecovery restarts
// discovery without the coordinator supplying a fresh superframe-based
// value.
func (s *Service) discoveryTimeoutFallbackMs() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.TotalSlots() * s.cfg.SlotDurationMs * 3
}

func (s *Service) performDiscovery(now uint32) error {
	s.mu.Lock()
	if s.state != Discovery || now < s.discoveryDeadline {
		s.mu.Unlock()
		return nil
	}

	// No ROUTE_TABLE heard in time: become the network manager.
	s.networkID = uuid.New()
	s.networkManagerAddr = s.self
	s.tableVersion = 0
	s.setState(NetworkManager)
	networkID := s.networkID
	s.mu.Unlock()

	_, err := s.routingTable.AddNode(routing.Entry{
		Destination: s.self,
		NextHop:     s.self,
		HopCount:    0,
		LinkQuality: 255,
		IsActive:    true,
		IsManager:   true,
		LastUpdated: now,
		LastSeen:    now,
	})
	if err != nil {
		return err
	}
	log.Printf("network: no manager found, electing self 0x%04X as manager (network %s)", uint16(s.self), networkID)
	return nil
}

func (s *Service) performJoining(now uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Joining {
		return nil
	}
	if now < s.nextJoinAttemptAt {
		return nil
	}
	if s.joinAttempt >= int(s.cfg.MaxJoinRetries) {
		s.setState(FaultRecovery)
		return nil
	}

	req := wire.JoinRequestMessage{
		Destination:           s.joinTarget,
		Source:                s.self,
		RequestedDataSlots:    s.requestedSlots,
		RequestedControlSlots: uint8(s.cfg.DefaultControlSlots),
		Capabilities:          0,
		BatteryLevel:          100,
	}
	payload, err := wire.EncodeJoinRequestMessage(req)
	if err != nil {
		return err
	}
	s.out.Enqueue(slot.ControlTX, dispatcher.Message{Type: wire.TypeJoinRequest, Payload: payload})

	delay := s.nextJoinDelayLocked()
	s.nextJoinAttemptAt = now + delay
	s.joinAttempt++
	log.Printf("network: sent JOIN_REQUEST to 0x%04X (attempt %d), next retry in %dms", uint16(s.joinTarget), s.joinAttempt, delay)
	return nil
}

func (s *Service) nextJoinDelayLocked() uint32 {
	superframeDurationMs := float64(s.cfg.TotalSlots()) * float64(s.cfg.SlotDurationMs)
	base := float64(s.cfg.RetryDelaySuperframes) * superframeDurationMs
	backoff := math.Pow(s.cfg.BackoffMultiplier, float64(s.joinAttempt))
	delay := base * backoff
	if delay > float64(s.cfg.MaxRetryDelayMs) {
		delay = float64(s.cfg.MaxRetryDelayMs)
	}
	return uint32(delay)
}

func (s *Service) ensureRoutingBroadcastQueued() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out.HasMessageOfType(wire.TypeRouteTable) {
		return nil
	}
	msg := s.createRoutingTableMessageLocked(wire.AddressBroadcast)
	payload, err := wire.EncodeRouteTableMessage(msg)
	if err != nil {
		return err
	}
	s.out.Enqueue(slot.ControlTX, dispatcher.Message{Type: wire.TypeRouteTable, Payload: payload})
	return nil
}

func (s *Service) createRoutingTableMessageLocked(dest wire.Address) wire.RouteTableMessage {
	s.tableVersion++
	return wire.RouteTableMessage{
		Destination:        dest,
		Source:             s.self,
		NetworkManagerAddr: s.networkManagerAddr,
		TableVersion:       s.tableVersion,
		Entries:            s.routingTable.RoutingEntriesForBroadcast(s.self),
	}
}

// JoinNetwork begins the Joining state against manager, requesting
// requestedSlots data slots.
func (s *Service) JoinNetwork(now uint32, manager wire.Address, requestedSlots uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.joinTarget = manager
	s.requestedSlots = requestedSlots
	s.joinAttempt = 0
	s.nextJoinAttemptAt = now
	s.setState(Joining)
}

// ProcessReceivedFrame is the single entry point for every decoded
// frame arriving off the radio.
func (s *Service) ProcessReceivedFrame(f wire.Frame, now uint32) error {
	switch f.Type {
	case wire.TypeRouteTable:
		return s.processRouteTable(f, now)
	case wire.TypeJoinRequest:
		return s.processJoinRequest(f, now)
	case wire.TypeJoinResponse:
		return s.processJoinResponse(f, now)
	case wire.TypeData:
		return s.processData(f, now)
	case wire.TypeSlotRequest, wire.TypeSlotAllocation, wire.TypePing:
		return nil // accepted; this module takes no action on these types
	default:
		return lmerr.New(lmerr.KindMalformed, "unhandled message type")
	}
}

func (s *Service) processRouteTable(f wire.Frame, now uint32) error {
	raw, err := wire.Encode(f)
	if err != nil {
		return err
	}
	msg, err := wire.DecodeRouteTableMessage(raw)
	if err != nil {
		return err
	}

	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	if state == Discovery {
		s.mu.Lock()
		s.networkManagerAddr = msg.NetworkManagerAddr
		s.setState(Joining)
		s.joinTarget = msg.NetworkManagerAddr
		s.requestedSlots = uint8(s.cfg.DefaultDataSlots)
		s.joinAttempt = 0
		s.nextJoinAttemptAt = now
		s.mu.Unlock()
		return nil
	}

	remoteQuality := uint8(255)
	s.routingTable.ProcessRoutingTableMessage(f.Source, msg.Entries, now, remoteQuality, s.cfg.MaxHops)

	s.mu.Lock()
	if s.networkManagerAddr != msg.NetworkManagerAddr && msg.NetworkManagerAddr != wire.AddressNone {
		s.networkManagerAddr = msg.NetworkManagerAddr
	}
	if f.Source == s.networkManagerAddr {
		s.lastManagerHeard = now
	}
	s.mu.Unlock()
	return nil
}

func (s *Service) processJoinRequest(f wire.Frame, now uint32) error {
	s.mu.Lock()
	isManager := s.state == NetworkManager
	s.mu.Unlock()
	if !isManager {
		return nil
	}

	raw, err := wire.Encode(f)
	if err != nil {
		return err
	}
	req, err := wire.DecodeJoinRequestMessage(raw)
	if err != nil {
		return err
	}

	status, allocated := s.decideJoin(req)
	if status == wire.StatusAccepted {
		s.reg.UpdateNode(req.Source, req.BatteryLevel, false, allocated, req.Capabilities, now)
		s.routingTable.AddNode(routing.Entry{
			Destination:        req.Source,
			NextHop:            req.Source,
			HopCount:           1,
			LinkQuality:        255,
			AllocatedDataSlots: allocated,
			IsActive:           true,
			LastUpdated:        now,
			LastSeen:           now,
		})
	}

	s.mu.Lock()
	networkID := shortNetworkID(s.networkID)
	s.mu.Unlock()

	resp := wire.JoinResponseMessage{
		Destination:    req.Source,
		Source:         s.self,
		NetworkID:      networkID,
		AllocatedSlots: allocated,
		Status:         status,
	}
	payload, err := wire.EncodeJoinResponseMessage(resp)
	if err != nil {
		return err
	}
	s.out.Enqueue(slot.ControlTX, dispatcher.Message{Type: wire.TypeJoinResponse, Payload: payload})
	return nil
}

// decideJoin implements the ShouldAcceptJoin policy: admit unless the
// registry is already at capacity, granting the requested data slot
// count (or the configured default when the request asks for none).
func (s *Service) decideJoin(req wire.JoinRequestMessage) (wire.JoinStatus, uint8) {
	if s.reg.Len() >= s.cfg.MaxNetworkNodes {
		return wire.StatusCapacityExceeded, 0
	}
	allocated := req.RequestedDataSlots
	if allocated == 0 {
		allocated = uint8(s.cfg.DefaultDataSlots)
	}
	return wire.StatusAccepted, allocated
}

func (s *Service) processJoinResponse(f wire.Frame, now uint32) error {
	s.mu.Lock()
	joining := s.state == Joining && f.Destination == s.self
	s.mu.Unlock()
	if !joining {
		return nil
	}

	raw, err := wire.Encode(f)
	if err != nil {
		return err
	}
	resp, err := wire.DecodeJoinResponseMessage(raw)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch resp.Status {
	case wire.StatusAccepted:
		s.networkManagerAddr = f.Source
		s.lastManagerHeard = now
		s.setState(NormalOperation)
	case wire.StatusRetryLater:
		s.joinAttempt++
		if s.joinAttempt >= int(s.cfg.MaxJoinRetries) {
			s.setState(FaultRecovery)
			return nil
		}
		s.nextJoinAttemptAt = now + s.nextJoinDelayLocked()
	default: // Rejected, CapacityExceeded, AuthFailed
		s.setState(FaultRecovery)
	}
	return nil
}

func (s *Service) processData(f wire.Frame, now uint32) error {
	if f.Destination == s.self {
		s.mu.Lock()
		fns := s.onDataReceived
		s.mu.Unlock()
		for _, fn := range fns {
			fn(f.Source, f.Payload)
		}
		return nil
	}

	if _, ok := s.routingTable.FindNextHop(f.Destination); !ok {
		return lmerr.New(lmerr.KindInvalidState, "no route to destination, dropping data frame")
	}
	payload, err := wire.EncodeDataMessage(f.Destination, f.Source, f.Payload)
	if err != nil {
		return err
	}
	s.out.Enqueue(slot.TX, dispatcher.Message{Type: wire.TypeData, Payload: payload})
	return nil
}

// CheckManagerTimeout transitions to FaultRecovery if the manager has
// not been heard from in node_timeout_ms, for NormalOperation nodes.
func (s *Service) CheckManagerTimeout(now uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != NormalOperation {
		return
	}
	if now-s.lastManagerHeard > s.cfg.NodeTimeoutMs {
		s.setState(FaultRecovery)
	}
}

// RecomputeSlotTable rebuilds this node's per-slot activity: SLEEP
// everywhere, CONTROL_TX in ownControlSlots, CONTROL_RX in every other
// known control slot, DISCOVERY_TX in this node's own discovery slots,
// DISCOVERY_RX in every other discovery slot, TX in this node's data
// slots, and RX in broadcast data slots.
func RecomputeSlotTable(totalSlots uint16, ownControlSlots, ownDataSlots, otherControlSlots, ownDiscoverySlots, otherDiscoverySlots, broadcastDataSlots []uint16) slot.Table {
	own := func(set []uint16, n uint16) bool {
		for _, s := range set {
			if s == n {
				return true
			}
		}
		return false
	}

	table := make(slot.Table, 0, totalSlots)
	for n := uint16(0); n < totalSlots; n++ {
		switch {
		case own(ownControlSlots, n):
			table = append(table, slot.Allocation{SlotNumber: n, Type: slot.ControlTX})
		case own(otherControlSlots, n):
			table = append(table, slot.Allocation{SlotNumber: n, Type: slot.ControlRX})
		case own(ownDiscoverySlots, n):
			table = append(table, slot.Allocation{SlotNumber: n, Type: slot.DiscoveryTX})
		case own(otherDiscoverySlots, n):
			table = append(table, slot.Allocation{SlotNumber: n, Type: slot.DiscoveryRX})
		case own(ownDataSlots, n):
			table = append(table, slot.Allocation{SlotNumber: n, Type: slot.TX})
		case own(broadcastDataSlots, n):
			table = append(table, slot.Allocation{SlotNumber: n, Type: slot.RX})
		default:
			table = append(table, slot.Allocation{SlotNumber: n, Type: slot.Sleep})
		}
	}
	return table
}

// shortNetworkID compresses a full UUID into the 16-bit field the
// wire format carries, by folding its bytes with XOR.
func shortNetworkID(id uuid.UUID) uint16 {
	var hi, lo byte
	for i, b := range id {
		if i%2 == 0 {
			hi ^= b
		} else {
			lo ^= b
		}
	}
	return uint16(hi)<<8 | uint16(lo)
}
