// Package coordinator wires the scheduler, routing table, registry,
// dispatcher, network service and radio driver into a single running
// node, owning the one task that drives them all.
package coordinator

import (
	"context"
	"log"
	"sync"

	"github.com/loramesh/loramesh/internal/config"
	"github.com/loramesh/loramesh/internal/dispatcher"
	"github.com/loramesh/loramesh/internal/lmerr"
	"github.com/loramesh/loramesh/internal/network"
	"github.com/loramesh/loramesh/internal/radio"
	"github.com/loramesh/loramesh/internal/registry"
	"github.com/loramesh/loramesh/internal/routing"
	"github.com/loramesh/loramesh/internal/rtos"
	"github.com/loramesh/loramesh/internal/slot"
	"github.com/loramesh/loramesh/internal/superframe"
	"github.com/loramesh/loramesh/internal/wire"
)

const (
	mainLoopPeriodMs     = 50
	rxQueueCapacity      = 16
	discoverySuperframes = 3
)

// Coordinator owns every component of a running node and the single
// task that advances the protocol.
type Coordinator struct {
	rt     rtos.RTOS
	driver radio.Driver

	cfg config.ProtocolConfig

	scheduler  *superframe.Scheduler
	routing    *routing.Table
	registry   *registry.Registry
	dispatcher *dispatcher.Dispatcher
	network    *network.Service

	mu            sync.Mutex
	slotTable     slot.Table
	lastSeenState network.ProtocolState

	rxFrame *rtos.Queue[[]byte]
	task    *rtos.Task
}

// New builds every owned component from cfg but does not start
// anything; call Start to begin running.
func New(rt rtos.RTOS, driver radio.Driver, cfg config.ProtocolConfig) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	self := wire.Address(cfg.NodeAddress)
	routingTable := routing.New(routing.Config{SelfAddress: self, MaxHops: cfg.MaxHops, MaxNodes: cfg.MaxNetworkNodes})
	reg := registry.New(cfg.MaxNetworkNodes)
	disp := dispatcher.New()
	netSvc := network.New(self, routingTable, reg, disp, cfg)

	sched := superframe.New(rt, superframe.Config{
		TotalSlots:            cfg.TotalSlots(),
		SlotDurationMs:        cfg.SlotDurationMs,
		UpdateStartOnNewFrame: true,
		AutoAdvance:           true,
	})

	c := &Coordinator{
		rt:         rt,
		driver:     driver,
		cfg:        cfg,
		scheduler:  sched,
		routing:    routingTable,
		registry:   reg,
		dispatcher: disp,
		network:    netSvc,
		rxFrame:    rtos.NewQueue[[]byte](rxQueueCapacity),
	}

	sched.OnTransition(c.onSlotTransition)
	return c, nil
}

// Routing exposes the routing table for read-only inspection (e.g. by
// telemetry/store consumers).
func (c *Coordinator) Routing() *routing.Table { return c.routing }

// Registry exposes the node registry for read-only inspection.
func (c *Coordinator) Registry() *registry.Registry { return c.registry }

// Network exposes the lifecycle service for read-only inspection.
func (c *Coordinator) Network() *network.Service { return c.network }

// Start configures the radio, arms the scheduler and spawns the main
// protocol task. Discovery begins immediately in the Discovery state.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.task != nil {
		c.mu.Unlock()
		return lmerr.New(lmerr.KindInvalidState, "coordinator already started")
	}
	c.mu.Unlock()

	radioCfg := radio.Config{}
	if err := c.driver.Configure(radioCfg); err != nil {
		return err
	}
	if err := c.driver.Begin(radioCfg); err != nil {
		return err
	}
	c.driver.SetOnReceive(c.onRadioReceive)
	if err := c.driver.StartReceive(); err != nil {
		return err
	}

	if err := c.scheduler.Start(); err != nil {
		return err
	}

	discoveryTimeoutMs := c.cfg.TotalSlots() * c.cfg.SlotDurationMs * discoverySuperframes
	c.network.StartDiscovery(c.rt.TickCount(), discoveryTimeoutMs)
	c.syncTimebaseRole()

	c.task = c.rt.CreateTask("coordinator", c.runMainLoop)
	return nil
}

// Stop tears down the main task, the scheduler, and puts the radio to
// sleep.
func (c *Coordinator) Stop() error {
	if c.task != nil {
		c.rt.DeleteTask(c.task)
		c.task = nil
	}
	if err := c.scheduler.Stop(); err != nil {
		return err
	}
	return c.driver.Sleep()
}

// SendData enqueues an application payload addressed to dest for
// transmission in this node's next TX data slot.
func (c *Coordinator) SendData(dest wire.Address, payload []byte) error {
	self := wire.Address(c.cfg.NodeAddress)
	raw, err := wire.EncodeDataMessage(dest, self, payload)
	if err != nil {
		return err
	}
	c.dispatcher.Enqueue(slot.TX, dispatcher.Message{Type: wire.TypeData, Payload: raw})
	return nil
}

// onRadioReceive is the ISR-equivalent callback: it must not block, so
// it only pushes onto a buffered queue for the main loop to drain.
func (c *Coordinator) onRadioReceive(payload []byte, rssiDBm, snrDB int8) {
	cp := append([]byte(nil), payload...)
	c.rxFrame.Send(context.Background(), c.rt, cp, 0)
}

// onSlotTransition is invoked by the superframe scheduler on every
// slot change; it translates the new slot's type into a radio-state
// change and, for TX-type slots, pops a dispatcher message to send.
func (c *Coordinator) onSlotTransition(currentSlot uint16, newSuperframe bool) {
	if newSuperframe {
		if err := c.network.Tick(c.rt.TickCount()); err != nil {
			log.Printf("coordinator: network tick failed: %v", err)
		}
	}

	c.mu.Lock()
	table := c.slotTable
	c.mu.Unlock()

	st := table.TypeAt(currentSlot)
	switch {
	case st.IsTX():
		c.sendQueuedOrSynthesized(st)
	case st.IsRX():
		_ = c.driver.StartReceive()
	default:
		_ = c.driver.SetState(radio.StateSleep)
	}
}

// sendQueuedOrSynthesized transmits whatever the dispatcher has queued
// for st; if nothing is queued for CONTROL_TX, a fresh routing
// broadcast is synthesized so control traffic never goes idle. A
// DISCOVERY_TX slot with nothing queued for it sends the next CONTROL_TX
// message instead (this is how a joining node's JOIN_REQUEST goes out).
func (c *Coordinator) sendQueuedOrSynthesized(st slot.Type) {
	msg, ok := c.dispatcher.Extract(st)
	if !ok && st == slot.DiscoveryTX {
		msg, ok = c.dispatcher.Extract(slot.ControlTX)
	}
	if !ok && st == slot.ControlTX {
		if err := c.network.Tick(c.rt.TickCount()); err != nil {
			log.Printf("coordinator: failed to synthesize control traffic: %v", err)
			return
		}
		msg, ok = c.dispatcher.Extract(st)
	}
	if !ok {
		_ = c.driver.SetState(radio.StateSleep)
		return
	}
	if err := c.driver.Send(msg.Payload); err != nil {
		log.Printf("coordinator: radio send failed: %v", err)
	}
}

// runMainLoop drains the RX queue and performs periodic state
// maintenance until stopped. It never holds a lock across radio I/O.
func (c *Coordinator) runMainLoop(ctx context.Context, t *rtos.Task) {
	for {
		if t.ShouldStopOrPause() {
			return
		}

		raw, result := c.rxFrame.Receive(ctx, c.rt, mainLoopPeriodMs)
		if t.Stopped() {
			return
		}
		if result == rtos.ResultOK {
			c.handleInboundFrame(raw)
			continue
		}

		now := c.rt.TickCount()
		c.network.CheckManagerTimeout(now)
		if err := c.network.Tick(now); err != nil {
			log.Printf("coordinator: periodic tick failed: %v", err)
		}
		c.syncTimebaseRole()
		c.recomputeSlotTable()
	}
}

// syncTimebaseRole re-evaluates the scheduler's UpdateStartOnNewFrame
// flag against the current lifecycle state: the node driving the
// network (NetworkManager, or any node still in Initializing before it
// has a manager to follow) advances its own timebase; every other node
// holds its start fixed and waits to be synchronized.
func (c *Coordinator) syncTimebaseRole() {
	state := c.network.State()
	c.mu.Lock()
	changed := state != c.lastSeenState
	c.lastSeenState = state
	c.mu.Unlock()
	if !changed {
		return
	}
	drivesTimebase := state == network.NetworkManager || state == network.Initializing
	c.scheduler.SetTimebaseRole(drivesTimebase)
}

func (c *Coordinator) handleInboundFrame(raw []byte) {
	frame, err := wire.Decode(raw)
	if err != nil {
		log.Printf("coordinator: dropping malformed frame: %v", err)
		return
	}
	self := wire.Address(c.cfg.NodeAddress)
	if frame.Destination != wire.AddressBroadcast && frame.Destination != self {
		return // not addressed to us and not a broadcast; the medium delivers it anyway
	}
	if err := c.network.ProcessReceivedFrame(frame, c.rt.TickCount()); err != nil {
		log.Printf("coordinator: frame processing failed: %v", err)
	}
}

// recomputeSlotTable rebuilds this node's slot assignments from its
// current lifecycle state: the manager owns slot 0 for CONTROL_TX,
// every node in NormalOperation/NetworkManager gets its configured
// share of data slots, the other control slots are RX so manager
// broadcasts are never missed, and the discovery slots are TX for a
// node in Discovery or Joining and RX for everyone else.
func (c *Coordinator) recomputeSlotTable() {
	state := c.network.State()

	var ownControl, ownData []uint16
	if state == network.NetworkManager {
		ownControl = []uint16{0}
	}
	if state == network.NormalOperation || state == network.NetworkManager {
		base := c.cfg.DefaultControlSlots + c.cfg.DefaultDiscoverySlots
		for i := uint16(0); i < c.cfg.DefaultDataSlots; i++ {
			ownData = append(ownData, base+i)
		}
	}

	var otherControl, discovery []uint16
	for i := uint16(0); i < c.cfg.DefaultControlSlots; i++ {
		otherControl = append(otherControl, i)
	}
	for i := uint16(0); i < c.cfg.DefaultDiscoverySlots; i++ {
		discovery = append(discovery, c.cfg.DefaultControlSlots+i)
	}

	// A node still trying to join transmits its JOIN_REQUEST during the
	// discovery slots; everyone else only listens on them for newcomers.
	var ownDiscovery, otherDiscovery []uint16
	if state == network.Discovery || state == network.Joining {
		ownDiscovery = discovery
	} else {
		otherDiscovery = discovery
	}

	table := network.RecomputeSlotTable(c.cfg.TotalSlots(), ownControl, ownData, otherControl, ownDiscovery, otherDiscovery, nil)
	c.mu.Lock()
	c.slotTable = table
	c.mu.Unlock()
}
