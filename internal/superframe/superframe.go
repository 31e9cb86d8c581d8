// Package superframe implements the TDMA time model every node shares:
// a superframe of equally-sized slots, a monotonic-clock-driven "what
// slot is it now" function, and a single update task that wakes on
// slot transitions and superframe boundaries to drive the registered
// callback.
package superframe

import (
	"context"
	"log"
	"sync"

	"github.com/loramesh/loramesh/internal/lmerr"
	"github.com/loramesh/loramesh/internal/rtos"
	"github.com/loramesh/loramesh/internal/slot"
)

const (
	minWakeMs           = 20
	maxWakeMs            = 5000
	yieldWakeMs          = 1
	// SyncWaitTimeoutMs is how long a follower sleeps at a superframe
	// boundary while waiting for an external synchronize_with call.
	SyncWaitTimeoutMs uint32 = 1000
)

// notifyKind distinguishes why the update task was woken early.
type notifyKind int

const (
	notifyConfig notifyKind = iota
	notifySync
	notifyNewFrame
	notifyStop
)

// TransitionFunc is invoked on every slot transition. newSuperframe is
// true exactly when the transition wraps back to slot 0.
type TransitionFunc func(currentSlot uint16, newSuperframe bool)

// Config captures the tunable superframe parameters.
type Config struct {
	TotalSlots    uint16
	SlotDurationMs uint32
	// UpdateStartOnNewFrame is true for the node driving the timebase
	// (the network manager, or any node before it has synchronized):
	// when true the scheduler advances its own start time at each
	// boundary; when false ("follower" mode) the start time is held
	// fixed until the next synchronize_with call.
	UpdateStartOnNewFrame bool
	AutoAdvance           bool
}

func (c Config) durationMs() uint32 {
	return uint32(c.TotalSlots) * c.SlotDurationMs
}

// Scheduler owns the superframe timebase and the single task that
// drives slot-transition callbacks.
type Scheduler struct {
	clock rtos.Clock
	rt    rtos.RTOS

	mu               sync.Mutex
	cfg              Config
	superframeStart  uint32
	lastSlot         int32 // -1 until the first transition
	isSynchronized   bool
	driftAccumMs     int64
	onTransition     TransitionFunc

	notifyQ *rtos.Queue[notifyKind]
	task    *rtos.Task
}

// New creates a Scheduler; it does not start the update task until
// Start is called.
func New(rt rtos.RTOS, cfg Config) *Scheduler {
	return &Scheduler{
		clock:    rt,
		rt:       rt,
		cfg:      cfg,
		lastSlot: -1,
		notifyQ:  rtos.NewQueue[notifyKind](4),
	}
}

// OnTransition registers the callback invoked on every slot change.
func (s *Scheduler) OnTransition(fn TransitionFunc) {
	s.mu.Lock()
	s.onTransition = fn
	s.mu.Unlock()
}

// Start arms the superframe at now, marks it synchronized, and spawns
// the update task.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.task != nil {
		s.mu.Unlock()
		return lmerr.New(lmerr.KindInvalidState, "superframe already running")
	}
	s.superframeStart = s.clock.TickCount()
	s.isSynchronized = true
	s.lastSlot = -1
	s.mu.Unlock()

	s.task = s.rt.CreateTask("superframe-update", s.runUpdateTask)
	return nil
}

// Stop tears down the update task. The dispatcher must not be used by
// callers after Stop returns.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	s.isSynchronized = false
	s.mu.Unlock()

	if s.task != nil {
		s.notifyQ.Send(s.task.Context(), s.clock, notifyStop, 0)
		s.rt.DeleteTask(s.task)
		s.task = nil
	}
	return nil
}

// UpdateConfig reconfigures the superframe. If endCurrent is true the
// current superframe ends immediately (lastSlot is reset so the next
// tick is treated as a fresh transition).
func (s *Scheduler) UpdateConfig(totalSlots uint16, slotDurationMs uint32, autoAdvance bool, endCurrent bool) error {
	if totalSlots == 0 || slotDurationMs == 0 {
		return lmerr.New(lmerr.KindInvalidArgument, "totalSlots and slotDurationMs must be nonzero")
	}
	s.mu.Lock()
	s.cfg.TotalSlots = totalSlots
	s.cfg.SlotDurationMs = slotDurationMs
	s.cfg.AutoAdvance = autoAdvance
	if endCurrent {
		s.superframeStart = s.clock.TickCount()
		s.lastSlot = -1
	}
	s.mu.Unlock()
	s.notify(notifyConfig)
	return nil
}

// SetTimebaseRole toggles UpdateStartOnNewFrame: the network manager
// (and any node before it has a manager to follow) drives its own
// timebase forward at each boundary; every other node holds its start
// fixed and waits for SynchronizeWith. Callers re-evaluate this on
// every lifecycle state transition.
func (s *Scheduler) SetTimebaseRole(updateStartOnNewFrame bool) {
	s.mu.Lock()
	s.cfg.UpdateStartOnNewFrame = updateStartOnNewFrame
	s.mu.Unlock()
}

// HandleNewSuperframe is called at a natural superframe boundary. If
// UpdateStartOnNewFrame is set, the start advances by one superframe
// duration (or resets to now if the clock has drifted past the
// expected end); otherwise the start is held fixed awaiting an
// external sync.
func (s *Scheduler) HandleNewSuperframe() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.UpdateStartOnNewFrame {
		return nil
	}
	now := s.clock.TickCount()
	expectedEnd := s.superframeStart + s.cfg.durationMs()
	if elapsedPast(now, expectedEnd) {
		s.superframeStart = now
	} else {
		s.superframeStart += s.cfg.durationMs()
	}
	return nil
}

// SynchronizeWith adopts an external timing reference: the implied
// start is external_slot_start - external_slot * slot_duration.
// Corrupted references (implying a start more than one superframe in
// the future) fall back to now.
func (s *Scheduler) SynchronizeWith(externalSlotStartMs uint32, externalSlot uint16) error {
	s.mu.Lock()
	now := s.clock.TickCount()
	impliedStart := externalSlotStartMs - uint32(externalSlot)*s.cfg.SlotDurationMs
	if ahead := impliedStart - now; ahead < 1<<31 && ahead > s.cfg.durationMs() {
		// implied start sits more than one superframe ahead: distrust it
		impliedStart = now
	}
	s.driftAccumMs += int64(impliedStart) - int64(s.superframeStart)
	s.superframeStart = impliedStart
	s.isSynchronized = true
	s.lastSlot = int32(externalSlot) - 1
	s.mu.Unlock()
	s.notify(notifySync)
	return nil
}

// CurrentSlot returns the slot index for the current clock reading.
func (s *Scheduler) CurrentSlot() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentSlotLocked(s.clock.TickCount())
}

func (s *Scheduler) currentSlotLocked(now uint32) uint16 {
	if s.cfg.TotalSlots == 0 {
		return 0
	}
	elapsed := elapsed(now, s.superframeStart)
	slot := (elapsed / s.cfg.SlotDurationMs) % uint32(s.cfg.TotalSlots)
	if !s.cfg.AutoAdvance {
		return s.cfg.TotalSlots - 1
	}
	return uint16(slot)
}

// CurrentSlotType resolves the current slot against table.
func (s *Scheduler) CurrentSlotType(table slot.Table) slot.Type {
	return table.TypeAt(s.CurrentSlot())
}

// TimeRemainingInSlot returns the milliseconds left in the current
// slot.
func (s *Scheduler) TimeRemainingInSlot() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.TickCount()
	elapsedInSlot := elapsed(now, s.superframeStart) % s.cfg.SlotDurationMs
	return s.cfg.SlotDurationMs - elapsedInSlot
}

// IsSynchronized reports whether the scheduler has an established
// timebase (set by Start or SynchronizeWith, cleared by Stop).
func (s *Scheduler) IsSynchronized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isSynchronized
}

// NeedsResynchronization reports whether the drift accumulated over
// every SynchronizeWith call so far exceeds thresholdMs (the sum is
// never reset). The scheduler never
// clears is_synchronized on its own; callers decide what to do.
func (s *Scheduler) NeedsResynchronization(thresholdMs uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	drift := s.driftAccumMs
	if drift < 0 {
		drift = -drift
	}
	return uint32(drift) > thresholdMs
}

// SuperframeStartMs exposes the current timebase origin, used when
// broadcasting a sync reference to other nodes.
func (s *Scheduler) SuperframeStartMs() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.superframeStart
}

func (s *Scheduler) notify(kind notifyKind) {
	if s.task == nil {
		return
	}
	s.notifyQ.Send(s.task.Context(), s.clock, kind, 0)
}

// nextEventTimeoutLocked computes how long the update task should
// sleep before its next mandatory wake.
func (s *Scheduler) nextEventTimeoutLocked(now uint32) uint32 {
	if s.cfg.SlotDurationMs == 0 || s.cfg.TotalSlots == 0 {
		return SyncWaitTimeoutMs
	}
	if s.cfg.AutoAdvance {
		elapsedInSlot := elapsed(now, s.superframeStart) % s.cfg.SlotDurationMs
		nextBoundary := s.cfg.SlotDurationMs - elapsedInSlot
		return clampWake(nextBoundary)
	}

	superframeEnd := s.superframeStart + s.cfg.durationMs()
	if elapsedPast(now, superframeEnd) {
		if !s.cfg.UpdateStartOnNewFrame {
			return SyncWaitTimeoutMs
		}
		return yieldWakeMs
	}
	return clampWake(superframeEnd - now)
}

func clampWake(ms uint32) uint32 {
	if ms < minWakeMs {
		return minWakeMs
	}
	if ms > maxWakeMs {
		return maxWakeMs
	}
	return ms
}

func (s *Scheduler) runUpdateTask(ctx context.Context, t *rtos.Task) {
	for {
		if t.ShouldStopOrPause() {
			return
		}

		s.mu.Lock()
		timeout := s.nextEventTimeoutLocked(s.clock.TickCount())
		s.mu.Unlock()

		_, result := s.notifyQ.Receive(ctx, s.clock, timeout)
		if t.Stopped() {
			return
		}
		if result == rtos.ResultOK {
			// woken early by notify(); fall through to re-evaluate
		}

		s.mu.Lock()
		now := s.clock.TickCount()
		current := s.currentSlotLocked(now)
		last := s.lastSlot
		cb := s.onTransition
		autoAdvance := s.cfg.AutoAdvance
		s.mu.Unlock()

		if int32(current) == last {
			continue
		}

		newSuperframe := current == 0
		if newSuperframe && autoAdvance {
			if err := s.HandleNewSuperframe(); err != nil {
				log.Printf("superframe: handle_new_superframe failed: %v", err)
			}
		}
		if cb != nil {
			cb(current, newSuperframe)
		}

		s.mu.Lock()
		s.lastSlot = int32(current)
		s.mu.Unlock()
	}
}

// elapsed computes now-older with uint32 wraparound safety.
func elapsed(now, older uint32) uint32 {
	return now - older
}

// elapsedPast reports whether now has advanced past target, tolerant
// of wraparound (treats a very large "elapsed" as having not yet
// passed, rather than wrapping silently).
func elapsedPast(now, target uint32) bool {
	diff := now - target
	return diff < 1<<31
}
