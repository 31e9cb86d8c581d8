package superframe

import (
	"testing"
	"time"

	"github.com/loramesh/loramesh/internal/rtos"
	"github.com/loramesh/loramesh/internal/slot"
)

func newTestScheduler(v *rtos.Virtual, autoAdvance, updateStart bool) *Scheduler {
	return New(v, Config{
		TotalSlots:            10,
		SlotDurationMs:        100,
		AutoAdvance:           autoAdvance,
		UpdateStartOnNewFrame: updateStart,
	})
}

func TestCurrentSlotMonotonicWithinSuperframe(t *testing.T) {
	v := rtos.NewVirtual()
	s := newTestScheduler(v, true, true)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	var last uint16
	for i := 0; i < 9; i++ {
		v.AdvanceTime(100)
		cur := s.CurrentSlot()
		if cur < last {
			t.Fatalf("slot went backwards: %d -> %d", last, cur)
		}
		last = cur
	}
}

func TestCurrentSlotWrapsAtSuperframeBoundary(t *testing.T) {
	v := rtos.NewVirtual()
	s := newTestScheduler(v, true, true)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	v.AdvanceTime(950) // slot 9, mid-way
	if got := s.CurrentSlot(); got != 9 {
		t.Fatalf("expected slot 9, got %d", got)
	}
	v.AdvanceTime(100) // cross into next superframe
	if got := s.CurrentSlot(); got != 0 {
		t.Fatalf("expected wrap to slot 0, got %d", got)
	}
}

func TestNonAutoAdvanceClampsToLastSlot(t *testing.T) {
	v := rtos.NewVirtual()
	s := newTestScheduler(v, false, true)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	v.AdvanceTime(5000)
	if got := s.CurrentSlot(); got != s.cfg.TotalSlots-1 {
		t.Fatalf("expected clamp to %d, got %d", s.cfg.TotalSlots-1, got)
	}
}

func TestSynchronizeWithClampsFarFutureStart(t *testing.T) {
	v := rtos.NewVirtual()
	s := newTestScheduler(v, true, true)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	now := v.TickCount()
	farFuture := now + s.cfg.durationMs()*5
	if err := s.SynchronizeWith(farFuture, 0); err != nil {
		t.Fatalf("SynchronizeWith: %v", err)
	}
	if start := s.SuperframeStartMs(); start > now {
		t.Fatalf("expected fallback to now, got start=%d now=%d", start, now)
	}
}

func TestSynchronizeWithAdoptsPlausibleReference(t *testing.T) {
	v := rtos.NewVirtual()
	s := newTestScheduler(v, true, true)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	v.AdvanceTime(250)
	externalSlot := uint16(3)
	externalStart := v.TickCount() // external slot 3 begins now
	if err := s.SynchronizeWith(externalStart, externalSlot); err != nil {
		t.Fatalf("SynchronizeWith: %v", err)
	}
	if !s.IsSynchronized() {
		t.Fatal("expected synchronized after SynchronizeWith")
	}
	if got := s.CurrentSlot(); got != externalSlot {
		t.Fatalf("expected current slot %d after sync, got %d", externalSlot, got)
	}
}

func TestStartMarksSynchronizedAndStopClears(t *testing.T) {
	v := rtos.NewVirtual()
	s := newTestScheduler(v, true, true)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !s.IsSynchronized() {
		t.Fatal("expected synchronized after Start")
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.IsSynchronized() {
		t.Fatal("expected not synchronized after Stop")
	}
}

func TestUpdateConfigEndCurrentResetsTransition(t *testing.T) {
	v := rtos.NewVirtual()
	s := newTestScheduler(v, true, true)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	v.AdvanceTime(450)
	if err := s.UpdateConfig(20, 50, true, true); err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}
	if got := s.CurrentSlot(); got != 0 {
		t.Fatalf("expected slot 0 after ending current superframe, got %d", got)
	}
}

func TestCurrentSlotTypeResolvesFromTable(t *testing.T) {
	v := rtos.NewVirtual()
	s := newTestScheduler(v, true, true)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	table := slot.Table{
		{SlotNumber: 0, Type: slot.ControlTX},
		{SlotNumber: 3, Type: slot.TX},
	}
	if got := s.CurrentSlotType(table); got != slot.ControlTX {
		t.Fatalf("expected CONTROL_TX at slot 0, got %s", got)
	}
	v.AdvanceTime(300)
	if got := s.CurrentSlotType(table); got != slot.TX {
		t.Fatalf("expected TX at slot 3, got %s", got)
	}
}

func TestTransitionCallbackFiresOnRealClock(t *testing.T) {
	rt := rtos.NewReal()
	s := New(rt, Config{TotalSlots: 4, SlotDurationMs: 30, AutoAdvance: true, UpdateStartOnNewFrame: true})

	transitions := make(chan uint16, 16)
	s.OnTransition(func(current uint16, newSuperframe bool) {
		transitions <- current
	})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	select {
	case <-transitions:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a slot transition on the real clock")
	}
}
