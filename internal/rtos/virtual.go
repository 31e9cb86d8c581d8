package rtos

import (
	"context"
	"runtime"
	"sync"
)

// Virtual is a deterministic, test-only RTOS. Its monotonic counter
// only moves when AdvanceTime is called; nothing in it depends on
// wall-clock time, so protocol scenarios spanning many superframes
// run instantly and repeatably.
type Virtual struct {
	mu      sync.Mutex
	now     uint32
	waiters []*virtualWaiter
}

type virtualWaiter struct {
	deadline uint32
	ch       chan struct{}
	fired    bool
}

// NewVirtual creates a virtual-time RTOS with its clock at 0.
func NewVirtual() *Virtual {
	return &Virtual{}
}

// TickCount returns the current virtual time in milliseconds.
func (v *Virtual) TickCount() uint32 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.now
}

// After returns a channel that fires the moment the virtual clock
// reaches now+ms, whether that happens in one AdvanceTime call or is
// crossed cumulatively over several.
func (v *Virtual) After(ms uint32) <-chan struct{} {
	v.mu.Lock()
	defer v.mu.Unlock()
	ch := make(chan struct{})
	deadline := v.now + ms
	if v.now >= deadline {
		close(ch)
		return ch
	}
	v.waiters = append(v.waiters, &virtualWaiter{deadline: deadline, ch: ch})
	return ch
}

// AdvanceTime moves the virtual clock forward by ms and fires every
// timer whose deadline has now been reached, then yields a handful of
// times so goroutines unblocked by those timers get to run before
// AdvanceTime returns.
func (v *Virtual) AdvanceTime(ms uint32) {
	v.mu.Lock()
	v.now += ms
	now := v.now
	var fire []*virtualWaiter
	remaining := v.waiters[:0]
	for _, w := range v.waiters {
		if !w.fired && now >= w.deadline {
			w.fired = true
			fire = append(fire, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	v.waiters = remaining
	v.mu.Unlock()

	for _, w := range fire {
		close(w.ch)
	}
	for i := 0; i < 50; i++ {
		runtime.Gosched()
	}
}

// CreateTask starts fn in its own goroutine; virtual time only
// affects Clock.After, not actual goroutine scheduling.
func (v *Virtual) CreateTask(name string, fn func(ctx context.Context, t *Task)) *Task {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Task{
		name:   name,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(t.done)
		fn(ctx, t)
	}()
	return t
}

// DeleteTask cancels t's context and waits for its body to return.
func (v *Virtual) DeleteTask(t *Task) {
	t.cancel()
	<-t.done
}

// YieldTask yields the calling goroutine.
func (v *Virtual) YieldTask() {
	runtime.Gosched()
}
