package rtos

import (
	"context"
	"runtime"
	"time"
)

// Real is the production RTOS: goroutines for tasks, wall-clock time
// for the monotonic counter and every timeout.
type Real struct {
	epoch time.Time
}

// NewReal creates a wall-clock-backed RTOS. The monotonic counter
// starts at 0 at creation time.
func NewReal() *Real {
	return &Real{epoch: time.Now()}
}

// TickCount returns milliseconds elapsed since this Real was created.
func (r *Real) TickCount() uint32 {
	return uint32(time.Since(r.epoch).Milliseconds())
}

// After returns a channel that fires once ms milliseconds of wall
// time have elapsed.
func (r *Real) After(ms uint32) <-chan struct{} {
	ch := make(chan struct{})
	timer := time.AfterFunc(time.Duration(ms)*time.Millisecond, func() {
		close(ch)
	})
	_ = timer // fires exactly once; nothing further to manage
	return ch
}

// CreateTask starts fn in its own goroutine. The task's context is
// canceled by DeleteTask.
func (r *Real) CreateTask(name string, fn func(ctx context.Context, t *Task)) *Task {
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

// DeleteTask cancels t's context, waking anything it was blocked on
// (queue receive, semaphore take, timer) with ResultError/false
// rather than a spurious success, and waits for the body to return.
func (r *Real) DeleteTask(t *Task) {
	t.cancel()
	<-t.done
}

// YieldTask yields the calling goroutine to the Go scheduler.
func (r *Real) YieldTask() {
	runtime.Gosched()
}
