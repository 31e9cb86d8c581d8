package rtos

import (
	"context"
	"sync/atomic"
)

// Task is an opaque handle to a running task body. Dropping the
// handle does not stop the task; call DeleteTask for that.
//
// Pause/Resume are cooperative: they set a flag the task body must
// observe via ShouldStopOrPause at its own loop boundaries. This
// replaces the source's blocking suspend/resume acknowledgment
// handshake, which proved flaky to implement deterministically.
type Task struct {
	name   string
	ctx    context.Context
	cancel context.CancelFunc
	paused atomic.Bool
	done   chan struct{}
}

// Name returns the task's diagnostic name.
func (t *Task) Name() string { return t.name }

// Context is canceled when the task is stopped or deleted. Anything
// the task body blocks on (queue receive, semaphore take, timer)
// should select on Context().Done() so it unblocks immediately.
func (t *Task) Context() context.Context { return t.ctx }

// Pause requests the task body pause at its next cooperative check.
func (t *Task) Pause() { t.paused.Store(true) }

// Resume clears a prior Pause request.
func (t *Task) Resume() { t.paused.Store(false) }

// ShouldStopOrPause reports whether the task body should pause
// in place or exit: true if the task has been stopped, or if Pause
// has been requested and not yet cleared by Resume.
func (t *Task) ShouldStopOrPause() bool {
	if t.ctx.Err() != nil {
		return true
	}
	return t.paused.Load()
}

// Stopped reports whether the task's context has been canceled.
func (t *Task) Stopped() bool {
	return t.ctx.Err() != nil
}

// Done is closed once the task body has returned after DeleteTask.
func (t *Task) Done() <-chan struct{} { return t.done }
