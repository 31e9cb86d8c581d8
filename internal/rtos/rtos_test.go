package rtos

import (
	"context"
	"testing"
	"time"
)

func TestQueueSendReceiveRoundTrip(t *testing.T) {
	v := NewVirtual()
	q := NewQueue[int](2)
	ctx := context.Background()

	if r := q.Send(ctx, v, 42, 0); r != ResultOK {
		t.Fatalf("Send: %v", r)
	}
	got, r := q.Receive(ctx, v, 0)
	if r != ResultOK || got != 42 {
		t.Fatalf("Receive: got %v %v", got, r)
	}
}

func TestQueueSendFullNoWait(t *testing.T) {
	v := NewVirtual()
	q := NewQueue[int](1)
	ctx := context.Background()
	if r := q.Send(ctx, v, 1, 0); r != ResultOK {
		t.Fatalf("first send: %v", r)
	}
	if r := q.Send(ctx, v, 2, 0); r != ResultFull {
		t.Fatalf("expected ResultFull, got %v", r)
	}
}

func TestQueueReceiveEmptyNoWait(t *testing.T) {
	v := NewVirtual()
	q := NewQueue[int](1)
	_, r := q.Receive(context.Background(), v, 0)
	if r != ResultEmpty {
		t.Fatalf("expected ResultEmpty, got %v", r)
	}
}

func TestQueueReceiveTimesOutOnVirtualClock(t *testing.T) {
	v := NewVirtual()
	q := NewQueue[int](1)
	ctx := context.Background()

	resultCh := make(chan QueueResult, 1)
	go func() {
		_, r := q.Receive(ctx, v, 500)
		resultCh <- r
	}()

	for i := 0; i < 20; i++ {
		v.YieldTask()
	}
	v.AdvanceTime(600)

	select {
	case r := <-resultCh:
		if r != ResultTimeout {
			t.Fatalf("expected ResultTimeout, got %v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Receive never returned after AdvanceTime")
	}
}

func TestQueueDeleteWakesWaiters(t *testing.T) {
	v := NewVirtual()
	q := NewQueue[int](1)
	ctx := context.Background()

	resultCh := make(chan QueueResult, 1)
	go func() {
		_, r := q.Receive(ctx, v, MaxDelay)
		resultCh <- r
	}()
	for i := 0; i < 20; i++ {
		v.YieldTask()
	}
	q.Delete()

	select {
	case r := <-resultCh:
		if r != ResultError {
			t.Fatalf("expected ResultError on deleted queue, got %v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Receive never returned after Delete")
	}
}

func TestTaskDeleteWakesBlockedReceive(t *testing.T) {
	v := NewVirtual()
	q := NewQueue[int](1)

	resultCh := make(chan QueueResult, 1)
	task := v.CreateTask("waiter", func(ctx context.Context, self *Task) {
		_, r := q.Receive(ctx, v, MaxDelay)
		resultCh <- r
	})
	for i := 0; i < 20; i++ {
		v.YieldTask()
	}
	v.DeleteTask(task)

	select {
	case r := <-resultCh:
		if r != ResultError {
			t.Fatalf("expected ResultError when task is deleted while waiting, got %v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("task never observed deletion")
	}
}

func TestSemaphoreTakeGive(t *testing.T) {
	v := NewVirtual()
	sem := NewBinarySemaphore()
	ctx := context.Background()

	if sem.Take(ctx, v, 0) {
		t.Fatalf("expected empty semaphore to fail non-blocking take")
	}
	if !sem.Give() {
		t.Fatalf("expected give to succeed")
	}
	if !sem.Take(ctx, v, 0) {
		t.Fatalf("expected take to succeed after give")
	}
}

func TestPauseIsCooperative(t *testing.T) {
	v := NewVirtual()
	iterations := make(chan int, 100)
	task := v.CreateTask("looper", func(ctx context.Context, self *Task) {
		for i := 1; i <= 3; i++ {
			for self.ShouldStopOrPause() && !self.Stopped() {
				v.YieldTask()
			}
			if self.Stopped() {
				return
			}
			iterations <- i
		}
	})

	for i := 0; i < 10; i++ {
		v.YieldTask()
	}
	task.Pause()
	for i := 0; i < 10; i++ {
		v.YieldTask()
	}
	task.Resume()

	timeout := time.After(2 * time.Second)
	last := 0
loop:
	for {
		select {
		case n := <-iterations:
			last = n
			if n >= 3 {
				break loop
			}
		case <-timeout:
			t.Fatalf("task never completed after resume, last=%d", last)
		}
	}
	v.DeleteTask(task)
}

func TestAdvanceTimeCumulative(t *testing.T) {
	v := NewVirtual()
	ch := v.After(1000)
	v.AdvanceTime(400)
	select {
	case <-ch:
		t.Fatalf("timer fired early")
	default:
	}
	v.AdvanceTime(400)
	select {
	case <-ch:
		t.Fatalf("timer fired early")
	default:
	}
	v.AdvanceTime(300)
	select {
	case <-ch:
	default:
		t.Fatalf("timer should have fired after cumulative advance crossed deadline")
	}
}
