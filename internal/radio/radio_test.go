package radio

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLoopbackRoundTrip(t *testing.T) {
	medium := NewMedium(0, 1)
	a := NewLoopbackDriver(medium)
	b := NewLoopbackDriver(medium)
	defer a.Close()
	defer b.Close()

	if err := a.Begin(Config{SpreadingFactor: 7, BandwidthHz: 125000}); err != nil {
		t.Fatalf("a.Begin: %v", err)
	}
	if err := b.Begin(Config{SpreadingFactor: 7, BandwidthHz: 125000}); err != nil {
		t.Fatalf("b.Begin: %v", err)
	}

	received := make(chan []byte, 1)
	b.SetOnReceive(func(payload []byte, rssi, snr int8) {
		received <- payload
	})

	if err := a.Send([]byte("hello mesh")); err != nil {
		t.Fatalf("a.Send: %v", err)
	}

	select {
	case payload := <-received:
		if string(payload) != "hello mesh" {
			t.Fatalf("got payload %q, want %q", payload, "hello mesh")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestLoopbackSenderDoesNotReceiveOwnFrame(t *testing.T) {
	medium := NewMedium(0, 1)
	a := NewLoopbackDriver(medium)
	defer a.Close()

	if err := a.Begin(Config{}); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	received := make(chan []byte, 1)
	a.SetOnReceive(func(payload []byte, rssi, snr int8) { received <- payload })

	if err := a.Send([]byte("echo")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case <-received:
		t.Fatal("sender should not receive its own broadcast")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestLoopbackSendBeforeBeginFails(t *testing.T) {
	medium := NewMedium(0, 1)
	a := NewLoopbackDriver(medium)
	defer a.Close()

	if err := a.Send([]byte("x")); err == nil {
		t.Fatal("expected error sending before Begin")
	}
}

func TestMediumAppliesLossRate(t *testing.T) {
	medium := NewMedium(1.0, 42) // 100% loss
	a := NewLoopbackDriver(medium)
	b := NewLoopbackDriver(medium)
	defer a.Close()
	defer b.Close()

	if err := a.Begin(Config{}); err != nil {
		t.Fatalf("a.Begin: %v", err)
	}
	if err := b.Begin(Config{}); err != nil {
		t.Fatalf("b.Begin: %v", err)
	}

	received := make(chan []byte, 1)
	b.SetOnReceive(func(payload []byte, rssi, snr int8) { received <- payload })

	if err := a.Send([]byte("dropped")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case <-received:
		t.Fatal("expected frame to be dropped at 100% loss rate")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestMediumDeliversToAllSubscribers(t *testing.T) {
	medium := NewMedium(0, 7)
	a := NewLoopbackDriver(medium)
	b := NewLoopbackDriver(medium)
	c := NewLoopbackDriver(medium)
	defer a.Close()
	defer b.Close()
	defer c.Close()

	for _, d := range []*LoopbackDriver{a, b, c} {
		if err := d.Begin(Config{}); err != nil {
			t.Fatalf("Begin: %v", err)
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	b.SetOnReceive(func(payload []byte, rssi, snr int8) { wg.Done() })
	c.SetOnReceive(func(payload []byte, rssi, snr int8) { wg.Done() })

	if err := a.Send([]byte("broadcast")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("not all subscribers received the broadcast")
	}
}

func TestMediumLinkFilterRestrictsDelivery(t *testing.T) {
	medium := NewMedium(0, 9)
	a := NewLoopbackDriver(medium)
	b := NewLoopbackDriver(medium)
	c := NewLoopbackDriver(medium)
	defer a.Close()
	defer b.Close()
	defer c.Close()

	for _, d := range []*LoopbackDriver{a, b, c} {
		if err := d.Begin(Config{}); err != nil {
			t.Fatalf("Begin: %v", err)
		}
	}

	// line topology: a-b and b-c can hear each other, a-c cannot.
	medium.SetLinkFilter(func(sender, recipient *LoopbackDriver) bool {
		return !(sender == a && recipient == c) && !(sender == c && recipient == a)
	})

	var bGot, cGot atomic.Bool
	b.SetOnReceive(func(payload []byte, rssi, snr int8) { bGot.Store(true) })
	c.SetOnReceive(func(payload []byte, rssi, snr int8) { cGot.Store(true) })

	if err := a.Send([]byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !bGot.Load() {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)

	if !bGot.Load() {
		t.Fatal("expected b (in range) to receive the frame")
	}
	if cGot.Load() {
		t.Fatal("expected c (out of range of a) to not receive the frame")
	}
}

func TestTimeOnAirIncreasesWithLength(t *testing.T) {
	medium := NewMedium(0, 1)
	d := NewLoopbackDriver(medium)
	defer d.Close()

	cfg := Config{SpreadingFactor: 9, BandwidthHz: 125000}
	if err := d.Begin(cfg); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	short := d.TimeOnAir(10)
	long := d.TimeOnAir(200)
	if long <= short {
		t.Fatalf("expected longer payload to take more airtime: short=%d long=%d", short, long)
	}
}

func TestStateTransitions(t *testing.T) {
	medium := NewMedium(0, 1)
	d := NewLoopbackDriver(medium)
	defer d.Close()

	if err := d.Begin(Config{}); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := d.Sleep(); err != nil {
		t.Fatalf("Sleep: %v", err)
	}
	if err := d.StartReceive(); err != nil {
		t.Fatalf("StartReceive: %v", err)
	}
	if err := d.SetState(StateTransmit); err != nil {
		t.Fatalf("SetState: %v", err)
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateSleep:    "Sleep",
		StateReceive:  "Receive",
		StateTransmit: "Transmit",
		StateIdle:     "Idle",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}
