package radio

import "sync"

// LoopbackDriver is an in-process Driver backed by a shared Medium,
// used for simulation scenarios and for tests that need many nodes
// without real hardware.
type LoopbackDriver struct {
	medium *Medium

	mu            sync.Mutex
	configured    bool
	cfg           Config
	state         State
	transmitting  bool
	lastRSSI      int8
	lastSNR       int8
	onReceive     ReceiveCallback
	rxQueue       chan receivedFrame
	stopReceiving chan struct{}
}

type receivedFrame struct {
	payload []byte
	rssi    int8
	snr     int8
}

// NewLoopbackDriver creates a driver joined to medium. The driver
// reports a clean link (RSSI -60 dBm, SNR 9 dB), stamps those values on
// every frame it sends, and never changes them.
func NewLoopbackDriver(medium *Medium) *LoopbackDriver {
	d := &LoopbackDriver{
		medium:        medium,
		lastRSSI:      -60,
		lastSNR:       9,
		rxQueue:       make(chan receivedFrame, 64),
		stopReceiving: make(chan struct{}),
	}
	medium.join(d)
	go d.dispatchLoop()
	return d
}

// dispatchLoop drains rxQueue and invokes the receive callback outside
// of the medium's lock, mirroring the "ISR pushes, a task drains"
// contract real radio drivers must honor.
func (d *LoopbackDriver) dispatchLoop() {
	for {
		select {
		case <-d.stopReceiving:
			return
		case frame := <-d.rxQueue:
			d.mu.Lock()
			cb := d.onReceive
			d.mu.Unlock()
			if cb != nil {
				cb(frame.payload, frame.rssi, frame.snr)
			}
		}
	}
}

// deliver is called by Medium for every subscriber a broadcast frame
// reaches; it must not block, so it queues and drops on overflow.
func (d *LoopbackDriver) deliver(payload []byte, rssi, snr int8) {
	cp := make([]byte, len(payload))
	copy(cp, payload)
	select {
	case d.rxQueue <- receivedFrame{payload: cp, rssi: rssi, snr: snr}:
	default:
	}
}

func (d *LoopbackDriver) Configure(cfg Config) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg = cfg
	return nil
}

func (d *LoopbackDriver) Begin(cfg Config) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg = cfg
	d.configured = true
	d.state = StateIdle
	return nil
}

func (d *LoopbackDriver) Sleep() error {
	return d.SetState(StateSleep)
}

func (d *LoopbackDriver) StartReceive() error {
	return d.SetState(StateReceive)
}

func (d *LoopbackDriver) Send(payload []byte) error {
	d.mu.Lock()
	if !d.configured {
		d.mu.Unlock()
		return errNotConfigured()
	}
	d.transmitting = true
	cfg := d.cfg
	d.mu.Unlock()

	d.medium.broadcast(d, payload, d.lastRSSI, d.lastSNR)

	d.mu.Lock()
	d.transmitting = false
	d.mu.Unlock()
	_ = cfg
	return nil
}

func (d *LoopbackDriver) SetState(s State) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.configured {
		return errNotConfigured()
	}
	d.state = s
	return nil
}

func (d *LoopbackDriver) SetOnReceive(cb ReceiveCallback) {
	d.mu.Lock()
	d.onReceive = cb
	d.mu.Unlock()
}

func (d *LoopbackDriver) TimeOnAir(lengthBytes int) uint32 {
	d.mu.Lock()
	cfg := d.cfg
	d.mu.Unlock()
	return estimateTimeOnAirMs(lengthBytes, cfg)
}

func (d *LoopbackDriver) RSSI() int8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastRSSI
}

func (d *LoopbackDriver) SNR() int8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastSNR
}

func (d *LoopbackDriver) IsTransmitting() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transmitting
}

// Close leaves the medium and stops the dispatch loop.
func (d *LoopbackDriver) Close() error {
	d.medium.leave(d)
	close(d.stopReceiving)
	return nil
}

var _ Driver = (*LoopbackDriver)(nil)
