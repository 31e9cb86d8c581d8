package radio

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/go-zeromq/zmq4"

	"github.com/loramesh/loramesh/internal/lmerr"
	"github.com/loramesh/loramesh/internal/radio/gw"
)

// ZMQConfig configures a ZMQDriver's gateway connection.
type ZMQConfig struct {
	// PublishURL is where this driver publishes transmitted frames.
	PublishURL string
	// SubscribeURLs are the gateway publish endpoints this driver
	// listens on (a real deployment dials one gateway process).
	SubscribeURLs []string
}

// ZMQDriver talks to a gateway process over ZeroMQ PUB/SUB sockets,
// generalizing the teacher's Concentratord driver. It publishes frames
// to transmit as gw.DownlinkFrame and parses what it receives as
// gw.UplinkFrame, so two ZMQDrivers subscribed directly to each other
// do not decode each other's frames; a gateway sits between them.
type ZMQDriver struct {
	zmqConfig ZMQConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	pubSock zmq4.Socket
	subSock zmq4.Socket

	mu           sync.Mutex
	configured   bool
	cfg          Config
	state        State
	transmitting bool
	lastRSSI     int8
	lastSNR      int8
	onReceive    ReceiveCallback
}

// NewZMQDriver creates a driver bound to zmqConfig's endpoints. The
// sockets are opened in Begin, not here, matching the teacher's
// connect-on-Start lifecycle.
func NewZMQDriver(zmqConfig ZMQConfig) *ZMQDriver {
	ctx, cancel := context.WithCancel(context.Background())
	return &ZMQDriver{
		zmqConfig: zmqConfig,
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (d *ZMQDriver) Configure(cfg Config) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg = cfg
	return nil
}

func (d *ZMQDriver) Begin(cfg Config) error {
	d.mu.Lock()
	if d.configured {
		d.mu.Unlock()
		return lmerr.New(lmerr.KindInvalidState, "radio already started")
	}
	d.cfg = cfg
	d.mu.Unlock()

	d.pubSock = zmq4.NewPub(d.ctx)
	if err := d.pubSock.Listen(d.zmqConfig.PublishURL); err != nil {
		return lmerr.Wrap(lmerr.KindHardwareError, "failed to bind publish socket", err)
	}

	d.subSock = zmq4.NewSub(d.ctx)
	for _, url := range d.zmqConfig.SubscribeURLs {
		if err := d.subSock.Dial(url); err != nil {
			d.pubSock.Close()
			return lmerr.Wrap(lmerr.KindHardwareError, fmt.Sprintf("failed to dial %s", url), err)
		}
	}
	if err := d.subSock.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		d.pubSock.Close()
		d.subSock.Close()
		return lmerr.Wrap(lmerr.KindHardwareError, "failed to subscribe", err)
	}

	d.mu.Lock()
	d.configured = true
	d.state = StateIdle
	d.mu.Unlock()

	d.wg.Add(1)
	go d.receiveLoop()

	log.Printf("radio: ZMQ driver started, pub=%s subs=%v", d.zmqConfig.PublishURL, d.zmqConfig.SubscribeURLs)
	return nil
}

// Close stops the receive loop and closes both sockets.
func (d *ZMQDriver) Close() error {
	d.cancel()
	d.wg.Wait()
	if d.pubSock != nil {
		d.pubSock.Close()
	}
	if d.subSock != nil {
		d.subSock.Close()
	}
	return nil
}

func (d *ZMQDriver) receiveLoop() {
	defer d.wg.Done()
	for {
		msg, err := d.subSock.Recv()
		if err != nil {
			select {
			case <-d.ctx.Done():
				return
			default:
				log.Printf("radio: ZMQ receive error: %v", err)
				continue
			}
		}
		if len(msg.Frames) == 0 {
			continue
		}
		var uplink gw.UplinkFrame
		if err := uplink.UnmarshalBinary(msg.Frames[0]); err != nil {
			log.Printf("radio: malformed uplink frame dropped: %v", err)
			continue
		}

		d.mu.Lock()
		d.lastRSSI = uplink.RSSI
		d.lastSNR = uplink.SNR
		cb := d.onReceive
		d.mu.Unlock()

		if cb != nil {
			cb(uplink.Payload, uplink.RSSI, uplink.SNR)
		}
	}
}

func (d *ZMQDriver) Sleep() error        { return d.SetState(StateSleep) }
func (d *ZMQDriver) StartReceive() error { return d.SetState(StateReceive) }

func (d *ZMQDriver) Send(payload []byte) error {
	d.mu.Lock()
	if !d.configured {
		d.mu.Unlock()
		return errNotConfigured()
	}
	d.transmitting = true
	d.mu.Unlock()

	down := gw.DownlinkFrame{Payload: payload}
	data, err := down.MarshalBinary()
	if err != nil {
		d.mu.Lock()
		d.transmitting = false
		d.mu.Unlock()
		return lmerr.Wrap(lmerr.KindSerializationError, "failed to encode downlink frame", err)
	}

	sendErr := d.pubSock.Send(zmq4.NewMsgFrom(data))

	d.mu.Lock()
	d.transmitting = false
	d.mu.Unlock()

	if sendErr != nil {
		return lmerr.Wrap(lmerr.KindHardwareError, "ZMQ send failed", sendErr)
	}
	return nil
}

func (d *ZMQDriver) SetState(s State) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.configured {
		return errNotConfigured()
	}
	d.state = s
	return nil
}

func (d *ZMQDriver) SetOnReceive(cb ReceiveCallback) {
	d.mu.Lock()
	d.onReceive = cb
	d.mu.Unlock()
}

func (d *ZMQDriver) TimeOnAir(lengthBytes int) uint32 {
	d.mu.Lock()
	cfg := d.cfg
	d.mu.Unlock()
	return estimateTimeOnAirMs(lengthBytes, cfg)
}

func (d *ZMQDriver) RSSI() int8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastRSSI
}

func (d *ZMQDriver) SNR() int8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastSNR
}

func (d *ZMQDriver) IsTransmitting() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transmitting
}

var _ Driver = (*ZMQDriver)(nil)
