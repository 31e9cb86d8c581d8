package radio

import (
	"math/rand"
	"sync"
)

// LinkFilter reports whether a frame sent by sender may reach
// recipient. It is consulted before the loss-rate roll, so it models
// topology (who is in radio range of whom) while lossRate models
// transient drops within range.
type LinkFilter func(sender, recipient *LoopbackDriver) bool

// Medium is a shared, lossy broadcast channel connecting any number
// of LoopbackDriver instances, used to drive the multi-node
// simulation scenarios without real radio hardware.
type Medium struct {
	mu          sync.Mutex
	subscribers map[*LoopbackDriver]struct{}
	lossRate    float64 // fraction of frames dropped in transit, [0,1)
	rng         *rand.Rand
	linkFilter  LinkFilter
}

// NewMedium creates a shared medium with the given packet-loss rate.
// seed makes loss decisions reproducible across runs. All joined
// drivers can reach each other until SetLinkFilter says otherwise.
func NewMedium(lossRate float64, seed int64) *Medium {
	return &Medium{
		subscribers: make(map[*LoopbackDriver]struct{}),
		lossRate:    lossRate,
		rng:         rand.New(rand.NewSource(seed)),
	}
}

// SetLinkFilter installs f to restrict which joined drivers can hear
// each other, modeling a topology narrower than full mesh (a line, two
// unconnected partitions, a single bridge link). Passing nil restores
// full connectivity.
func (m *Medium) SetLinkFilter(f LinkFilter) {
	m.mu.Lock()
	m.linkFilter = f
	m.mu.Unlock()
}

func (m *Medium) join(d *LoopbackDriver) {
	m.mu.Lock()
	m.subscribers[d] = struct{}{}
	m.mu.Unlock()
}

func (m *Medium) leave(d *LoopbackDriver) {
	m.mu.Lock()
	delete(m.subscribers, d)
	m.mu.Unlock()
}

// broadcast delivers payload to every subscriber except sender,
// dropping it independently for each recipient per the loss rate.
func (m *Medium) broadcast(sender *LoopbackDriver, payload []byte, rssi, snr int8) {
	m.mu.Lock()
	recipients := make([]*LoopbackDriver, 0, len(m.subscribers))
	for d := range m.subscribers {
		if d == sender {
			continue
		}
		if m.linkFilter != nil && !m.linkFilter(sender, d) {
			continue
		}
		recipients = append(recipients, d)
	}
	lossRate := m.lossRate
	rng := m.rng
	m.mu.Unlock()

	for _, d := range recipients {
		m.mu.Lock()
		dropped := lossRate > 0 && rng.Float64() < lossRate
		m.mu.Unlock()
		if dropped {
			continue
		}
		d.deliver(payload, rssi, snr)
	}
}
