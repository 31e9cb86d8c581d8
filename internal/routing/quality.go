package routing

import "github.com/loramesh/loramesh/internal/wire"

// linkEstimator tracks a sliding-window reception ratio to one direct
// neighbor plus the neighbor's own self-reported quality.
type linkEstimator struct {
	expected       uint32
	received       uint32
	remoteReported uint8
	haveRemote     bool
}

func (t *Table) estimatorLocked(addr wire.Address) *linkEstimator {
	le, ok := t.quality[addr]
	if !ok {
		le = &linkEstimator{}
		t.quality[addr] = le
	}
	return le
}

// localQualityLocked computes local_quality = min(255, 255*received/expected),
// or 0 when nothing has been expected yet. Must be called with t.mu held.
func (t *Table) localQualityLocked(addr wire.Address) uint8 {
	le, ok := t.quality[addr]
	if !ok || le.expected == 0 {
		return 0
	}
	q := 255 * le.received / le.expected
	if q > 255 {
		q = 255
	}
	return uint8(q)
}

// ExpectMessage records that a message was expected from addr during
// this superframe (called by the scheduler for each direct neighbor).
func (t *Table) ExpectMessage(addr wire.Address) {
	t.mu.Lock()
	t.estimatorLocked(addr).expected++
	t.mu.Unlock()
}

// ReceivedMessage records an actual reception from addr, and the
// remote-reported quality carried in that frame (if any).
func (t *Table) ReceivedMessage(addr wire.Address, remoteReportedQuality uint8) {
	t.mu.Lock()
	le := t.estimatorLocked(addr)
	le.received++
	le.remoteReported = remoteReportedQuality
	le.haveRemote = true
	t.mu.Unlock()
}

// compositeQualityLocked computes current_link_quality: the average of
// local and remote-reported quality once a remote report is known,
// otherwise local quality alone. Must be called with t.mu held.
func (t *Table) compositeQualityLocked(addr wire.Address) uint8 {
	local := t.localQualityLocked(addr)
	le, ok := t.quality[addr]
	if !ok || !le.haveRemote {
		return local
	}
	return uint8((uint16(local) + uint16(le.remoteReported)) / 2)
}

// CalculateQuality returns the composite link quality to addr:
// the average of local and remote-reported quality when a remote
// report is known, otherwise local quality alone.
func (t *Table) CalculateQuality(addr wire.Address) uint8 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.compositeQualityLocked(addr)
}

// ResetQuality clears the sliding-window counters for addr. Never
// called implicitly by UpdateRoute or message processing.
func (t *Table) ResetQuality(addr wire.Address) {
	t.mu.Lock()
	delete(t.quality, addr)
	t.mu.Unlock()
}
