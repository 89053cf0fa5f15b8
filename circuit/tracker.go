package circuit

import (
	"slices"
	"time"

	"github.com/hashicorp/golang-lru/simplelru"
)

// A Pending packet is a reliable packet awaiting acknowledgement.
type Pending struct {
	Seq     uint16
	Packet  []byte // the full datagram as first sent
	Sent    time.Time
	Resends int
}

// A Tracker holds the sequence state of one circuit:
// the outgoing counter, the unacked (retransmit) set, the recently received sequence numbers and the ACKs owed to the peer.
//
// Trackers are not safe for concurrent use; Circuit guards its tracker with a single mutex.
type Tracker struct {
	maxSeq  uint16
	seq     uint16 // last assigned
	unacked map[uint16]*Pending
	recent  *simplelru.LRU // inbound sequence numbers, oldest evicted first
	pending []uint32       // ACKs owed, in arrival order
	owed    map[uint32]struct{}
}

// NewTracker returns a tracker whose counter wraps after maxSeq and that remembers the last recentCap inbound sequence numbers.
func NewTracker(maxSeq uint16, recentCap int) *Tracker {
	if maxSeq == 0 {
		maxSeq = DefaultMaxSequence
	}
	if recentCap < 1 {
		recentCap = DefaultRecentInbound
	}
	lru, err := simplelru.NewLRU(recentCap, nil)
	if err != nil { // only on a non-positive size
		panic(err)
	}
	return &Tracker{
		maxSeq:  maxSeq,
		unacked: make(map[uint16]*Pending),
		recent:  lru,
		owed:    make(map[uint32]struct{}),
	}
}

// NextOutgoing increments and returns the outgoing sequence number.
// The counter wraps to 1 after the configured maximum; 0 is never returned.
func (t *Tracker) NextOutgoing() uint16 {
	if t.seq >= t.maxSeq {
		t.seq = 1
	} else {
		t.seq++
	}
	return t.seq
}

// Sequence returns the last sequence number handed out (0 if none).
func (t *Tracker) Sequence() uint16 { return t.seq }

// RegisterUnacked adds a packet to the retransmit set.
// Returns false (leaving the prior entry in place) if seq is already registered.
func (t *Tracker) RegisterUnacked(seq uint16, packet []byte, now time.Time) bool {
	if _, found := t.unacked[seq]; found {
		return false
	}
	t.unacked[seq] = &Pending{Seq: seq, Packet: packet, Sent: now}
	return true
}

// Acknowledge removes seq from the retransmit set.
// Returns false if it was not present; acknowledging twice is harmless.
func (t *Tracker) Acknowledge(seq uint32) bool {
	if seq > 0xFFFF {
		return false
	}
	if _, found := t.unacked[uint16(seq)]; !found {
		return false
	}
	delete(t.unacked, uint16(seq))
	return true
}

// IsUnacked reports whether seq is awaiting acknowledgement.
func (t *Tracker) IsUnacked(seq uint16) bool {
	_, found := t.unacked[seq]
	return found
}

// Unacked returns the size of the retransmit set.
func (t *Tracker) Unacked() int { return len(t.unacked) }

// DueForRetransmit returns every unacked packet whose last send is more than timeout before now, in sequence order.
// The tracker does not consider them resent until MarkResent is called.
func (t *Tracker) DueForRetransmit(now time.Time, timeout time.Duration) []*Pending {
	var due []*Pending
	for _, p := range t.unacked {
		if now.Sub(p.Sent) > timeout {
			due = append(due, p)
		}
	}
	slices.SortFunc(due, func(a, b *Pending) int { return int(a.Seq) - int(b.Seq) })
	return due
}

// MarkResent records that seq was resent at now.
func (t *Tracker) MarkResent(seq uint16, now time.Time) {
	if p, found := t.unacked[seq]; found {
		p.Sent = now
		p.Resends++
	}
}

// IsDuplicate reports whether seq was among the recently recorded inbound sequence numbers.
func (t *Tracker) IsDuplicate(seq uint16) bool {
	return t.recent.Contains(seq)
}

// RecordInbound remembers seq, evicting the oldest entry if at capacity.
// Recording a sequence number already present does not refresh its age.
func (t *Tracker) RecordInbound(seq uint16) {
	if !t.recent.Contains(seq) {
		t.recent.Add(seq, nil)
	}
}

// QueueAck notes that seq must be acknowledged. Queuing the same seq twice before a flush yields a single ACK.
func (t *Tracker) QueueAck(seq uint16) {
	if _, found := t.owed[uint32(seq)]; found {
		return
	}
	t.owed[uint32(seq)] = struct{}{}
	t.pending = append(t.pending, uint32(seq))
}

// PendingAcks returns the number of ACKs owed.
func (t *Tracker) PendingAcks() int { return len(t.pending) }

// TakeAcks removes and returns up to max owed ACKs, oldest first.
func (t *Tracker) TakeAcks(max int) []uint32 {
	n := min(max, len(t.pending))
	if n <= 0 {
		return nil
	}
	out := slices.Clone(t.pending[:n])
	t.pending = slices.Delete(t.pending, 0, n)
	for _, s := range out {
		delete(t.owed, s)
	}
	return out
}

// Requeue puts ACKs back at the front of the owed list, for when a send that carried them failed before reaching the wire.
func (t *Tracker) Requeue(acks []uint32) {
	fresh := make([]uint32, 0, len(acks))
	for _, s := range acks {
		if _, found := t.owed[s]; !found {
			t.owed[s] = struct{}{}
			fresh = append(fresh, s)
		}
	}
	t.pending = append(fresh, t.pending...)
}

// Reset drops all unacked packets, owed ACKs and inbound history.
// The outgoing counter is left alone.
func (t *Tracker) Reset() {
	clear(t.unacked)
	clear(t.owed)
	t.pending = nil
	t.recent.Purge()
}
