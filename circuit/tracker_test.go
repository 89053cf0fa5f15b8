package circuit_test

import (
	"slices"
	"testing"
	"time"

	"github.com/rflandau/lludp/circuit"
	. "github.com/rflandau/lludp/internal/testsupport"
)

func TestNextOutgoing(t *testing.T) {
	t.Run("strictly increasing", func(t *testing.T) {
		tr := circuit.NewTracker(0, 0)
		var last uint16
		for range 1000 {
			s := tr.NextOutgoing()
			if s <= last {
				t.Fatal("sequence did not increase", ExpectedActual(last+1, s))
			}
			last = s
		}
		if tr.Sequence() != 1000 {
			t.Error("bad current sequence", ExpectedActual(uint16(1000), tr.Sequence()))
		}
	})
	t.Run("wraps to one", func(t *testing.T) {
		tr := circuit.NewTracker(5, 0)
		var got []uint16
		for range 12 {
			got = append(got, tr.NextOutgoing())
		}
		want := []uint16{1, 2, 3, 4, 5, 1, 2, 3, 4, 5, 1, 2}
		if !slices.Equal(want, got) {
			t.Error("bad wrap", ExpectedActual(want, got))
		}
	})
	t.Run("full width never yields zero", func(t *testing.T) {
		tr := circuit.NewTracker(0xFFFF, 0)
		for range 0x1FFFF {
			if tr.NextOutgoing() == 0 {
				t.Fatal("zero sequence number")
			}
		}
	})
}

func TestUnacked(t *testing.T) {
	tr := circuit.NewTracker(0, 0)
	now := time.Now()
	if !tr.RegisterUnacked(1, []byte{1}, now) {
		t.Fatal("first registration refused")
	}
	if tr.RegisterUnacked(1, []byte{2}, now) {
		t.Error("duplicate registration accepted")
	}
	if tr.Unacked() != 1 {
		t.Error("bad unacked count", ExpectedActual(1, tr.Unacked()))
	}

	if !tr.Acknowledge(1) {
		t.Error("ack of registered sequence reported absent")
	}
	// idempotent
	if tr.Acknowledge(1) || tr.Acknowledge(99) || tr.Acknowledge(1<<20) {
		t.Error("re-ack or never-registered ack reported present")
	}
	if tr.Unacked() != 0 || tr.IsUnacked(1) {
		t.Error("entry survived its ack")
	}
}

func TestDueForRetransmit(t *testing.T) {
	tr := circuit.NewTracker(0, 0)
	start := time.Now()
	timeout := 4 * time.Second
	tr.RegisterUnacked(7, []byte{7}, start)
	tr.RegisterUnacked(3, []byte{3}, start)
	tr.RegisterUnacked(9, []byte{9}, start.Add(3*time.Second))

	if due := tr.DueForRetransmit(start.Add(timeout), timeout); len(due) != 0 {
		t.Fatal("nothing should be due at exactly the timeout", len(due))
	}

	now := start.Add(timeout + time.Millisecond)
	due := tr.DueForRetransmit(now, timeout)
	if len(due) != 2 || due[0].Seq != 3 || due[1].Seq != 7 {
		t.Fatalf("expected 3 and 7 due in order, got %d entries", len(due))
	}
	for _, p := range due {
		tr.MarkResent(p.Seq, now)
	}
	// 3.5s on, 3 and 7 are still fresh but 9 has gone stale
	due = tr.DueForRetransmit(now.Add(3*time.Second+500*time.Millisecond), timeout)
	if len(due) != 1 || due[0].Seq != 9 {
		t.Fatal("expected only 9 due")
	}
	tr.MarkResent(9, now.Add(3*time.Second+500*time.Millisecond))

	// one interval later, 3 and 7 are due again
	due = tr.DueForRetransmit(now.Add(timeout+time.Millisecond), timeout)
	if len(due) != 2 || due[0].Resends != 1 {
		t.Fatal("expected a second batch with resend counts of 1")
	}
	tr.Acknowledge(3)
	tr.Acknowledge(7)
	tr.Acknowledge(9)
	if due := tr.DueForRetransmit(now.Add(time.Hour), timeout); len(due) != 0 {
		t.Error("acknowledged entries are still due")
	}
}

func TestRecentInbound(t *testing.T) {
	tr := circuit.NewTracker(0, 3)
	for _, s := range []uint16{1, 2, 3} {
		if tr.IsDuplicate(s) {
			t.Fatal("fresh sequence reported duplicate", s)
		}
		tr.RecordInbound(s)
	}
	if !tr.IsDuplicate(2) {
		t.Error("recorded sequence not reported duplicate")
	}
	// re-recording 1 must not refresh it, so 1 is evicted first
	tr.RecordInbound(1)
	tr.RecordInbound(4)
	if tr.IsDuplicate(1) {
		t.Error("oldest entry was not evicted")
	}
	for _, s := range []uint16{2, 3, 4} {
		if !tr.IsDuplicate(s) {
			t.Error("entry evicted early", s)
		}
	}
}

func TestAckQueue(t *testing.T) {
	tr := circuit.NewTracker(0, 0)
	for _, s := range []uint16{5, 6, 5, 7, 8} {
		tr.QueueAck(s)
	}
	if tr.PendingAcks() != 4 {
		t.Fatal("queuing a seq twice should yield one ACK", ExpectedActual(4, tr.PendingAcks()))
	}
	first := tr.TakeAcks(2)
	if !slices.Equal(first, []uint32{5, 6}) {
		t.Error("bad first batch", ExpectedActual([]uint32{5, 6}, first))
	}
	tr.Requeue(first)
	if all := tr.TakeAcks(100); !slices.Equal(all, []uint32{5, 6, 7, 8}) {
		t.Error("requeued ACKs lost their place", ExpectedActual([]uint32{5, 6, 7, 8}, all))
	}
	if tr.TakeAcks(10) != nil {
		t.Error("empty queue returned ACKs")
	}
	// a taken ACK can be owed again
	tr.QueueAck(5)
	if tr.PendingAcks() != 1 {
		t.Error("re-queue after take was ignored")
	}
}

func TestReset(t *testing.T) {
	tr := circuit.NewTracker(0, 0)
	tr.NextOutgoing()
	tr.RegisterUnacked(1, nil, time.Now())
	tr.QueueAck(4)
	tr.RecordInbound(4)
	tr.Reset()
	if tr.Unacked() != 0 || tr.PendingAcks() != 0 || tr.IsDuplicate(4) {
		t.Error("reset left state behind")
	}
	if tr.Sequence() != 1 {
		t.Error("reset touched the outgoing counter")
	}
}
