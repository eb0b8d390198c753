// Package sequencer implements 16-bit modular sequence arithmetic plus the
// two per-connection sequencing strategies used by the reliable and notify
// send modes.
package sequencer

import "netcode/bitfield"

// Gap returns the signed distance from b to a on a 16-bit sequence number
// circle: positive when a is ahead of b, negative when behind, choosing
// whichever direction is shorter. gap(a, b) == -gap(b, a) and
// |gap(a, b)| <= 32768 always hold.
func Gap(a, b uint16) int32 {
	d := int32(a) - int32(b)
	if d >= -32768 && d <= 32768 {
		return d
	}
	wrap := func(x uint16) int32 {
		if x <= 32768 {
			return 65536 + int32(x)
		}
		return int32(x)
	}
	return wrap(a) - wrap(b)
}

// GreaterThan reports whether a is strictly ahead of b in sequence order.
func GreaterThan(a, b uint16) bool { return Gap(a, b) > 0 }

// Notify tracks at-most-once, unordered-relative-to-head delivery: a
// message older than the current receive head is dropped outright rather
// than merged into the window, and the sender learns of delivery or loss
// from the 8-bit received-id snapshot the remote echoes back in every
// outbound notify header.
type Notify struct {
	nextSeqID uint16

	lastReceivedSeqID uint16
	receivedSeqIDs    bitfield.Fixed

	lastAckedSeqID uint16
}

// NewNotify returns a fresh Notify sequencer with next_seq_id starting at 1.
func NewNotify() *Notify { return &Notify{nextSeqID: 1} }

// NextHeader reserves the next outgoing sequence id and returns the three
// fields that make up a notify header's reserved 40 bits: the local
// receive head, an 8-bit snapshot of ids received just before it, and the
// newly reserved id itself.
func (n *Notify) NextHeader() (seqID uint16, lastReceivedSeqID uint16, receivedFirst8 uint8) {
	seqID = n.nextSeqID
	n.nextSeqID++
	return seqID, n.lastReceivedSeqID, n.receivedSeqIDs.First8()
}

// ShouldHandle reports whether an incoming notify message advances the
// receive head and has not already been recorded. Anything at or behind
// the current head (duplicate or out-of-order) is dropped.
func (n *Notify) ShouldHandle(incomingSeq uint16) bool {
	gap := Gap(incomingSeq, n.lastReceivedSeqID)
	if gap <= 0 {
		return false
	}
	g := int(gap)
	n.receivedSeqIDs.ShiftBy(g)
	n.lastReceivedSeqID = incomingSeq
	if n.receivedSeqIDs.IsSet(g) {
		return false
	}
	n.receivedSeqIDs.Set(g)
	return true
}

// ProcessAck folds a remote's echoed receive head and 8-bit received
// snapshot into the sender-side delivery bookkeeping, calling onLost for
// every sequence id that fell out of range without confirmation and
// onDelivered for every id now confirmed received.
func (n *Notify) ProcessAck(remoteLastReceived uint16, remoteReceivedFirst8 uint8, onLost, onDelivered func(seqID uint16)) {
	gap := Gap(remoteLastReceived, n.lastAckedSeqID)
	if gap <= 0 {
		return
	}
	for gap > 9 {
		n.lastAckedSeqID++
		if onLost != nil {
			onLost(n.lastAckedSeqID)
		}
		gap--
	}
	bitCount := int(gap) - 1
	for idx := 0; idx < bitCount; idx++ {
		pos := bitCount - idx // walks from the oldest unresolved id to the newest
		seq := remoteLastReceived - uint16(pos)
		bit := (remoteReceivedFirst8 >> uint(pos-1)) & 1
		if bit == 1 {
			if onDelivered != nil {
				onDelivered(seq)
			}
		} else if onLost != nil {
			onLost(seq)
		}
	}
	n.lastAckedSeqID = remoteLastReceived
	if onDelivered != nil {
		onDelivered(n.lastAckedSeqID)
	}
}

// Reliable tracks duplicate-suppressed, acked delivery. New messages are
// delivered in arrival order, including ones older than the newest seen.
// Positions in receivedSeqIDs/ackedSeqIDs record "head minus position"; the
// head itself is tracked only as a scalar and never occupies a position.
type Reliable struct {
	nextSeqID uint16

	lastReceivedSeqID uint16
	receivedSeqIDs    bitfield.Fixed

	lastAckedSeqID uint16
	ackedSeqIDs    bitfield.Fixed
}

// NewReliable returns a fresh Reliable sequencer with next_seq_id starting
// at 1.
func NewReliable() *Reliable { return &Reliable{nextSeqID: 1} }

// NextSeqID reserves and returns the next outgoing sequence id.
func (r *Reliable) NextSeqID() uint16 {
	id := r.nextSeqID
	r.nextSeqID++
	return id
}

// ShouldHandle reports whether an incoming reliable message is new. An ack
// is owed for incomingSeq regardless of the return value; AckFields builds
// it.
func (r *Reliable) ShouldHandle(incomingSeq uint16) (handle bool) {
	gap := Gap(incomingSeq, r.lastReceivedSeqID)
	switch {
	case gap == 0:
		return false
	case gap > 0:
		g := int(gap)
		r.receivedSeqIDs.ShiftBy(g)
		r.lastReceivedSeqID = incomingSeq
		handle = !r.receivedSeqIDs.IsSet(g)
		r.receivedSeqIDs.Set(g)
		return handle
	default:
		g := int(-gap)
		handle = !r.receivedSeqIDs.IsSet(g)
		r.receivedSeqIDs.Set(g)
		return handle
	}
}

// AckFields builds the payload of an ack control message owed for
// incomingSeq.
func (r *Reliable) AckFields(incomingSeq uint16) (lastReceivedSeqID uint16, receivedFirst16 uint16, hasExplicitTarget bool, explicitSeq uint16) {
	hasExplicitTarget = incomingSeq != r.lastReceivedSeqID
	return r.lastReceivedSeqID, r.receivedSeqIDs.First16(), hasExplicitTarget, incomingSeq
}

// HandleAck folds a received ack into the sender-side window. clearPending
// and resendPending act on the connection's pending-message table;
// clearPending must be idempotent (PendingMessage.Clear already is).
func (r *Reliable) HandleAck(remoteLastReceived uint16, remoteAcks uint16, hasExplicitTarget bool, explicitSeq uint16, clearPending func(seqID uint16), resendPending func(seqID uint16)) {
	if hasExplicitTarget {
		clearPending(explicitSeq)
	} else {
		clearPending(remoteLastReceived)
	}

	gap := Gap(remoteLastReceived, r.lastAckedSeqID)
	switch {
	case gap > 0:
		g := int(gap)
		oldHead := r.lastAckedSeqID
		for {
			ok, _ := r.ackedSeqIDs.HasCapacityFor(g)
			if ok {
				break
			}
			wasSet, pos := r.ackedSeqIDs.CheckAndTrimLast()
			droppedSeq := oldHead - uint16(pos)
			if !wasSet {
				if resendPending != nil {
					resendPending(droppedSeq)
				}
			} else {
				clearPending(droppedSeq)
			}
		}
		r.ackedSeqIDs.ShiftBy(g)
		r.lastAckedSeqID = remoteLastReceived
		for i := 0; i < 16; i++ {
			if remoteAcks&(1<<uint(i)) != 0 && !r.ackedSeqIDs.IsSet(i+1) {
				clearPending(r.lastAckedSeqID - uint16(i+1))
			}
		}
		r.ackedSeqIDs.Combine(uint64(remoteAcks))
		r.ackedSeqIDs.Set(g)
		clearPending(remoteLastReceived)
	case gap < 0:
		r.ackedSeqIDs.Set(int(-gap))
	default:
		r.ackedSeqIDs.Combine(uint64(remoteAcks))
	}
}
