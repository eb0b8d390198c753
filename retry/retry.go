// Package retry implements PendingMessage, the per-reliable-send retry
// state that resends an unacknowledged message on an RTT-driven schedule
// until it is acknowledged, exhausted, or the owning connection clears it.
package retry

import (
	"sync"

	"netcode/timedqueue"
)

// Clock abstracts the peer's virtual millisecond clock.
type Clock interface {
	Now() int64
}

// Scheduler abstracts the peer's timed-event queue.
type Scheduler interface {
	Schedule(dueTime int64, action timedqueue.Action) timedqueue.Handle
}

// Sender abstracts the connection's raw send primitive.
type Sender interface {
	Send(data []byte) error
}

// Deps are the connection-scoped collaborators a PendingMessage needs.
// SmoothRTT returns the connection's current smoothed RTT in ms, or a
// negative value when unknown.
type Deps struct {
	Clock           Clock
	Scheduler       Scheduler
	Sender          Sender
	SmoothRTT       func() float64
	MaxSendAttempts int
	OnExhausted     func(seqID uint16)
	OnCleared       func(seqID uint16, sendAttempts int)
}

// PendingMessage retains the encoded bytes of a single reliably-sent
// message until it is acked, is exhausted, or the connection tears down.
type PendingMessage struct {
	seqID        uint16
	data         []byte
	sendAttempts int
	lastSendTime int64
	cleared      bool
	deps         Deps
	pool         *Pool
}

// SeqID returns the sequence id this message is tracked under.
func (m *PendingMessage) SeqID() uint16 { return m.seqID }

// SendAttempts returns how many times this message has been transmitted.
func (m *PendingMessage) SendAttempts() int { return m.sendAttempts }

// TrySend transmits the message, counts the attempt, and — unless this
// attempt exhausted the retry budget — arms the next resend timer.
func (m *PendingMessage) TrySend() {
	if m.cleared {
		return
	}
	_ = m.deps.Sender.Send(m.data)
	m.sendAttempts++
	m.lastSendTime = m.deps.Clock.Now()
	if m.sendAttempts >= m.deps.MaxSendAttempts {
		if m.deps.OnExhausted != nil {
			m.deps.OnExhausted(m.seqID)
		}
		return
	}
	m.armResendTimer(m.lastSendTime)
}

func (m *PendingMessage) resendDelayMs() int64 {
	smooth := m.deps.SmoothRTT()
	if smooth >= 0 {
		d := int64(smooth * 1.2)
		if d < 10 {
			d = 10
		}
		return d
	}
	return 50
}

// armResendTimer schedules a resend check one delay from now. The event
// captures the last_send_time at scheduling time; if that value is still
// current when the timer fires, nothing else has resent in the meantime
// and TrySend runs. Otherwise another resend already happened and this
// timer just rearms against the newer last_send_time.
func (m *PendingMessage) armResendTimer(initiatedAtTime int64) {
	delay := m.resendDelayMs()
	m.deps.Scheduler.Schedule(m.deps.Clock.Now()+delay, func() {
		if m.cleared {
			return
		}
		if initiatedAtTime == m.lastSendTime {
			m.TrySend()
		} else {
			m.armResendTimer(m.lastSendTime)
		}
	})
}

// Clear flips the cleared flag, contributes this message's final
// send-attempt count to the connection's rolling stat, and returns the
// instance to its pool. Idempotent.
func (m *PendingMessage) Clear() {
	if m.cleared {
		return
	}
	m.cleared = true
	if m.deps.OnCleared != nil {
		m.deps.OnCleared(m.seqID, m.sendAttempts)
	}
	if m.pool != nil {
		m.pool.put(m)
	}
}

// Pool hands out and reclaims PendingMessage instances.
type Pool struct {
	sp sync.Pool
}

// NewPool returns an empty Pool.
func NewPool() *Pool {
	p := &Pool{}
	p.sp.New = func() any { return &PendingMessage{} }
	return p
}

// Get returns a PendingMessage ready to send. It keeps data as given
// without copying it.
func (p *Pool) Get(seqID uint16, data []byte, deps Deps) *PendingMessage {
	m := p.sp.Get().(*PendingMessage)
	m.seqID = seqID
	m.data = data
	m.sendAttempts = 0
	m.lastSendTime = 0
	m.cleared = false
	m.deps = deps
	m.pool = p
	return m
}

func (p *Pool) put(m *PendingMessage) {
	m.data = nil
	p.sp.Put(m)
}
