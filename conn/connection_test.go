package conn

import (
	"testing"

	"github.com/stretchr/testify/require"

	"netcode/quality"
	"netcode/retry"
	"netcode/timedqueue"
	"netcode/wire"
)

type fakeClock struct{ now int64 }

func (c *fakeClock) Now() int64 { return c.now }

// route delivers raw bytes as if the transport had just handed them to the
// destination connection, replicating the minimal slice of Peer.handle_data
// needed to exercise Connection in isolation.
func route(t *testing.T, pool *wire.Pool, dst *Connection, data []byte) {
	t.Helper()
	msg, err := pool.InitFromByte(data)
	require.NoError(t, err)
	defer msg.Release()

	switch msg.Header() {
	case wire.HeaderReliable:
		seq, err := msg.ReadSeqID()
		require.NoError(t, err)
		if dst.ShouldHandle(seq) {
			_, _ = msg.GetUint16() // msg id, unused by the harness
		}
	case wire.HeaderNotify:
		require.NoError(t, dst.ProcessNotify(msg))
	case wire.HeaderUnreliable:
		// not exercised by these tests
	case wire.HeaderAck:
		require.NoError(t, dst.HandleAck(msg))
	case wire.HeaderHeartbeat:
		require.NoError(t, dst.HandleHeartbeat(msg))
	case wire.HeaderWelcome:
		seq, err := msg.ReadSeqID()
		require.NoError(t, err)
		if dst.ShouldHandle(seq) {
			_, err = dst.HandleWelcome(msg)
			require.NoError(t, err)
		}
	case wire.HeaderDisconnect:
		// Not routed into the destination's state machine by these tests;
		// callers that care about the frame's contents read it off the
		// sender's captured bytes instead.
	}
}

type pairedSender struct {
	t    *testing.T
	pool *wire.Pool
	dst  *Connection
}

func (s *pairedSender) Send(data []byte) error {
	route(s.t, s.pool, s.dst, data)
	return nil
}

func newTestConnection(t *testing.T, clock *fakeClock, q *timedqueue.Queue, pool *wire.Pool, pendingPool *retry.Pool, handlers Handlers) (*Connection, *pairedSender) {
	sender := &pairedSender{t: t, pool: pool}
	c := New(Config{
		Clock:                clock,
		Scheduler:            q,
		Sender:               sender,
		MessagePool:          pool,
		PendingPool:          pendingPool,
		Thresholds:           quality.DefaultThresholds(),
		TimeoutTimeMs:        5000,
		ConnectTimeoutTimeMs: 10000,
		CanTimeout:           true,
		Handlers:             handlers,
	})
	return c, sender
}

func TestReliableSendIsAckedAndCleared(t *testing.T) {
	clock := &fakeClock{}
	q := timedqueue.New()
	pool := wire.NewPool()
	pendingPool := retry.NewPool()

	var received []string
	a, senderA := newTestConnection(t, clock, q, pool, pendingPool, Handlers{})
	b, senderB := newTestConnection(t, clock, q, pool, pendingPool, Handlers{
		OnReliableReceived: func(msg *wire.Message) {},
	})
	senderA.dst = b
	senderB.dst = a
	_ = received

	msg, err := pool.NewFromHeaderWithID(wire.HeaderReliable, 1)
	require.NoError(t, err)
	require.NoError(t, msg.AddString("hi"))
	require.NoError(t, a.SendMessage(msg, true))

	require.Equal(t, uint64(1), a.Metrics().UniqueReliablesSent)

	// The ack sendRaw call happened synchronously inside route(); by now a's
	// pending message should already be cleared.
	require.Len(t, a.pendingMessages, 0)
}

func TestReliableDuplicateIsDiscardedButStillAcked(t *testing.T) {
	clock := &fakeClock{}
	q := timedqueue.New()
	pool := wire.NewPool()
	pendingPool := retry.NewPool()

	var deliveries int
	a, senderA := newTestConnection(t, clock, q, pool, pendingPool, Handlers{})
	b, senderB := newTestConnection(t, clock, q, pool, pendingPool, Handlers{
		OnReliableReceived: func(msg *wire.Message) { deliveries++ },
	})
	senderA.dst = b
	senderB.dst = a

	msg, err := pool.NewFromHeaderWithID(wire.HeaderReliable, 1)
	require.NoError(t, err)
	require.NoError(t, a.SendMessage(msg, true))
	require.Equal(t, uint64(1), b.Metrics().ReliableIn)

	// Resend the exact same bytes as a network-level duplicate.
	route(t, pool, b, lastSent(t, pool, 1))
	require.Equal(t, uint64(1), b.Metrics().ReliableDiscardedDuplicates)
	// b acked both the original and the duplicate.
	require.Equal(t, uint64(2), b.Metrics().MessagesOut)
}

// lastSent rebuilds the exact datagram a seq-1 reliable send would have
// produced, for simulating a duplicate delivery.
func lastSent(t *testing.T, pool *wire.Pool, seqID uint16) []byte {
	t.Helper()
	msg, err := pool.NewFromHeaderWithID(wire.HeaderReliable, 1)
	require.NoError(t, err)
	require.NoError(t, msg.BackfillSeqID(seqID))
	return append([]byte(nil), msg.Bytes()...)
}

func TestNotifyDeliveryIsReportedToSender(t *testing.T) {
	clock := &fakeClock{}
	q := timedqueue.New()
	pool := wire.NewPool()
	pendingPool := retry.NewPool()

	var delivered []uint16
	a, senderA := newTestConnection(t, clock, q, pool, pendingPool, Handlers{
		OnNotifyDelivered: func(seqID uint16) { delivered = append(delivered, seqID) },
	})
	b, senderB := newTestConnection(t, clock, q, pool, pendingPool, Handlers{
		OnNotifyReceived: func(msg *wire.Message) {},
	})
	senderA.dst = b
	senderB.dst = a

	msg := pool.NewFromHeader(wire.HeaderNotify)
	require.NoError(t, a.SendMessage(msg, true))

	msg2 := pool.NewFromHeader(wire.HeaderNotify)
	require.NoError(t, a.SendMessage(msg2, true))

	// a only learns its own sends were delivered once b's next outbound
	// notify echoes back what it has received.
	replyMsg := pool.NewFromHeader(wire.HeaderNotify)
	require.NoError(t, b.SendMessage(replyMsg, true))

	require.NotEmpty(t, delivered)
}

func TestHasTimedOutRespectsCanTimeout(t *testing.T) {
	clock := &fakeClock{}
	q := timedqueue.New()
	pool := wire.NewPool()
	pendingPool := retry.NewPool()

	a, _ := newTestConnection(t, clock, q, pool, pendingPool, Handlers{})
	require.False(t, a.HasTimedOut(clock.now))
	clock.now = 10000
	require.True(t, a.HasTimedOut(clock.now))
}

func TestLocalDisconnectClearsPendingAndIsIdempotent(t *testing.T) {
	clock := &fakeClock{}
	q := timedqueue.New()
	pool := wire.NewPool()
	pendingPool := retry.NewPool()

	var reason wire.DisconnectReason
	var calls int
	a, senderA := newTestConnection(t, clock, q, pool, pendingPool, Handlers{
		OnDisconnected: func(r wire.DisconnectReason) { reason = r; calls++ },
	})
	b, senderB := newTestConnection(t, clock, q, pool, pendingPool, Handlers{})
	senderA.dst = b
	senderB.dst = a

	a.LocalDisconnect(wire.DisconnectTimedOut)
	a.LocalDisconnect(wire.DisconnectKicked)
	require.Equal(t, 1, calls)
	require.Equal(t, wire.DisconnectTimedOut, reason)
	require.Equal(t, StateNotConnected, a.State())
}

type recordingSender struct{ sent [][]byte }

func (s *recordingSender) Send(data []byte) error {
	s.sent = append(s.sent, append([]byte(nil), data...))
	return nil
}

func TestLocalDisconnectSendsFrameOnlyForPoorConnection(t *testing.T) {
	clock := &fakeClock{}
	q := timedqueue.New()
	pool := wire.NewPool()
	pendingPool := retry.NewPool()

	sender := &recordingSender{}
	a := New(Config{
		Clock:                clock,
		Scheduler:            q,
		Sender:               sender,
		MessagePool:          pool,
		PendingPool:          pendingPool,
		Thresholds:           quality.DefaultThresholds(),
		TimeoutTimeMs:        5000,
		ConnectTimeoutTimeMs: 10000,
		CanTimeout:           true,
	})

	a.LocalDisconnect(wire.DisconnectTimedOut)
	require.Empty(t, sender.sent, "a plain timeout shouldn't transmit its own disconnect frame")

	b := New(Config{
		Clock:                clock,
		Scheduler:            q,
		Sender:               sender,
		MessagePool:          pool,
		PendingPool:          pendingPool,
		Thresholds:           quality.DefaultThresholds(),
		TimeoutTimeMs:        5000,
		ConnectTimeoutTimeMs: 10000,
		CanTimeout:           true,
	})
	b.LocalDisconnect(wire.DisconnectPoorConnection)
	require.Len(t, sender.sent, 1)

	msg, err := pool.InitFromByte(sender.sent[0])
	require.NoError(t, err)
	defer msg.Release()
	require.Equal(t, wire.HeaderDisconnect, msg.Header())
	reasonByte, err := msg.Buffer().ReadUint8()
	require.NoError(t, err)
	require.Equal(t, uint8(wire.DisconnectPoorConnection), reasonByte)

	// Idempotent: a second call on the already-torn-down connection must
	// not send a second frame.
	b.LocalDisconnect(wire.DisconnectPoorConnection)
	require.Len(t, sender.sent, 1)
}

func TestRTTUpdateSeedsThenBlends(t *testing.T) {
	clock := &fakeClock{}
	q := timedqueue.New()
	pool := wire.NewPool()
	pendingPool := retry.NewPool()

	a, _ := newTestConnection(t, clock, q, pool, pendingPool, Handlers{})
	a.updateRTT(100)
	require.Equal(t, float64(100), a.SmoothRTT())
	a.updateRTT(0)
	require.GreaterOrEqual(t, a.SmoothRTT(), float64(1))
}
