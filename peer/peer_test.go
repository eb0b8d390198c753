package peer

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"netcode/conn"
	"netcode/netmetrics"
	"netcode/quality"
	"netcode/retry"
	"netcode/wire"
)

type recordingSender struct{ sent [][]byte }

func (s *recordingSender) Send(data []byte) error {
	s.sent = append(s.sent, append([]byte(nil), data...))
	return nil
}

func newTestBase() *Base {
	return NewBase(Config{
		MessagePool:      wire.NewPool(),
		PendingPool:      retry.NewPool(),
		Thresholds:       quality.DefaultThresholds(),
		TimeoutTimeMs:    5000,
		ConnectTimeoutMs: 10000,
	})
}

func TestUpdateAdvancesClockAndFiresTimers(t *testing.T) {
	b := newTestBase()
	fired := false
	b.Schedule(100, func() { fired = true })

	b.Update(50)
	require.False(t, fired)
	require.Equal(t, int64(50), b.Now())

	b.Update(60)
	require.True(t, fired)
	require.Equal(t, int64(110), b.Now())
}

func TestHandleDataQueuesUnreliableForDispatch(t *testing.T) {
	b := newTestBase()
	sender := &recordingSender{}
	c := b.NewConnection(sender, conn.Handlers{})

	msg, err := b.MessagePool().NewFromHeaderWithID(wire.HeaderUnreliable, 7)
	require.NoError(t, err)
	require.NoError(t, msg.AddString("ping"))
	data := append([]byte(nil), msg.Bytes()...)
	msg.Release()

	ctrl, err := b.HandleData(data, c)
	require.NoError(t, err)
	require.Nil(t, ctrl)

	var seen int
	b.DrainDispatch(func(d Dispatched) {
		seen++
		require.Equal(t, wire.HeaderUnreliable, d.Header)
	})
	require.Equal(t, 1, seen)
	require.Equal(t, uint64(1), c.Metrics().UnreliableIn)
}

func TestUpdateRecordsMetricsFromTrackedConnections(t *testing.T) {
	b := newTestBase()
	sender := &recordingSender{}
	c := b.NewConnection(sender, conn.Handlers{})

	before := testutil.ToFloat64(netmetrics.MessagesReceived.WithLabelValues("unreliable"))

	msg, err := b.MessagePool().NewFromHeaderWithID(wire.HeaderUnreliable, 1)
	require.NoError(t, err)
	data := append([]byte(nil), msg.Bytes()...)
	msg.Release()
	_, err = b.HandleData(data, c)
	require.NoError(t, err)

	b.Update(16)

	require.Equal(t, before+1, testutil.ToFloat64(netmetrics.MessagesReceived.WithLabelValues("unreliable")))

	// A second tick with no new traffic must not double-count the same
	// cumulative counters.
	b.Update(16)
	require.Equal(t, before+1, testutil.ToFloat64(netmetrics.MessagesReceived.WithLabelValues("unreliable")))
}

func TestNewConnectionCountsQualityDisconnectsByReason(t *testing.T) {
	b := newTestBase()
	sender := &recordingSender{}
	c := b.NewConnection(sender, conn.Handlers{})

	before := testutil.ToFloat64(netmetrics.QualityDisconnects)
	c.LocalDisconnect(wire.DisconnectPoorConnection)
	require.Equal(t, before+1, testutil.ToFloat64(netmetrics.QualityDisconnects))
}

func TestHandleDataReturnsControlForHeartbeat(t *testing.T) {
	b := newTestBase()
	sender := &recordingSender{}
	c := b.NewConnection(sender, conn.Handlers{})

	msg := b.MessagePool().NewFromHeader(wire.HeaderHeartbeat)
	require.NoError(t, msg.Buffer().WriteUint8(3))
	require.NoError(t, msg.Buffer().WriteInt16(-1))
	data := append([]byte(nil), msg.Bytes()...)
	msg.Release()

	ctrl, err := b.HandleData(data, c)
	require.NoError(t, err)
	require.NotNil(t, ctrl)
	require.Equal(t, wire.HeaderHeartbeat, ctrl.Header)
	ctrl.Msg.Release()
}
