package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeaderLenBitsByMode(t *testing.T) {
	require.Equal(t, 4, HeaderLenBits(HeaderUnreliable))
	require.Equal(t, 20, HeaderLenBits(HeaderReliable))
	require.Equal(t, 20, HeaderLenBits(HeaderWelcome))
	require.Equal(t, 20, HeaderLenBits(HeaderClientConnected))
	require.Equal(t, 20, HeaderLenBits(HeaderClientDisconnected))
	require.Equal(t, 44, HeaderLenBits(HeaderNotify))
	require.Equal(t, 4, HeaderLenBits(HeaderAck))
	require.Equal(t, 4, HeaderLenBits(HeaderConnect))
	require.Equal(t, 4, HeaderLenBits(HeaderHeartbeat))
}

func TestPoolReliableRoundTrip(t *testing.T) {
	pool := NewPool()
	msg, err := pool.NewFromHeaderWithID(HeaderReliable, 42)
	require.NoError(t, err)
	require.NoError(t, msg.AddString("hello"))
	require.NoError(t, msg.BackfillSeqID(7))

	encoded := append([]byte(nil), msg.Bytes()...)
	msg.Release()

	received, err := pool.InitFromByte(encoded)
	require.NoError(t, err)
	seq, err := received.ReadSeqID()
	require.NoError(t, err)
	require.Equal(t, uint16(7), seq)

	id, err := received.GetUint16()
	require.NoError(t, err)
	require.Equal(t, uint16(42), id)

	s, err := received.GetString()
	require.NoError(t, err)
	require.Equal(t, "hello", s)
}

func TestPoolNotifyHeaderRoundTrip(t *testing.T) {
	pool := NewPool()
	msg := pool.NewFromHeader(HeaderNotify)
	require.NoError(t, msg.AddUint32(99))
	require.NoError(t, msg.BackfillNotifyHeader(9, 0b10101, 5))

	encoded := append([]byte(nil), msg.Bytes()...)
	msg.Release()

	received, err := pool.InitFromByte(encoded)
	require.NoError(t, err)
	lastRecv, first8, seq, err := received.ReadNotifyHeader()
	require.NoError(t, err)
	require.Equal(t, uint16(9), lastRecv)
	require.Equal(t, uint8(0b10101), first8)
	require.Equal(t, uint16(5), seq)

	v, err := received.GetUint32()
	require.NoError(t, err)
	require.Equal(t, uint32(99), v)
}

func TestPoolReleaseIsIdempotent(t *testing.T) {
	pool := NewPool()
	msg := pool.NewFromHeader(HeaderHeartbeat)
	msg.Release()
	require.NotPanics(t, func() { msg.Release() })
}

func TestPoolRejectsResizeWhileActive(t *testing.T) {
	pool := NewPool()
	pool.SetActiveUsers(1)
	err := pool.SetMaxPayloadSize(500)
	require.ErrorIs(t, err, ErrPoolInUse)

	pool.SetActiveUsers(0)
	require.NoError(t, pool.SetMaxPayloadSize(500))
	require.Equal(t, 500, pool.MaxPayloadBytes())
}

func TestInitFromByteRejectsShortReliableDatagram(t *testing.T) {
	pool := NewPool()
	// header nibble says reliable (needs 3 bytes min) but only 2 given.
	_, err := pool.InitFromByte([]byte{byte(HeaderReliable), 0x00})
	require.Error(t, err)
}

func TestNewEmptyHasNoReservedHeader(t *testing.T) {
	pool := NewPool()
	msg := pool.NewEmpty()
	require.NoError(t, msg.AddUint16(1234))
	encoded := append([]byte(nil), msg.Bytes()...)
	require.Len(t, encoded, 2)
}
