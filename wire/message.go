package wire

import (
	"fmt"
	"sync"
	"sync/atomic"

	"netcode/bitio"
)

// DefaultMaxPayloadBytes is the default application payload ceiling per
// message, matching the conservative UDP MTU budget used throughout the
// rest of the stack (1225 bytes of payload plus up to 4 bytes of header).
const DefaultMaxPayloadBytes = 1225

// Message is a single framed datagram: a header nibble, mode-dependent
// sequencing fields reserved up front and backfilled later, and a payload.
// Messages are obtained from and released back to a Pool; releasing an
// already-released Message is a no-op.
type Message struct {
	buf      *bitio.BitBuffer
	header   Header
	pool     *Pool
	released bool
}

// Buffer exposes the underlying bit buffer so callers (sequencers,
// connections) can read/write payload fields and backfill reserved header
// bits at a known absolute offset.
func (m *Message) Buffer() *bitio.BitBuffer { return m.buf }

// Header reports the header nibble this message was created with.
func (m *Message) Header() Header { return m.header }

// SendMode reports the send mode derived from this message's header, if any.
func (m *Message) SendMode() (SendMode, bool) { return SendModeOf(m.header) }

// Bytes returns the encoded datagram, valid until the message is reused.
func (m *Message) Bytes() []byte { return m.buf.Bytes() }

// Release returns the message to its owning pool. Safe to call more than
// once; only the first call has an effect.
func (m *Message) Release() {
	if m == nil || m.pool == nil || m.released {
		return
	}
	m.released = true
	m.pool.put(m)
}

// BackfillSeqID writes a 16-bit sequence id into the reserved field of a
// reliable-mode header, immediately after the 4-bit nibble.
func (m *Message) BackfillSeqID(seqID uint16) error {
	return m.buf.SetBits(uint64(seqID), 16, 4)
}

// BackfillNotifyHeader writes the reserved notify header fields in wire
// order: the last received remote sequence id, an 8-bit snapshot of the
// receiver's own received-id window, then this message's own sequence id.
func (m *Message) BackfillNotifyHeader(lastReceivedSeqID uint16, receivedFirst8 uint8, seqID uint16) error {
	if err := m.buf.SetBits(uint64(lastReceivedSeqID), 16, 4); err != nil {
		return err
	}
	if err := m.buf.SetBits(uint64(receivedFirst8), 8, 20); err != nil {
		return err
	}
	return m.buf.SetBits(uint64(seqID), 16, 28)
}

// ReadSeqID reads back the 16-bit sequence id reserved for reliable-mode
// headers.
func (m *Message) ReadSeqID() (uint16, error) {
	v, err := m.buf.GetBits(16, 4)
	return uint16(v), err
}

// ReadNotifyHeader reads back the notify header's three reserved fields, in
// the same order BackfillNotifyHeader writes them.
func (m *Message) ReadNotifyHeader() (lastReceivedSeqID uint16, receivedFirst8 uint8, seqID uint16, err error) {
	v1, err := m.buf.GetBits(16, 4)
	if err != nil {
		return 0, 0, 0, err
	}
	v2, err := m.buf.GetBits(8, 20)
	if err != nil {
		return 0, 0, 0, err
	}
	v3, err := m.buf.GetBits(16, 28)
	if err != nil {
		return 0, 0, 0, err
	}
	return uint16(v1), uint8(v2), uint16(v3), nil
}

// Convenience payload sugar, mirroring the most common fields user code and
// the control-message builders need without reaching into Buffer directly.

func (m *Message) AddUint16(v uint16) error   { return m.buf.WriteUint16(v) }
func (m *Message) AddUint32(v uint32) error   { return m.buf.WriteUint32(v) }
func (m *Message) AddVarUint(v uint64) error  { return m.buf.WriteVarUint(v) }
func (m *Message) AddString(s string) error   { return m.buf.WriteString(s) }
func (m *Message) AddBytes(b []byte) error    { return m.buf.WriteByteArray(b, true) }
func (m *Message) AddBool(v bool) error       { return m.buf.WriteBool(v) }

func (m *Message) GetUint16() (uint16, error)  { return m.buf.ReadUint16() }
func (m *Message) GetUint32() (uint32, error)  { return m.buf.ReadUint32() }
func (m *Message) GetVarUint() (uint64, error) { return m.buf.ReadVarUint() }
func (m *Message) GetString() (string, error)  { return m.buf.ReadString() }
func (m *Message) GetBytes() ([]byte, error)   { return m.buf.ReadByteArrayPrefixed() }
func (m *Message) GetBool() (bool, error)      { return m.buf.ReadBool() }

// Pool hands out and reclaims Messages, enforcing the shared maximum
// payload size. It refuses to change that size while the active-user count
// last passed to SetActiveUsers is above zero. The pool does not count
// connections itself; the count stays at zero until an owner sets it.
type Pool struct {
	maxPayloadBytes int32 // atomic
	activeUsers     int32 // atomic, set by owners via SetActiveUsers
	sp              sync.Pool
}

// ErrPoolInUse is returned by SetMaxPayloadSize when the active-user count
// is above zero.
var ErrPoolInUse = fmt.Errorf("wire: cannot change max payload size while connections are active")

// NewPool returns a Pool with the default maximum payload size.
func NewPool() *Pool {
	p := &Pool{maxPayloadBytes: DefaultMaxPayloadBytes}
	p.sp.New = func() any { return &Message{} }
	return p
}

func (p *Pool) capacityBytes() int {
	return 4 + int(atomic.LoadInt32(&p.maxPayloadBytes))
}

// MaxPayloadBytes returns the current per-message payload ceiling.
func (p *Pool) MaxPayloadBytes() int { return int(atomic.LoadInt32(&p.maxPayloadBytes)) }

// SetMaxPayloadSize changes the payload ceiling. Rejected while the count
// set through SetActiveUsers is above zero.
func (p *Pool) SetMaxPayloadSize(n int) error {
	if atomic.LoadInt32(&p.activeUsers) > 0 {
		return ErrPoolInUse
	}
	atomic.StoreInt32(&p.maxPayloadBytes, int32(n))
	return nil
}

// SetActiveUsers records how many connections currently reference this
// pool's buffers, gating SetMaxPayloadSize.
func (p *Pool) SetActiveUsers(n int) { atomic.StoreInt32(&p.activeUsers, int32(n)) }

func (p *Pool) get() *Message {
	m := p.sp.Get().(*Message)
	m.pool = p
	m.released = false
	return m
}

func (p *Pool) put(m *Message) {
	m.buf = nil
	m.header = 0
	p.sp.Put(m)
}

// NewEmpty returns a header-less message with a fresh, empty buffer, used
// to build a connect/reject payload that is embedded inside another
// message rather than framed on its own.
func (p *Pool) NewEmpty() *Message {
	m := p.get()
	m.buf = bitio.New(p.capacityBytes())
	return m
}

// NewFromHeader writes the header nibble and reserves whatever sequencing
// fields that header's send mode calls for, positioning both cursors right
// after the reserved region so payload writes/reads start cleanly.
func (p *Pool) NewFromHeader(h Header) *Message {
	m := p.get()
	m.buf = bitio.New(p.capacityBytes())
	m.header = h
	_ = m.buf.SetBits(uint64(h), 4, 0)
	headerLen := HeaderLenBits(h)
	m.buf.SetWriteCursor(headerLen)
	m.buf.SetReadCursor(headerLen)
	return m
}

// NewFromHeaderWithID writes the header nibble, reserves sequencing fields,
// then appends a 16-bit message type id right after — the common shape for
// application messages sent via one of the three send modes.
func (p *Pool) NewFromHeaderWithID(h Header, id uint16) (*Message, error) {
	m := p.NewFromHeader(h)
	if err := m.buf.WriteUint16(id); err != nil {
		m.Release()
		return nil, err
	}
	return m, nil
}

// InitFromByte wraps a received datagram, parsing the header nibble from
// its first byte and positioning the read cursor past the reserved
// sequencing region so the caller can read payload fields (or the
// sequencer fields, via ReadSeqID/ReadNotifyHeader) immediately.
func (p *Pool) InitFromByte(data []byte) (*Message, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("wire: empty datagram")
	}
	m := p.get()
	m.buf = bitio.FromBytes(data)
	h, err := m.buf.GetBits(4, 0)
	if err != nil {
		m.Release()
		return nil, err
	}
	m.header = Header(h)
	if mode, ok := SendModeOf(m.header); ok {
		if len(data) < MinLengthForMode(mode) {
			m.Release()
			return nil, fmt.Errorf("wire: datagram too short for header %s: %d bytes", m.header, len(data))
		}
	}
	headerLen := HeaderLenBits(m.header)
	m.buf.SetReadCursor(headerLen)
	m.buf.SetWriteCursor(len(data) * 8)
	return m, nil
}
