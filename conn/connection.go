// Package conn implements the per-peer connection state machine: RTT
// tracking, heartbeats, the welcome handshake, reliable/notify sequencing,
// and quality-based disconnection.
package conn

import (
	"netcode/quality"
	"netcode/retry"
	"netcode/sequencer"
	"netcode/timedqueue"
	"netcode/wire"
)

// State is a connection's lifecycle stage.
type State int

const (
	StateNotConnected State = iota
	StateConnecting
	StatePending
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateNotConnected:
		return "notConnected"
	case StateConnecting:
		return "connecting"
	case StatePending:
		return "pending"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Clock abstracts the owning peer's virtual millisecond clock.
type Clock interface {
	Now() int64
}

// Scheduler abstracts the owning peer's timed-event queue.
type Scheduler interface {
	Schedule(dueTime int64, action timedqueue.Action) timedqueue.Handle
}

// Sender abstracts the raw byte-send primitive for this connection's
// remote endpoint.
type Sender interface {
	Send(data []byte) error
}

// Metrics counts bytes/messages in and out, split by mode, plus discard
// and delivery outcomes. Every field is cumulative for the life of the
// Connection; callers wanting a rate diff successive snapshots themselves.
type Metrics struct {
	BytesIn, BytesOut           uint64
	MessagesIn, MessagesOut     uint64
	UnreliableIn, UnreliableOut uint64
	ReliableIn, ReliableOut     uint64
	NotifyIn, NotifyOut         uint64
	ReliableDiscardedDuplicates uint64
	UniqueReliablesSent         uint64
	ReliableResent              uint64
	NotifyDelivered, NotifyLost uint64
}

// Handlers are the callbacks a Connection invokes when it needs help from
// its owning Peer: delivering user payloads, reporting notify outcomes,
// and announcing disconnects.
type Handlers struct {
	OnReliableReceived   func(msg *wire.Message)
	OnUnreliableReceived func(msg *wire.Message)
	OnNotifyReceived     func(msg *wire.Message)
	OnNotifyDelivered    func(seqID uint16)
	OnNotifyLost         func(seqID uint16)
	OnDisconnected       func(reason wire.DisconnectReason)
	OnConnected          func()
}

// Config bundles a Connection's fixed collaborators and tunables.
type Config struct {
	Clock               Clock
	Scheduler           Scheduler
	Sender              Sender
	MessagePool         *wire.Pool
	PendingPool         *retry.Pool
	Thresholds          quality.Thresholds
	TimeoutTimeMs       int64
	ConnectTimeoutTimeMs int64
	CanTimeout          bool
	Handlers            Handlers
}

// Connection is one endpoint's view of a single peer-to-peer link.
type Connection struct {
	cfg   Config
	id    uint16
	state State

	rtt       float64
	smoothRtt float64

	pendingMessages map[uint16]*retry.PendingMessage

	notifySeq   *sequencer.Notify
	reliableSeq *sequencer.Reliable

	lastHeartbeat int64

	pendingPingID       uint8
	nextPingID          uint8
	pendingPingSendTime int64
	hasPendingPing      bool

	wasRejected bool

	metrics Metrics
	quality *quality.Monitor
}

// New returns a freshly-created Connection in the connecting state.
func New(cfg Config) *Connection {
	c := &Connection{
		cfg:             cfg,
		state:           StateConnecting,
		rtt:             -1,
		smoothRtt:       -1,
		pendingMessages: make(map[uint16]*retry.PendingMessage),
		notifySeq:       sequencer.NewNotify(),
		reliableSeq:     sequencer.NewReliable(),
		quality:         quality.NewMonitor(cfg.Thresholds),
	}
	c.lastHeartbeat = cfg.Clock.Now()
	return c
}

func (c *Connection) ID() uint16      { return c.id }
func (c *Connection) SetID(id uint16) { c.id = id }
func (c *Connection) State() State    { return c.state }
func (c *Connection) RTT() float64    { return c.rtt }
func (c *Connection) SmoothRTT() float64 { return c.smoothRtt }
func (c *Connection) Metrics() Metrics { return c.metrics }

func (c *Connection) setState(s State) { c.state = s }

// SetPending moves a connecting connection to the pending state, used by a
// server while an application handle_connection callback decides whether
// to accept or reject.
func (c *Connection) SetPending() {
	if c.state == StateConnecting {
		c.setState(StatePending)
	}
}

// HasTimedOut reports whether a connected connection has gone silent past
// its timeout window.
func (c *Connection) HasTimedOut(now int64) bool {
	return c.cfg.CanTimeout && now-c.lastHeartbeat > c.cfg.TimeoutTimeMs
}

// HasConnectAttemptTimedOut reports whether a not-yet-connected connection
// has gone silent past the peer-wide connect timeout. Ignores CanTimeout.
func (c *Connection) HasConnectAttemptTimedOut(now int64) bool {
	return now-c.lastHeartbeat > c.cfg.ConnectTimeoutTimeMs
}

// touchHeartbeat resets the liveness clock; called on any received frame
// that counts as a heartbeat signal.
func (c *Connection) touchHeartbeat() { c.lastHeartbeat = c.cfg.Clock.Now() }

// updateRTT applies the EWMA smoothing rule: the first measurement seeds
// both rtt and smoothRtt; later ones blend 70% old / 30% new.
func (c *Connection) updateRTT(measuredMs float64) {
	c.rtt = measuredMs
	if c.smoothRtt < 0 {
		c.smoothRtt = measuredMs
		return
	}
	blended := 0.7*c.smoothRtt + 0.3*measuredMs
	if blended < 1 {
		blended = 1
	}
	c.smoothRtt = float64(int64(blended + 0.5))
}

func (c *Connection) smoothRTTOrUnknown() float64 { return c.smoothRtt }

// TouchHeartbeat resets the liveness clock from an owner that has already
// decided a received frame counts as a heartbeat signal (used by the peer
// base for headers it routes without going through a Connection method).
func (c *Connection) TouchHeartbeat() { c.touchHeartbeat() }

// RecordInboundBytes accounts one received datagram of the given size
// against the generic in/bytes counters, regardless of header kind.
func (c *Connection) RecordInboundBytes(bytes int) {
	c.metrics.BytesIn += uint64(bytes)
	c.metrics.MessagesIn++
}

// RecordUnreliableIn bumps the unreliable-specific inbound counter. Byte
// accounting happens once per datagram via RecordInboundBytes, regardless
// of header kind, so this tracks the per-mode split and resets the
// liveness clock.
func (c *Connection) RecordUnreliableIn() {
	c.metrics.UnreliableIn++
	c.touchHeartbeat()
}

// SendMessage transmits msg according to its send mode: reliable sends are
// tracked via a PendingMessage and retried until acked; notify sends stamp
// the notify header; unreliable sends go out as-is.
func (c *Connection) SendMessage(msg *wire.Message, releaseAfter bool) error {
	defer func() {
		if releaseAfter {
			msg.Release()
		}
	}()
	mode, hasMode := msg.SendMode()
	if !hasMode {
		return c.sendRaw(msg)
	}
	switch mode {
	case wire.ModeReliable:
		seqID := c.reliableSeq.NextSeqID()
		if err := msg.BackfillSeqID(seqID); err != nil {
			return err
		}
		data := append([]byte(nil), msg.Bytes()...)
		pm := c.cfg.PendingPool.Get(seqID, data, retry.Deps{
			Clock:           c.cfg.Clock,
			Scheduler:       c.cfg.Scheduler,
			Sender:          c.cfg.Sender,
			SmoothRTT:       c.smoothRTTOrUnknown,
			MaxSendAttempts: c.cfg.Thresholds.MaxSendAttempts,
			OnExhausted:     c.handleSendExhausted,
			OnCleared:       c.handleSendCleared,
		})
		c.pendingMessages[seqID] = pm
		c.metrics.UniqueReliablesSent++
		c.metrics.ReliableOut++
		pm.TrySend()
		return nil
	case wire.ModeNotify:
		seqID, lastReceived, first8 := c.notifySeq.NextHeader()
		if err := msg.BackfillNotifyHeader(lastReceived, first8, seqID); err != nil {
			return err
		}
		c.metrics.NotifyOut++
		return c.sendRaw(msg)
	default:
		c.metrics.UnreliableOut++
		return c.sendRaw(msg)
	}
}

func (c *Connection) sendRaw(msg *wire.Message) error {
	data := msg.Bytes()
	c.metrics.BytesOut += uint64(len(data))
	c.metrics.MessagesOut++
	return c.cfg.Sender.Send(data)
}

func (c *Connection) handleSendExhausted(seqID uint16) {
	if pm, ok := c.pendingMessages[seqID]; ok {
		pm.Clear()
		delete(c.pendingMessages, seqID)
	}
	if c.cfg.Thresholds.CanQualityDisconnect {
		c.LocalDisconnect(wire.DisconnectPoorConnection)
	}
}

func (c *Connection) handleSendCleared(seqID uint16, attempts int) {
	c.quality.RecordSendAttempts(attempts)
	if c.quality.ShouldDisconnect(attempts) {
		c.LocalDisconnect(wire.DisconnectPoorConnection)
	}
}

func (c *Connection) clearPending(seqID uint16) {
	if pm, ok := c.pendingMessages[seqID]; ok {
		pm.Clear()
		delete(c.pendingMessages, seqID)
	}
}

func (c *Connection) resendPending(seqID uint16) {
	if pm, ok := c.pendingMessages[seqID]; ok {
		c.metrics.ReliableResent++
		pm.TrySend()
	}
}

// ShouldHandle applies the reliable sequencer to an incoming message,
// sending the owed ack as a side effect, and reports whether the caller
// should deliver it to the application.
func (c *Connection) ShouldHandle(incomingSeq uint16) bool {
	handle := c.reliableSeq.ShouldHandle(incomingSeq)
	c.sendAck(incomingSeq)
	if !handle {
		c.metrics.ReliableDiscardedDuplicates++
	} else {
		c.metrics.ReliableIn++
	}
	c.touchHeartbeat()
	return handle
}

func (c *Connection) sendAck(incomingSeq uint16) {
	lastReceived, acks, hasExplicit, explicitSeq := c.reliableSeq.AckFields(incomingSeq)
	msg := c.cfg.MessagePool.NewFromHeader(wire.HeaderAck)
	defer msg.Release()
	_ = msg.AddUint16(lastReceived)
	_ = msg.AddUint16(acks)
	_ = msg.AddBool(hasExplicit)
	if hasExplicit {
		_ = msg.AddUint16(explicitSeq)
	}
	_ = c.sendRaw(msg)
}

// HandleAck processes a received ack control message.
func (c *Connection) HandleAck(msg *wire.Message) error {
	lastReceived, err := msg.GetUint16()
	if err != nil {
		return err
	}
	acks, err := msg.GetUint16()
	if err != nil {
		return err
	}
	hasExplicit, err := msg.GetBool()
	if err != nil {
		return err
	}
	var explicitSeq uint16
	if hasExplicit {
		explicitSeq, err = msg.GetUint16()
		if err != nil {
			return err
		}
	}
	c.reliableSeq.HandleAck(lastReceived, acks, hasExplicit, explicitSeq, c.clearPending, c.resendPending)
	return nil
}

// ProcessNotify applies the notify sequencer to an incoming notify message,
// reports delivery/loss from the embedded remote ack, and if the message
// is new, invokes OnNotifyReceived.
func (c *Connection) ProcessNotify(msg *wire.Message) error {
	remoteLastReceived, remoteFirst8, seqID, err := msg.ReadNotifyHeader()
	if err != nil {
		return err
	}
	c.notifySeq.ProcessAck(remoteLastReceived, remoteFirst8, c.notifyLost, c.notifyDelivered)
	c.touchHeartbeat()
	if c.notifySeq.ShouldHandle(seqID) {
		c.metrics.NotifyIn++
		if c.cfg.Handlers.OnNotifyReceived != nil {
			c.cfg.Handlers.OnNotifyReceived(msg)
		}
	}
	return nil
}

func (c *Connection) notifyLost(seqID uint16) {
	c.metrics.NotifyLost++
	c.quality.RecordNotifyOutcome(false)
	if c.cfg.Handlers.OnNotifyLost != nil {
		c.cfg.Handlers.OnNotifyLost(seqID)
	}
	if c.quality.ShouldDisconnect(0) {
		c.LocalDisconnect(wire.DisconnectPoorConnection)
	}
}

func (c *Connection) notifyDelivered(seqID uint16) {
	c.metrics.NotifyDelivered++
	c.quality.RecordNotifyOutcome(true)
	if c.cfg.Handlers.OnNotifyDelivered != nil {
		c.cfg.Handlers.OnNotifyDelivered(seqID)
	}
}

// SendHeartbeat writes {u8 ping_id, i16 current_rtt} and sends it as a
// heartbeat control message, recording the ping id and send time for RTT
// measurement.
func (c *Connection) SendHeartbeat() error {
	msg := c.cfg.MessagePool.NewFromHeader(wire.HeaderHeartbeat)
	defer msg.Release()
	id := c.nextPingID
	c.nextPingID++
	c.pendingPingID = id
	c.pendingPingSendTime = c.cfg.Clock.Now()
	c.hasPendingPing = true
	if err := msg.Buffer().WriteUint8(id); err != nil {
		return err
	}
	rtt := int16(-1)
	if c.rtt >= 0 {
		rtt = int16(c.rtt)
	}
	if err := msg.Buffer().WriteInt16(rtt); err != nil {
		return err
	}
	return c.sendRaw(msg)
}

// HandleHeartbeat echoes the ping id back and resets the liveness clock.
func (c *Connection) HandleHeartbeat(msg *wire.Message) error {
	c.touchHeartbeat()
	id, err := msg.Buffer().ReadUint8()
	if err != nil {
		return err
	}
	_, _ = msg.Buffer().ReadInt16() // remote's reported current_rtt, informational only
	reply := c.cfg.MessagePool.NewFromHeader(wire.HeaderHeartbeat)
	defer reply.Release()
	if err := reply.Buffer().WriteUint8(id); err != nil {
		return err
	}
	return c.sendRaw(reply)
}

// HandleHeartbeatResponse matches an echoed ping id to the pending
// measurement and updates RTT.
func (c *Connection) HandleHeartbeatResponse(msg *wire.Message) error {
	c.touchHeartbeat()
	id, err := msg.Buffer().ReadUint8()
	if err != nil {
		return err
	}
	if !c.hasPendingPing || id != c.pendingPingID {
		return nil
	}
	c.hasPendingPing = false
	measured := float64(c.cfg.Clock.Now() - c.pendingPingSendTime)
	if measured < 1 {
		measured = 1
	}
	c.updateRTT(measured)
	return nil
}

// SendWelcome sends {u16 client_id}; the server uses it to announce the
// assigned id.
func (c *Connection) SendWelcome() error {
	msg := c.cfg.MessagePool.NewFromHeader(wire.HeaderWelcome)
	defer msg.Release()
	if err := msg.AddUint16(c.id); err != nil {
		return err
	}
	return c.SendMessage(msg, false)
}

// HandleWelcome adopts the assigned id from a server's welcome message.
// Called after the generic reliable pipeline has already validated and
// acked the underlying message.
func (c *Connection) HandleWelcome(msg *wire.Message) (uint16, error) {
	id, err := msg.GetUint16()
	if err != nil {
		return 0, err
	}
	c.id = id
	c.setState(StateConnected)
	c.touchHeartbeat()
	if c.cfg.Handlers.OnConnected != nil {
		c.cfg.Handlers.OnConnected()
	}
	return id, nil
}

// HandleWelcomeResponse marks the connection fully connected once the
// client has echoed its welcome back.
func (c *Connection) HandleWelcomeResponse(msg *wire.Message) error {
	if _, err := msg.GetUint16(); err != nil {
		return err
	}
	c.setState(StateConnected)
	c.touchHeartbeat()
	if c.cfg.Handlers.OnConnected != nil {
		c.cfg.Handlers.OnConnected()
	}
	return nil
}

// LocalDisconnect tears the connection down immediately: clears all
// pending messages and notifies handlers. Idempotent past the first call.
// A quality-triggered disconnect still owes the remote end a disconnect
// frame, since nothing else on the wire told it the link is being torn
// down; explicit kicks and shutdowns already send their own frame before
// calling this, so this only covers the reasons this package raises on
// its own.
func (c *Connection) LocalDisconnect(reason wire.DisconnectReason) {
	if c.state == StateNotConnected {
		return
	}
	if reason == wire.DisconnectPoorConnection {
		c.sendDisconnectFrame(reason)
	}
	c.setState(StateNotConnected)
	for seqID, pm := range c.pendingMessages {
		pm.Clear()
		delete(c.pendingMessages, seqID)
	}
	if reason == wire.DisconnectConnectionRejected {
		c.wasRejected = true
	}
	if c.cfg.Handlers.OnDisconnected != nil {
		c.cfg.Handlers.OnDisconnected(reason)
	}
}

// WasRejected reports whether this connection's teardown was caused by a
// rejected connect attempt.
func (c *Connection) WasRejected() bool { return c.wasRejected }

// sendDisconnectFrame writes {u8 reason} and sends it unreliably, best
// effort: the connection is already coming down either way, so a failed
// send here isn't worth surfacing.
func (c *Connection) sendDisconnectFrame(reason wire.DisconnectReason) {
	msg := c.cfg.MessagePool.NewFromHeader(wire.HeaderDisconnect)
	defer msg.Release()
	_ = msg.Buffer().WriteUint8(uint8(reason))
	_ = c.sendRaw(msg)
}
