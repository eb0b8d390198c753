// Package netserver implements the listening side of a peer connection:
// accepting or rejecting connect attempts, assigning client ids, and
// broadcasting clientConnected/clientDisconnected announcements.
package netserver

import (
	"fmt"

	"netcode/conn"
	"netcode/netlog"
	"netcode/peer"
	"netcode/quality"
	"netcode/retry"
	"netcode/timedqueue"
	"netcode/transport"
	"netcode/wire"
)

// Handlers are the application callbacks a Server invokes.
type Handlers struct {
	// OnConnectionRequested, if set, is invoked for every connect attempt
	// instead of auto-accepting; the callback must eventually call
	// Accept() or Reject() on the PendingClient it's given.
	OnConnectionRequested func(p *PendingClient)
	OnClientConnected     func(id uint16)
	OnClientDisconnected  func(id uint16, reason wire.DisconnectReason)
	OnReliableMessage     func(id uint16, msg *wire.Message)
	OnUnreliableMessage   func(id uint16, msg *wire.Message)
	OnNotifyMessage       func(id uint16, msg *wire.Message)
	OnNotifyDelivered     func(id uint16, seqID uint16)
	OnNotifyLost          func(id uint16, seqID uint16)
}

// Config configures a Server.
type Config struct {
	Transport            transport.ServerTransport
	MessagePool          *wire.Pool
	PendingPool          *retry.Pool
	Thresholds           quality.Thresholds
	MaxClientCount       int
	DefaultTimeoutMs     int64
	ConnectTimeoutMs     int64
	HeartbeatSweepMs     int64
	RelayFilter          []uint16
	Log                  *netlog.Logger
	Handlers             Handlers
}

type clientEntry struct {
	conn   *conn.Connection
	handle transport.ConnHandle
}

// PendingClient is handed to Handlers.OnConnectionRequested so the
// application can decide whether to admit the connect attempt.
type PendingClient struct {
	server  *Server
	conn    *conn.Connection
	handle  transport.ConnHandle
	decided bool
}

func (p *PendingClient) RemoteAddr() string { return p.handle.RemoteAddr() }

func (p *PendingClient) Accept() {
	if p.decided {
		return
	}
	p.decided = true
	p.server.accept(p)
}

func (p *PendingClient) Reject(reason wire.RejectReason, payload []byte) {
	if p.decided {
		return
	}
	p.decided = true
	p.server.reject(p.handle, p.conn, reason, payload)
}

// Server is the listening half of a peer connection.
type Server struct {
	*peer.Base

	cfg       Config
	transport transport.ServerTransport
	log       *netlog.Logger

	clients         map[uint16]*clientEntry
	handleToID      map[transport.ConnHandle]uint16
	pendingByHandle map[transport.ConnHandle]*PendingClient

	availableIDs []uint16
	relayFilter  map[uint16]struct{}

	heartbeatSweep timedqueue.Handle
	running        bool
}

// New returns a Server with its id pool and pools initialized but not yet
// listening; call Start to bind the transport.
func New(cfg Config) *Server {
	if cfg.MaxClientCount <= 0 || cfg.MaxClientCount > 65534 {
		cfg.MaxClientCount = 65534
	}
	if cfg.DefaultTimeoutMs <= 0 {
		cfg.DefaultTimeoutMs = 5000
	}
	if cfg.ConnectTimeoutMs <= 0 {
		cfg.ConnectTimeoutMs = 10000
	}
	if cfg.HeartbeatSweepMs <= 0 {
		cfg.HeartbeatSweepMs = 1000
	}
	if cfg.Log == nil {
		cfg.Log = netlog.Nop()
	}

	base := peer.NewBase(peer.Config{
		MessagePool:      cfg.MessagePool,
		PendingPool:      cfg.PendingPool,
		Thresholds:       cfg.Thresholds,
		TimeoutTimeMs:    cfg.DefaultTimeoutMs,
		ConnectTimeoutMs: cfg.ConnectTimeoutMs,
	})

	ids := make([]uint16, 0, cfg.MaxClientCount)
	for i := 1; i <= cfg.MaxClientCount; i++ {
		ids = append(ids, uint16(i))
	}

	var relay map[uint16]struct{}
	if len(cfg.RelayFilter) > 0 {
		relay = make(map[uint16]struct{}, len(cfg.RelayFilter))
		for _, id := range cfg.RelayFilter {
			relay[id] = struct{}{}
		}
	}

	return &Server{
		Base:            base,
		cfg:             cfg,
		transport:       cfg.Transport,
		log:             cfg.Log,
		clients:         make(map[uint16]*clientEntry),
		handleToID:      make(map[transport.ConnHandle]uint16),
		pendingByHandle: make(map[transport.ConnHandle]*PendingClient),
		availableIDs:    ids,
		relayFilter:     relay,
	}
}

// Start binds the transport and arms the periodic timeout sweep.
func (s *Server) Start(port int) error {
	if err := s.transport.Start(port); err != nil {
		return fmt.Errorf("netserver: %w", err)
	}
	s.running = true
	s.log.Info("server started", netlog.Int("port", port))
	s.armSweep()
	return nil
}

func (s *Server) armSweep() {
	handle := s.Schedule(s.Now()+s.cfg.HeartbeatSweepMs, s.sweepTimeouts)
	s.heartbeatSweep = handle
}

// sweepTimeouts disconnects every client or pending connection that has
// gone silent past its timeout, then re-arms itself.
func (s *Server) sweepTimeouts() {
	now := s.Now()
	var timedOut []uint16
	for id, entry := range s.clients {
		if entry.conn.HasTimedOut(now) {
			timedOut = append(timedOut, id)
		}
	}
	for _, id := range timedOut {
		s.disconnectInternal(id, wire.DisconnectTimedOut)
	}

	var timedOutPending []transport.ConnHandle
	for handle, p := range s.pendingByHandle {
		if p.conn.HasConnectAttemptTimedOut(now) {
			timedOutPending = append(timedOutPending, handle)
		}
	}
	for _, handle := range timedOutPending {
		p := s.pendingByHandle[handle]
		delete(s.pendingByHandle, handle)
		p.conn.LocalDisconnect(wire.DisconnectTimedOut)
	}

	s.armSweep()
}

// Update advances the virtual clock, pumps the transport for one batch of
// events, and dispatches every reliable/unreliable message that cleared the
// sequencer this tick.
func (s *Server) Update(deltaMs int64) {
	s.Base.Update(deltaMs)
	s.transport.Poll(s.onTransportEvent)
	s.DrainDispatch(s.onDispatched)
}

func (s *Server) onTransportEvent(event transport.ServerEvent, handle transport.ConnHandle, data []byte, reason transport.DisconnectReason) {
	switch event {
	case transport.ServerConnected:
		// The transport layer accepting a socket-level peer doesn't by
		// itself mean anything at the netcode protocol layer; the actual
		// Connection is created lazily once a connect message arrives.

	case transport.ServerDataReceived:
		entry := s.entryForHandle(handle)
		if entry == nil {
			s.handleConnectCandidate(handle, data)
			return
		}
		ctrl, err := s.HandleData(data, entry.conn)
		if err != nil {
			s.log.Warn("handle_data error", netlog.Err(err))
			return
		}
		if ctrl != nil {
			s.onControl(ctrl)
		}

	case transport.ServerDisconnected:
		if id, ok := s.handleToID[handle]; ok {
			s.disconnectInternal(id, wire.DisconnectTransportError)
		} else if p, ok := s.pendingByHandle[handle]; ok {
			delete(s.pendingByHandle, handle)
			p.conn.LocalDisconnect(wire.DisconnectTransportError)
		}
	}
}

func (s *Server) entryForHandle(handle transport.ConnHandle) *clientEntry {
	id, ok := s.handleToID[handle]
	if !ok {
		return nil
	}
	return s.clients[id]
}

// handleConnectCandidate parses a first datagram from an address the
// server has never seen before; only a connect message is meaningful here.
func (s *Server) handleConnectCandidate(handle transport.ConnHandle, data []byte) {
	if len(data) == 0 || wire.Header(data[0]&0x0F) != wire.HeaderConnect {
		return
	}
	if existing, ok := s.pendingByHandle[handle]; ok {
		delete(s.pendingByHandle, handle)
		s.reject(handle, existing.conn, wire.RejectAlreadyConnected, nil)
		return
	}
	if len(s.availableIDs) == 0 {
		c := s.newRawConnection(handle)
		s.reject(handle, c, wire.RejectServerFull, nil)
		return
	}

	c := s.newRawConnection(handle)
	c.SetPending()
	p := &PendingClient{server: s, conn: c, handle: handle}
	s.pendingByHandle[handle] = p

	// Echo the connect message back so the client knows its attempt was
	// noted, regardless of how long the admission decision takes.
	echo := s.MessagePool().NewFromHeader(wire.HeaderConnect)
	_ = c.SendMessage(echo, true)

	if s.cfg.Handlers.OnConnectionRequested != nil {
		s.cfg.Handlers.OnConnectionRequested(p)
	} else {
		p.Accept()
	}
}

func (s *Server) newRawConnection(handle transport.ConnHandle) *conn.Connection {
	sender := handleSender{handle: handle}
	return s.NewConnection(sender, conn.Handlers{
		OnDisconnected: func(reason wire.DisconnectReason) {},
	})
}

type handleSender struct{ handle transport.ConnHandle }

func (s handleSender) Send(data []byte) error { return s.handle.Send(data) }

func (s *Server) accept(p *PendingClient) {
	delete(s.pendingByHandle, p.handle)
	id := s.availableIDs[0]
	s.availableIDs = s.availableIDs[1:]

	p.conn.SetID(id)
	entry := &clientEntry{conn: p.conn, handle: p.handle}
	s.clients[id] = entry
	s.handleToID[p.handle] = id

	s.rewireConnection(id, entry)

	if err := entry.conn.SendWelcome(); err != nil {
		s.log.Warn("send welcome failed", netlog.Err(err))
	}
}

// rewireConnection replaces the placeholder connection with a new one whose
// handlers know the client's assigned id, now that accept has run.
func (s *Server) rewireConnection(id uint16, entry *clientEntry) {
	entry.conn = s.NewConnection(handleSender{handle: entry.handle}, conn.Handlers{
		OnReliableReceived: func(msg *wire.Message) {
			if s.cfg.Handlers.OnReliableMessage != nil {
				s.cfg.Handlers.OnReliableMessage(id, msg)
			}
		},
		OnUnreliableReceived: func(msg *wire.Message) {
			if s.cfg.Handlers.OnUnreliableMessage != nil {
				s.cfg.Handlers.OnUnreliableMessage(id, msg)
			}
		},
		OnNotifyReceived: func(msg *wire.Message) {
			if s.cfg.Handlers.OnNotifyMessage != nil {
				s.cfg.Handlers.OnNotifyMessage(id, msg)
			}
		},
		OnNotifyDelivered: func(seqID uint16) {
			if s.cfg.Handlers.OnNotifyDelivered != nil {
				s.cfg.Handlers.OnNotifyDelivered(id, seqID)
			}
		},
		OnNotifyLost: func(seqID uint16) {
			if s.cfg.Handlers.OnNotifyLost != nil {
				s.cfg.Handlers.OnNotifyLost(id, seqID)
			}
		},
		OnConnected: func() {
			s.broadcastClientConnected(id)
			if s.cfg.Handlers.OnClientConnected != nil {
				s.cfg.Handlers.OnClientConnected(id)
			}
		},
		OnDisconnected: func(reason wire.DisconnectReason) {
			s.finishDisconnect(id, reason)
		},
	})
	entry.conn.SetID(id)
}

func (s *Server) broadcastClientConnected(id uint16) {
	for otherID, entry := range s.clients {
		if otherID == id {
			continue
		}
		msg := s.MessagePool().NewFromHeader(wire.HeaderClientConnected)
		_ = msg.AddUint16(id)
		_ = entry.conn.SendMessage(msg, true)
	}
}

func (s *Server) broadcastClientDisconnected(id uint16) {
	for otherID, entry := range s.clients {
		if otherID == id {
			continue
		}
		msg := s.MessagePool().NewFromHeader(wire.HeaderClientDisconnected)
		_ = msg.AddUint16(id)
		_ = entry.conn.SendMessage(msg, true)
	}
}

func (s *Server) finishDisconnect(id uint16, reason wire.DisconnectReason) {
	entry, ok := s.clients[id]
	if !ok {
		return
	}
	delete(s.clients, id)
	delete(s.handleToID, entry.handle)
	s.availableIDs = append(s.availableIDs, id)
	s.broadcastClientDisconnected(id)
	if s.cfg.Handlers.OnClientDisconnected != nil {
		s.cfg.Handlers.OnClientDisconnected(id, reason)
	}
}

// reject sends a reject message three times (reliability-through-repetition
// for a message with no sequencer), skips sending entirely for
// alreadyConnected, and locally disconnects the placeholder connection.
func (s *Server) reject(handle transport.ConnHandle, c *conn.Connection, reason wire.RejectReason, payload []byte) {
	if reason != wire.RejectAlreadyConnected {
		for i := 0; i < 3; i++ {
			msg := s.MessagePool().NewFromHeader(wire.HeaderReject)
			_ = msg.Buffer().WriteUint8(uint8(reason))
			if reason == wire.RejectCustom && payload != nil {
				_ = msg.AddBytes(payload)
			}
			_ = handle.Send(msg.Bytes())
			msg.Release()
		}
	}
	c.LocalDisconnect(wire.DisconnectConnectionRejected)
}

func (s *Server) onControl(ctrl *peer.Control) {
	defer ctrl.Msg.Release()
	switch ctrl.Header {
	case wire.HeaderHeartbeat:
		_ = ctrl.Conn.HandleHeartbeat(ctrl.Msg)
	case wire.HeaderConnect:
		// Retransmitted connect from an already-accepted client: ignore. A
		// repeat from a still-pending handle never reaches here; it goes to
		// handleConnectCandidate, which rejects it as alreadyConnected.
	case wire.HeaderWelcome:
		_ = ctrl.Conn.HandleWelcomeResponse(ctrl.Msg)
	case wire.HeaderDisconnect:
		reason, err := ctrl.Msg.Buffer().ReadUint8()
		if err != nil {
			return
		}
		ctrl.Conn.LocalDisconnect(wire.DisconnectReason(reason))
	}
}

func (s *Server) onDispatched(d peer.Dispatched) {
	id := d.Conn.ID()
	switch d.Header {
	case wire.HeaderReliable:
		if s.cfg.Handlers.OnReliableMessage != nil {
			s.applyRelay(id, d.Msg, func() { s.cfg.Handlers.OnReliableMessage(id, d.Msg) })
		}
	case wire.HeaderUnreliable:
		if s.cfg.Handlers.OnUnreliableMessage != nil {
			s.applyRelay(id, d.Msg, func() { s.cfg.Handlers.OnUnreliableMessage(id, d.Msg) })
		}
	}
}

// applyRelay honors the optional relay_filter: if the payload's message id
// is in the filter set, it is never dispatched locally and is instead
// re-sent to every other connected client.
func (s *Server) applyRelay(fromID uint16, msg *wire.Message, dispatch func()) {
	if s.relayFilter == nil {
		dispatch()
		return
	}
	msgID, err := msg.GetUint16()
	if err != nil {
		dispatch()
		return
	}
	if _, relay := s.relayFilter[msgID]; !relay {
		dispatch()
		return
	}
	s.SendToAllExcept(fromID, msg.Bytes())
}

// Send transmits an application message to one connected client using its
// framed send mode.
func (s *Server) Send(id uint16, msg *wire.Message) error {
	entry, ok := s.clients[id]
	if !ok {
		return fmt.Errorf("netserver: unknown client %d", id)
	}
	return entry.conn.SendMessage(msg, true)
}

// SendToAll transmits raw bytes to every connected client's transport
// handle directly, bypassing per-client sequencing (used for relaying
// pre-framed datagrams).
func (s *Server) SendToAll(data []byte) {
	for _, entry := range s.clients {
		_ = entry.handle.Send(data)
	}
}

// SendToAllExcept is SendToAll but skips the given client id.
func (s *Server) SendToAllExcept(exceptID uint16, data []byte) {
	for id, entry := range s.clients {
		if id == exceptID {
			continue
		}
		_ = entry.handle.Send(data)
	}
}

// DisconnectClient kicks a connected client with an explicit reason.
func (s *Server) DisconnectClient(id uint16, reason wire.DisconnectReason, payload []byte) {
	entry, ok := s.clients[id]
	if !ok {
		return
	}
	msg := s.MessagePool().NewFromHeader(wire.HeaderDisconnect)
	_ = msg.Buffer().WriteUint8(uint8(reason))
	if payload != nil {
		_ = msg.AddBytes(payload)
	}
	_ = entry.handle.Send(msg.Bytes())
	msg.Release()
	s.disconnectInternal(id, wire.DisconnectKicked)
}

func (s *Server) disconnectInternal(id uint16, reason wire.DisconnectReason) {
	entry, ok := s.clients[id]
	if !ok {
		return
	}
	entry.conn.LocalDisconnect(reason)
}

// Stop announces serverStopped to every connected client, clears all state,
// and shuts the transport down.
func (s *Server) Stop() {
	if !s.running {
		return
	}
	s.running = false
	for id := range s.clients {
		msg := s.MessagePool().NewFromHeader(wire.HeaderDisconnect)
		_ = msg.Buffer().WriteUint8(uint8(wire.DisconnectServerStopped))
		_ = s.Send(id, msg)
	}
	s.clients = make(map[uint16]*clientEntry)
	s.handleToID = make(map[transport.ConnHandle]uint16)
	s.pendingByHandle = make(map[transport.ConnHandle]*PendingClient)
	s.heartbeatSweep.Cancel()
	s.transport.Shutdown()
}

// ClientCount returns the number of currently connected clients.
func (s *Server) ClientCount() int { return len(s.clients) }
