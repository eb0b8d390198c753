// Package netclient implements the connecting side of a peer connection:
// the connect handshake with resend-on-heartbeat, and welcome/reject/
// disconnect handling.
package netclient

import (
	"fmt"

	"netcode/conn"
	"netcode/netlog"
	"netcode/peer"
	"netcode/quality"
	"netcode/retry"
	"netcode/transport"
	"netcode/wire"
)

// Handlers are the application callbacks a Client invokes.
type Handlers struct {
	OnConnected         func(id uint16)
	OnConnectionFailed  func(reason wire.RejectReason)
	OnDisconnected      func(reason wire.DisconnectReason)
	OnReliableMessage   func(msg *wire.Message)
	OnUnreliableMessage func(msg *wire.Message)
	OnNotifyMessage     func(msg *wire.Message)
	OnNotifyDelivered   func(seqID uint16)
	OnNotifyLost        func(seqID uint16)
	OnClientConnected   func(id uint16)
	OnClientDisconnected func(id uint16)
}

// Config configures a Client.
type Config struct {
	Transport        transport.ClientTransport
	MessagePool      *wire.Pool
	PendingPool      *retry.Pool
	Thresholds       quality.Thresholds
	TimeoutMs        int64
	ConnectTimeoutMs int64
	HeartbeatMs      int64
	Log              *netlog.Logger
	Handlers         Handlers
}

type state int

const (
	stateIdle state = iota
	stateConnecting
	stateConnected
)

// Client is the connecting half of a peer connection.
type Client struct {
	*peer.Base

	cfg       Config
	transport transport.ClientTransport
	log       *netlog.Logger

	handle transport.ConnHandle
	conn   *conn.Connection

	st                 state
	connectAttempts    int
	maxConnectAttempts int
	connectPayload     []byte
	heartbeatHandle    cancelable
}

type cancelable interface{ Cancel() }

// New returns a Client ready to Connect.
func New(cfg Config) *Client {
	if cfg.TimeoutMs <= 0 {
		cfg.TimeoutMs = 5000
	}
	if cfg.ConnectTimeoutMs <= 0 {
		cfg.ConnectTimeoutMs = 10000
	}
	if cfg.HeartbeatMs <= 0 {
		cfg.HeartbeatMs = 1000
	}
	if cfg.Log == nil {
		cfg.Log = netlog.Nop()
	}
	base := peer.NewBase(peer.Config{
		MessagePool:      cfg.MessagePool,
		PendingPool:      cfg.PendingPool,
		Thresholds:       cfg.Thresholds,
		TimeoutTimeMs:    cfg.TimeoutMs,
		ConnectTimeoutMs: cfg.ConnectTimeoutMs,
	})
	return &Client{Base: base, cfg: cfg, transport: cfg.Transport, log: cfg.Log}
}

// Connect opens the transport, sends the first connect message, and arms a
// heartbeat-driven resend loop that gives up after attempts failures.
func (c *Client) Connect(addr string, port int, attempts int, payload []byte) error {
	handle, err := c.transport.Connect(addr, port)
	if err != nil {
		return fmt.Errorf("netclient: %w", err)
	}
	c.handle = handle
	c.maxConnectAttempts = attempts
	c.connectAttempts = 0
	c.connectPayload = payload
	c.st = stateConnecting

	c.conn = c.NewConnection(handleSender{handle}, conn.Handlers{
		OnNotifyReceived: func(msg *wire.Message) {
			if c.cfg.Handlers.OnNotifyMessage != nil {
				c.cfg.Handlers.OnNotifyMessage(msg)
			}
		},
		OnNotifyDelivered: func(seqID uint16) {
			if c.cfg.Handlers.OnNotifyDelivered != nil {
				c.cfg.Handlers.OnNotifyDelivered(seqID)
			}
		},
		OnNotifyLost: func(seqID uint16) {
			if c.cfg.Handlers.OnNotifyLost != nil {
				c.cfg.Handlers.OnNotifyLost(seqID)
			}
		},
		OnDisconnected: func(reason wire.DisconnectReason) {
			if c.cfg.Handlers.OnDisconnected != nil {
				c.cfg.Handlers.OnDisconnected(reason)
			}
		},
	})
	c.conn.SetPending()

	c.sendConnect()
	c.armHeartbeat()
	return nil
}

type handleSender struct{ handle transport.ConnHandle }

func (s handleSender) Send(data []byte) error { return s.handle.Send(data) }

func (c *Client) sendConnect() {
	c.connectAttempts++
	msg := c.MessagePool().NewFromHeader(wire.HeaderConnect)
	if c.connectPayload != nil {
		_ = msg.AddBytes(c.connectPayload)
	}
	_ = c.conn.SendMessage(msg, true)
}

func (c *Client) armHeartbeat() {
	c.heartbeatHandle = c.Schedule(c.Now()+c.cfg.HeartbeatMs, c.onHeartbeatTick)
}

// onHeartbeatTick drives both the connecting-state resend loop and the
// connected-state liveness ping.
func (c *Client) onHeartbeatTick() {
	switch c.st {
	case stateConnecting:
		if c.conn.HasConnectAttemptTimedOut(c.Now()) {
			if c.connectAttempts >= c.maxConnectAttempts {
				c.abort(wire.DisconnectNeverConnected)
				if c.cfg.Handlers.OnConnectionFailed != nil {
					c.cfg.Handlers.OnConnectionFailed(wire.RejectNoConnection)
				}
				return
			}
			c.sendConnect()
		}
		c.armHeartbeat()

	case stateConnected:
		if c.conn.HasTimedOut(c.Now()) {
			c.abort(wire.DisconnectTimedOut)
			return
		}
		_ = c.conn.SendHeartbeat()
		c.armHeartbeat()
	}
}

// abort tears the connection down locally, which invokes OnDisconnected via
// the Connection's own Handlers (wired once in Connect), and closes the
// transport.
func (c *Client) abort(reason wire.DisconnectReason) {
	c.st = stateIdle
	c.heartbeatHandle.Cancel()
	c.conn.LocalDisconnect(reason)
	c.transport.Disconnect()
}

// Update advances the virtual clock, pumps the transport, and dispatches
// every message that cleared the sequencer this tick.
func (c *Client) Update(deltaMs int64) {
	c.Base.Update(deltaMs)
	if c.transport == nil || c.conn == nil {
		return
	}
	c.transport.Poll(c.onTransportEvent)
	c.DrainDispatch(c.onDispatched)
}

func (c *Client) onTransportEvent(event transport.ClientEvent, handle transport.ConnHandle, data []byte, reason transport.DisconnectReason) {
	switch event {
	case transport.ClientDataReceived:
		ctrl, err := c.HandleData(data, c.conn)
		if err != nil {
			c.log.Warn("handle_data error", netlog.Err(err))
			return
		}
		if ctrl != nil {
			c.onControl(ctrl)
		}
	case transport.ClientDisconnected:
		c.abort(wire.DisconnectTransportError)
	}
}

func (c *Client) onControl(ctrl *peer.Control) {
	defer ctrl.Msg.Release()
	switch ctrl.Header {
	case wire.HeaderConnect:
		// Server's echo acknowledging the connect attempt. Touching the
		// heartbeat here paces resends by ConnectTimeoutMs instead of
		// letting HasConnectAttemptTimedOut latch true forever after the
		// first window, which would otherwise resend on every tick while
		// an app-level accept/reject decision is still pending.
		c.conn.TouchHeartbeat()

	case wire.HeaderWelcome:
		id, err := c.conn.HandleWelcome(ctrl.Msg)
		if err != nil {
			return
		}
		c.st = stateConnected
		reply := c.MessagePool().NewFromHeader(wire.HeaderWelcome)
		_ = reply.AddUint16(id)
		_ = c.conn.SendMessage(reply, true)
		if c.cfg.Handlers.OnConnected != nil {
			c.cfg.Handlers.OnConnected(id)
		}

	case wire.HeaderReject:
		if c.st == stateConnected {
			return
		}
		reasonByte, err := ctrl.Msg.Buffer().ReadUint8()
		if err != nil {
			return
		}
		reason := wire.RejectReason(reasonByte)
		c.abort(wire.DisconnectConnectionRejected)
		if c.cfg.Handlers.OnConnectionFailed != nil {
			c.cfg.Handlers.OnConnectionFailed(reason)
		}

	case wire.HeaderDisconnect:
		reasonByte, err := ctrl.Msg.Buffer().ReadUint8()
		if err != nil {
			return
		}
		c.abort(wire.DisconnectReason(reasonByte))

	case wire.HeaderHeartbeat:
		// The server only ever echoes a ping id back; it never initiates
		// one, so the client side of this exchange is always a response.
		_ = c.conn.HandleHeartbeatResponse(ctrl.Msg)

	case wire.HeaderClientConnected:
		id, err := ctrl.Msg.GetUint16()
		if err != nil {
			return
		}
		if c.cfg.Handlers.OnClientConnected != nil {
			c.cfg.Handlers.OnClientConnected(id)
		}

	case wire.HeaderClientDisconnected:
		id, err := ctrl.Msg.GetUint16()
		if err != nil {
			return
		}
		if c.cfg.Handlers.OnClientDisconnected != nil {
			c.cfg.Handlers.OnClientDisconnected(id)
		}
	}
}

func (c *Client) onDispatched(d peer.Dispatched) {
	switch d.Header {
	case wire.HeaderReliable:
		if c.cfg.Handlers.OnReliableMessage != nil {
			c.cfg.Handlers.OnReliableMessage(d.Msg)
		}
	case wire.HeaderUnreliable:
		if c.cfg.Handlers.OnUnreliableMessage != nil {
			c.cfg.Handlers.OnUnreliableMessage(d.Msg)
		}
	}
}

// Send transmits an application message using its framed send mode.
func (c *Client) Send(msg *wire.Message) error {
	if c.conn == nil {
		return fmt.Errorf("netclient: not connected")
	}
	return c.conn.SendMessage(msg, true)
}

// Disconnect tears the connection down locally and closes the transport.
func (c *Client) Disconnect() {
	if c.conn == nil {
		return
	}
	c.abort(wire.DisconnectDisconnected)
}

// Connected reports whether the client has completed the welcome handshake.
func (c *Client) Connected() bool { return c.st == stateConnected }
