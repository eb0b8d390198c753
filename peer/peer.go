// Package peer implements the shared responsibilities of a netserver.Server
// and a netclient.Client: the virtual clock, the timed-event scheduler, pool
// ownership, and the common data-path routing through handle_data.
package peer

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"netcode/conn"
	"netcode/netmetrics"
	"netcode/quality"
	"netcode/retry"
	"netcode/timedqueue"
	"netcode/wire"
)

// Dispatched is a reliable or unreliable message that has cleared the
// sequencer and is waiting for the owner's main loop to hand it to the
// application. Notify and ack frames never appear here: they are fully
// handled inside HandleData.
type Dispatched struct {
	Msg    *wire.Message
	Header wire.Header
	Conn   *conn.Connection
}

// Control is a parsed control-plane frame the shared base cannot finish
// handling on its own, because the right response depends on
// server/client-specific bookkeeping (pending-connection lists, assigned
// ids, and so on).
type Control struct {
	Msg    *wire.Message
	Header wire.Header
	Conn   *conn.Connection
}

// Config bundles the collaborators every Base needs.
type Config struct {
	MessagePool    *wire.Pool
	PendingPool    *retry.Pool
	Thresholds     quality.Thresholds
	TimeoutTimeMs  int64
	ConnectTimeoutMs int64
}

// Base is the embeddable shared core of Server and Client: a monotonic
// millisecond clock advanced explicitly by Update, a due-time ordered
// scheduler for heartbeats and resends, and the handle_data routing that
// every received datagram passes through before the owner's main loop sees
// it.
type Base struct {
	cfg Config

	currentTime int64
	scheduler   *timedqueue.Queue

	dispatchQueue []Dispatched

	tracked []*trackedConnection
}

// trackedConnection pairs a live Connection with the last metrics snapshot
// recordMetrics observed, so cumulative counters can be turned into the
// per-tick deltas Prometheus counters expect.
type trackedConnection struct {
	conn *conn.Connection
	last conn.Metrics
}

// NewBase returns a Base with its clock at zero, matching start_time /
// connect semantics: the virtual clock only begins advancing once the
// owner starts calling Update.
func NewBase(cfg Config) *Base {
	return &Base{
		cfg:       cfg,
		scheduler: timedqueue.New(),
	}
}

func (b *Base) Now() int64 { return b.currentTime }

// Update advances the virtual clock by deltaMs and fires every timer due by
// the new current time. Owners call this once per tick, before pumping the
// transport.
func (b *Base) Update(deltaMs int64) {
	b.currentTime += deltaMs
	b.scheduler.Tick(b.currentTime)
	b.recordMetrics()
}

// recordMetrics reads each tracked Connection's cumulative counters once
// per tick and forwards the deltas to netmetrics. Connections that have
// torn down get one final diff and then drop out of tracking.
func (b *Base) recordMetrics() {
	alive := b.tracked[:0]
	for _, t := range b.tracked {
		cur := t.conn.Metrics()
		diffCounterVec(netmetrics.MessagesSent, "reliable", cur.ReliableOut, t.last.ReliableOut)
		diffCounterVec(netmetrics.MessagesSent, "unreliable", cur.UnreliableOut, t.last.UnreliableOut)
		diffCounterVec(netmetrics.MessagesSent, "notify", cur.NotifyOut, t.last.NotifyOut)
		diffCounterVec(netmetrics.MessagesReceived, "reliable", cur.ReliableIn, t.last.ReliableIn)
		diffCounterVec(netmetrics.MessagesReceived, "unreliable", cur.UnreliableIn, t.last.UnreliableIn)
		diffCounterVec(netmetrics.MessagesReceived, "notify", cur.NotifyIn, t.last.NotifyIn)
		diffCounter(netmetrics.BytesSent, cur.BytesOut, t.last.BytesOut)
		diffCounter(netmetrics.BytesReceived, cur.BytesIn, t.last.BytesIn)
		diffCounter(netmetrics.ReliableDuplicatesDiscarded, cur.ReliableDiscardedDuplicates, t.last.ReliableDiscardedDuplicates)
		diffCounter(netmetrics.ReliableResends, cur.ReliableResent, t.last.ReliableResent)
		diffCounter(netmetrics.NotifyDelivered, cur.NotifyDelivered, t.last.NotifyDelivered)
		diffCounter(netmetrics.NotifyLost, cur.NotifyLost, t.last.NotifyLost)

		if smooth := t.conn.SmoothRTT(); smooth >= 0 {
			netmetrics.RTTHistogram.Observe(smooth)
		}

		if t.conn.State() == conn.StateNotConnected {
			continue
		}
		t.last = cur
		alive = append(alive, t)
	}
	b.tracked = alive
}

func diffCounter(c prometheus.Counter, cur, prev uint64) {
	if cur > prev {
		c.Add(float64(cur - prev))
	}
}

func diffCounterVec(v *prometheus.CounterVec, mode string, cur, prev uint64) {
	if cur > prev {
		v.WithLabelValues(mode).Add(float64(cur - prev))
	}
}

func (b *Base) Schedule(dueTime int64, action timedqueue.Action) timedqueue.Handle {
	return b.scheduler.Schedule(dueTime, action)
}

func (b *Base) MessagePool() *wire.Pool  { return b.cfg.MessagePool }
func (b *Base) PendingPool() *retry.Pool { return b.cfg.PendingPool }

// NewConnection builds a Connection wired to this Base's clock, scheduler,
// and pools, ready for the owner to fill in Handlers and a Sender. The
// connection is registered for per-tick metrics recording, and its
// OnDisconnected handler is wrapped to count quality/timeout disconnects
// without disturbing the owner's own handler.
func (b *Base) NewConnection(sender conn.Sender, handlers conn.Handlers) *conn.Connection {
	ownDisconnected := handlers.OnDisconnected
	handlers.OnDisconnected = func(reason wire.DisconnectReason) {
		switch reason {
		case wire.DisconnectPoorConnection:
			netmetrics.QualityDisconnects.Inc()
		case wire.DisconnectTimedOut:
			netmetrics.Timeouts.Inc()
		}
		if ownDisconnected != nil {
			ownDisconnected(reason)
		}
	}

	c := conn.New(conn.Config{
		Clock:                clockAdapter{b},
		Scheduler:            b,
		Sender:               sender,
		MessagePool:          b.cfg.MessagePool,
		PendingPool:          b.cfg.PendingPool,
		Thresholds:           b.cfg.Thresholds,
		TimeoutTimeMs:        b.cfg.TimeoutTimeMs,
		ConnectTimeoutTimeMs: b.cfg.ConnectTimeoutMs,
		CanTimeout:           true,
		Handlers:             handlers,
	})
	b.tracked = append(b.tracked, &trackedConnection{conn: c})
	return c
}

type clockAdapter struct{ b *Base }

func (c clockAdapter) Now() int64 { return c.b.Now() }

// HandleData parses the header byte off a received datagram and routes it.
// Notify and ack frames are fully resolved against c right here. Every
// reliable-mode header (reliable, welcome, clientConnected,
// clientDisconnected) passes through the reliable sequencer and its ack
// first; duplicates are dropped silently. Of those, plain application
// reliable messages are queued for the owner's next DrainDispatch call,
// while welcome/clientConnected/clientDisconnected are returned as Control
// since adopting them needs server/client-specific bookkeeping. Unreliable
// frames are queued directly. Headers with no send mode at all (connect,
// reject, heartbeat, disconnect) are returned as Control unconditionally.
func (b *Base) HandleData(data []byte, c *conn.Connection) (*Control, error) {
	msg, err := b.cfg.MessagePool.InitFromByte(data)
	if err != nil {
		return nil, fmt.Errorf("peer: %w", err)
	}
	c.RecordInboundBytes(len(data))

	header := msg.Header()
	switch header {
	case wire.HeaderNotify:
		if err := c.ProcessNotify(msg); err != nil {
			msg.Release()
			return nil, err
		}
		msg.Release()
		return nil, nil

	case wire.HeaderAck:
		if err := c.HandleAck(msg); err != nil {
			msg.Release()
			return nil, err
		}
		msg.Release()
		return nil, nil
	}

	mode, hasMode := wire.SendModeOf(header)
	if !hasMode {
		return &Control{Msg: msg, Header: header, Conn: c}, nil
	}

	if mode == wire.ModeUnreliable {
		c.RecordUnreliableIn()
		b.dispatchQueue = append(b.dispatchQueue, Dispatched{Msg: msg, Header: header, Conn: c})
		return nil, nil
	}

	// ModeReliable: every header in this family shares one sequencer, so
	// welcome/clientConnected/clientDisconnected dedup and ack exactly like
	// a plain reliable application message.
	seq, err := msg.ReadSeqID()
	if err != nil {
		msg.Release()
		return nil, err
	}
	if !c.ShouldHandle(seq) {
		msg.Release()
		return nil, nil
	}
	if header == wire.HeaderReliable {
		b.dispatchQueue = append(b.dispatchQueue, Dispatched{Msg: msg, Header: header, Conn: c})
		return nil, nil
	}
	return &Control{Msg: msg, Header: header, Conn: c}, nil
}

// DrainDispatch hands every queued reliable/unreliable message to fn, in
// the order handle_data accepted them, and releases each one afterward.
func (b *Base) DrainDispatch(fn func(Dispatched)) {
	batch := b.dispatchQueue
	b.dispatchQueue = nil
	for _, d := range batch {
		fn(d)
		d.Msg.Release()
	}
}
