// Package wire implements the framed Message type: a bit-packed header
// nibble followed by mode-dependent sequencing fields and a payload,
// obtained from and released back to a per-peer Pool.
package wire

import "fmt"

// Header is the 4-bit tag carried in the low nibble of byte 0 of every
// datagram.
type Header uint8

const (
	HeaderUnreliable Header = iota
	HeaderAck
	HeaderConnect
	HeaderReject
	HeaderHeartbeat
	HeaderDisconnect
	HeaderNotify
	HeaderReliable
	HeaderWelcome
	HeaderClientConnected
	HeaderClientDisconnected
)

func (h Header) String() string {
	switch h {
	case HeaderUnreliable:
		return "unreliable"
	case HeaderAck:
		return "ack"
	case HeaderConnect:
		return "connect"
	case HeaderReject:
		return "reject"
	case HeaderHeartbeat:
		return "heartbeat"
	case HeaderDisconnect:
		return "disconnect"
	case HeaderNotify:
		return "notify"
	case HeaderReliable:
		return "reliable"
	case HeaderWelcome:
		return "welcome"
	case HeaderClientConnected:
		return "clientConnected"
	case HeaderClientDisconnected:
		return "clientDisconnected"
	default:
		return fmt.Sprintf("header(%d)", uint8(h))
	}
}

// SendMode is derived from a Header. Headers without one of these three
// modes (ack, connect, reject, heartbeat, disconnect) carry no sequence
// number and are never retried by the core.
type SendMode uint8

const (
	ModeUnreliable SendMode = iota
	ModeNotify
	ModeReliable
)

// SendModeOf returns the send mode for a header and whether the header
// participates in a send mode at all.
func SendModeOf(h Header) (SendMode, bool) {
	switch h {
	case HeaderUnreliable:
		return ModeUnreliable, true
	case HeaderNotify:
		return ModeNotify, true
	case HeaderReliable, HeaderWelcome, HeaderClientConnected, HeaderClientDisconnected:
		return ModeReliable, true
	default:
		return 0, false
	}
}

// Header bit widths, payload excluded. unreliable: just the nibble.
// reliable-mode headers (reliable/welcome/clientConnected/clientDisconnected)
// reserve 16 bits for a sequence id, backfilled once the connection assigns
// one. notify headers reserve a 40-bit ack/seq field, backfilled at send
// time from the connection's notify sequencer. Control headers with no send mode (ack,
// connect, reject, heartbeat, disconnect) are nibble-only; their payload
// fields are appended by the caller immediately after the nibble.
const (
	headerBitsUnreliable = 4
	headerBitsReliable   = 4 + 16
	headerBitsNotify     = 4 + 16 + 8 + 16
	headerBitsPlain      = 4
)

// HeaderLenBits returns the number of header bits (nibble plus any reserved
// sequencing fields) that precede the payload for the given header.
func HeaderLenBits(h Header) int {
	mode, ok := SendModeOf(h)
	if !ok {
		return headerBitsPlain
	}
	switch mode {
	case ModeUnreliable:
		return headerBitsUnreliable
	case ModeNotify:
		return headerBitsNotify
	case ModeReliable:
		return headerBitsReliable
	default:
		return headerBitsPlain
	}
}

// MinLengthForMode is the minimum received-datagram length, in bytes, below
// which the frame is a ProtocolViolation and must be discarded without
// tearing the connection down.
func MinLengthForMode(mode SendMode) int {
	switch mode {
	case ModeNotify:
		return 6
	case ModeReliable:
		return 3
	default:
		return 1
	}
}

// Reject reasons (spec.md §6).
type RejectReason uint8

const (
	RejectNoConnection RejectReason = iota
	RejectAlreadyConnected
	RejectServerFull
	RejectRejected
	RejectCustom
)

// Disconnect reasons (spec.md §6).
type DisconnectReason uint8

const (
	DisconnectNeverConnected DisconnectReason = iota
	DisconnectConnectionRejected
	DisconnectTransportError
	DisconnectTimedOut
	DisconnectKicked
	DisconnectServerStopped
	DisconnectDisconnected
	DisconnectPoorConnection
)
