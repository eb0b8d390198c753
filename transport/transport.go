// Package transport defines the byte-delivery contracts the core consumes
// and provides concrete UDP, length-prefixed TCP, and in-memory loopback
// implementations.
package transport

// ClientEvent is the event kind delivered to a client transport's handler.
type ClientEvent int

const (
	ClientConnected ClientEvent = iota
	ClientConnectionFailed
	ClientDataReceived
	ClientDisconnected
)

// ServerEvent is the event kind delivered to a server transport's handler.
type ServerEvent int

const (
	ServerConnected ServerEvent = iota
	ServerDataReceived
	ServerDisconnected
)

// DisconnectReason carries just enough information for the core to map a
// transport failure onto its own disconnect reason taxonomy.
type DisconnectReason int

const (
	ReasonLocal DisconnectReason = iota
	ReasonTransportError
)

// ConnHandle identifies one remote endpoint from the transport's
// perspective. Server transports hand these out on ServerConnected;
// client transports have exactly one, returned from Connect.
type ConnHandle interface {
	// Send transmits data to this endpoint: atomically for UDP, or framed
	// with a 16-bit length prefix for TCP.
	Send(data []byte) error
	// RemoteAddr is a human-readable endpoint identifier for logging.
	RemoteAddr() string
}

// ClientTransport is the contract a netclient.Client drives.
type ClientTransport interface {
	// Connect opens the underlying socket and returns a handle to the
	// single remote endpoint. May block briefly while the handle binds.
	Connect(addr string, port int) (ConnHandle, error)
	Disconnect()
	// Poll drains one batch of pending events, invoking handler for each.
	// Never blocks.
	Poll(handler func(event ClientEvent, conn ConnHandle, data []byte, reason DisconnectReason))
}

// ServerTransport is the contract a netserver.Server drives.
type ServerTransport interface {
	Start(port int) error
	Shutdown()
	Close(conn ConnHandle)
	Poll(handler func(event ServerEvent, conn ConnHandle, data []byte, reason DisconnectReason))
}
