package transport

import (
	"fmt"
	"net"
	"sync"

	"netcode/netlog"
)

const maxDatagramSize = 1229

// udpConnHandle identifies a remote peer address for the UDP transport.
type udpConnHandle struct {
	conn *net.UDPConn
	addr *net.UDPAddr
}

func (h *udpConnHandle) Send(data []byte) error {
	if h.conn.RemoteAddr() != nil {
		// A client's dialed socket is already bound to its peer.
		_, err := h.conn.Write(data)
		return err
	}
	_, err := h.conn.WriteToUDP(data, h.addr)
	return err
}

func (h *udpConnHandle) RemoteAddr() string { return h.addr.String() }

// UDPServerTransport listens on one UDP socket and multiplexes datagrams by
// source address, matching the teacher's single-socket accept model.
type UDPServerTransport struct {
	log *netlog.Logger

	mu      sync.Mutex
	conn    *net.UDPConn
	clients map[string]*udpConnHandle
	closed  bool

	pendingMu sync.Mutex
	pending   []func(handler func(event ServerEvent, conn ConnHandle, data []byte, reason DisconnectReason))
}

// NewUDPServerTransport returns a transport logging through log.
func NewUDPServerTransport(log *netlog.Logger) *UDPServerTransport {
	return &UDPServerTransport{log: log, clients: make(map[string]*udpConnHandle)}
}

func (t *UDPServerTransport) Start(port int) error {
	addr := &net.UDPAddr{Port: port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("transport: udp listen: %w", err)
	}
	t.conn = conn
	t.log.Info("udp server listening", netlog.Int("port", port))
	go t.readLoop()
	return nil
}

func (t *UDPServerTransport) readLoop() {
	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if closed {
				return
			}
			t.log.Warn("udp read error", netlog.Err(err))
			continue
		}
		data := append([]byte(nil), buf[:n]...)
		key := addr.String()

		t.mu.Lock()
		handle, known := t.clients[key]
		if !known {
			handle = &udpConnHandle{conn: t.conn, addr: addr}
			t.clients[key] = handle
		}
		t.mu.Unlock()

		t.pendingMu.Lock()
		if !known {
			t.pending = append(t.pending, func(handler func(ServerEvent, ConnHandle, []byte, DisconnectReason)) {
				handler(ServerConnected, handle, nil, 0)
			})
		}
		t.pending = append(t.pending, func(handler func(ServerEvent, ConnHandle, []byte, DisconnectReason)) {
			handler(ServerDataReceived, handle, data, 0)
		})
		t.pendingMu.Unlock()
	}
}

// Addr returns the bound local address, useful for tests that start on an
// OS-assigned ephemeral port (port 0).
func (t *UDPServerTransport) Addr() string {
	if t.conn == nil {
		return ""
	}
	return t.conn.LocalAddr().String()
}

func (t *UDPServerTransport) Poll(handler func(event ServerEvent, conn ConnHandle, data []byte, reason DisconnectReason)) {
	t.pendingMu.Lock()
	batch := t.pending
	t.pending = nil
	t.pendingMu.Unlock()
	for _, fn := range batch {
		fn(handler)
	}
}

func (t *UDPServerTransport) Close(c ConnHandle) {
	h, ok := c.(*udpConnHandle)
	if !ok {
		return
	}
	t.mu.Lock()
	delete(t.clients, h.addr.String())
	t.mu.Unlock()
}

func (t *UDPServerTransport) Shutdown() {
	t.mu.Lock()
	t.closed = true
	conn := t.conn
	t.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// UDPClientTransport dials one remote UDP endpoint.
type UDPClientTransport struct {
	log *netlog.Logger

	conn *net.UDPConn

	pendingMu sync.Mutex
	pending   []func(handler func(event ClientEvent, conn ConnHandle, data []byte, reason DisconnectReason))
}

// NewUDPClientTransport returns a transport logging through log.
func NewUDPClientTransport(log *netlog.Logger) *UDPClientTransport {
	return &UDPClientTransport{log: log}
}

func (t *UDPClientTransport) Connect(addr string, port int) (ConnHandle, error) {
	raddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", addr, port))
	if err != nil {
		return nil, fmt.Errorf("transport: resolve: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial: %w", err)
	}
	t.conn = conn
	handle := &udpConnHandle{conn: conn, addr: raddr}
	go t.readLoop(handle)
	return handle, nil
}

func (t *UDPClientTransport) readLoop(handle *udpConnHandle) {
	buf := make([]byte, maxDatagramSize)
	for {
		n, err := t.conn.Read(buf)
		if err != nil {
			t.pendingMu.Lock()
			t.pending = append(t.pending, func(handler func(ClientEvent, ConnHandle, []byte, DisconnectReason)) {
				handler(ClientDisconnected, handle, nil, ReasonTransportError)
			})
			t.pendingMu.Unlock()
			return
		}
		data := append([]byte(nil), buf[:n]...)
		t.pendingMu.Lock()
		t.pending = append(t.pending, func(handler func(ClientEvent, ConnHandle, []byte, DisconnectReason)) {
			handler(ClientDataReceived, handle, data, 0)
		})
		t.pendingMu.Unlock()
	}
}

func (t *UDPClientTransport) Poll(handler func(event ClientEvent, conn ConnHandle, data []byte, reason DisconnectReason)) {
	t.pendingMu.Lock()
	batch := t.pending
	t.pending = nil
	t.pendingMu.Unlock()
	for _, fn := range batch {
		fn(handler)
	}
}

func (t *UDPClientTransport) Disconnect() {
	if t.conn != nil {
		_ = t.conn.Close()
	}
}
