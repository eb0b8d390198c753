package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"netcode/netlog"
)

const maxTCPFrameSize = 1 << 16

// tcpConnHandle frames every Send with a 16-bit big-endian length prefix,
// matching the spec's length-prefixed TCP fallback framing. onError fires
// a disconnected pending event the first time either a Send or the read
// loop observes a transport failure; reported guards against both sides
// racing to report the same dead connection twice.
type tcpConnHandle struct {
	conn net.Conn
	mu   sync.Mutex

	reported sync.Once
	onError  func()
}

func (h *tcpConnHandle) Send(data []byte) error {
	if len(data) > maxTCPFrameSize-1 {
		return fmt.Errorf("transport: tcp frame too large: %d bytes", len(data))
	}
	var prefix [2]byte
	binary.BigEndian.PutUint16(prefix[:], uint16(len(data)))

	h.mu.Lock()
	_, err := h.conn.Write(prefix[:])
	if err == nil {
		_, err = h.conn.Write(data)
	}
	h.mu.Unlock()
	if err != nil {
		h.reported.Do(h.onError)
	}
	return err
}

func (h *tcpConnHandle) RemoteAddr() string { return h.conn.RemoteAddr().String() }

func readFrame(r io.Reader) ([]byte, error) {
	var prefix [2]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(prefix[:])
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

// TCPServerTransport accepts connections on a listening socket and reads
// length-prefixed frames from each, one reader goroutine per client.
type TCPServerTransport struct {
	log *netlog.Logger

	mu       sync.Mutex
	listener net.Listener
	closed   bool
	conns    []net.Conn

	pendingMu sync.Mutex
	pending   []func(handler func(event ServerEvent, conn ConnHandle, data []byte, reason DisconnectReason))
}

func NewTCPServerTransport(log *netlog.Logger) *TCPServerTransport {
	return &TCPServerTransport{log: log}
}

func (t *TCPServerTransport) Start(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("transport: tcp listen: %w", err)
	}
	t.listener = ln
	t.log.Info("tcp server listening", netlog.Int("port", port))
	go t.acceptLoop()
	return nil
}

// Addr returns the bound local address, useful for tests that start on an
// OS-assigned ephemeral port (port 0).
func (t *TCPServerTransport) Addr() string {
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

func (t *TCPServerTransport) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if closed {
				return
			}
			t.log.Warn("tcp accept error", netlog.Err(err))
			continue
		}
		t.mu.Lock()
		t.conns = append(t.conns, conn)
		t.mu.Unlock()
		handle := &tcpConnHandle{conn: conn}
		handle.onError = func() {
			t.pendingMu.Lock()
			t.pending = append(t.pending, func(handler func(ServerEvent, ConnHandle, []byte, DisconnectReason)) {
				handler(ServerDisconnected, handle, nil, ReasonTransportError)
			})
			t.pendingMu.Unlock()
		}
		t.pendingMu.Lock()
		t.pending = append(t.pending, func(handler func(ServerEvent, ConnHandle, []byte, DisconnectReason)) {
			handler(ServerConnected, handle, nil, 0)
		})
		t.pendingMu.Unlock()
		go t.readLoop(handle)
	}
}

func (t *TCPServerTransport) readLoop(handle *tcpConnHandle) {
	for {
		data, err := readFrame(handle.conn)
		if err != nil {
			handle.reported.Do(handle.onError)
			return
		}
		t.pendingMu.Lock()
		t.pending = append(t.pending, func(handler func(ServerEvent, ConnHandle, []byte, DisconnectReason)) {
			handler(ServerDataReceived, handle, data, 0)
		})
		t.pendingMu.Unlock()
	}
}

func (t *TCPServerTransport) Poll(handler func(event ServerEvent, conn ConnHandle, data []byte, reason DisconnectReason)) {
	t.pendingMu.Lock()
	batch := t.pending
	t.pending = nil
	t.pendingMu.Unlock()
	for _, fn := range batch {
		fn(handler)
	}
}

func (t *TCPServerTransport) Close(c ConnHandle) {
	h, ok := c.(*tcpConnHandle)
	if !ok {
		return
	}
	_ = h.conn.Close()
}

func (t *TCPServerTransport) Shutdown() {
	t.mu.Lock()
	t.closed = true
	ln := t.listener
	conns := t.conns
	t.conns = nil
	t.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	for _, c := range conns {
		_ = c.Close()
	}
}

// TCPClientTransport dials one remote TCP endpoint and reads length-prefixed
// frames from it.
type TCPClientTransport struct {
	log  *netlog.Logger
	conn net.Conn

	pendingMu sync.Mutex
	pending   []func(handler func(event ClientEvent, conn ConnHandle, data []byte, reason DisconnectReason))
}

func NewTCPClientTransport(log *netlog.Logger) *TCPClientTransport {
	return &TCPClientTransport{log: log}
}

func (t *TCPClientTransport) Connect(addr string, port int) (ConnHandle, error) {
	conn, err := net.Dial("tcp", fmt.Sprintf("%s:%d", addr, port))
	if err != nil {
		return nil, fmt.Errorf("transport: tcp dial: %w", err)
	}
	t.conn = conn
	handle := &tcpConnHandle{conn: conn}
	handle.onError = func() {
		t.pendingMu.Lock()
		t.pending = append(t.pending, func(handler func(ClientEvent, ConnHandle, []byte, DisconnectReason)) {
			handler(ClientDisconnected, handle, nil, ReasonTransportError)
		})
		t.pendingMu.Unlock()
	}
	go t.readLoop(handle)
	return handle, nil
}

func (t *TCPClientTransport) readLoop(handle *tcpConnHandle) {
	for {
		data, err := readFrame(handle.conn)
		if err != nil {
			handle.reported.Do(handle.onError)
			return
		}
		t.pendingMu.Lock()
		t.pending = append(t.pending, func(handler func(ClientEvent, ConnHandle, []byte, DisconnectReason)) {
			handler(ClientDataReceived, handle, data, 0)
		})
		t.pendingMu.Unlock()
	}
}

func (t *TCPClientTransport) Poll(handler func(event ClientEvent, conn ConnHandle, data []byte, reason DisconnectReason)) {
	t.pendingMu.Lock()
	batch := t.pending
	t.pending = nil
	t.pendingMu.Unlock()
	for _, fn := range batch {
		fn(handler)
	}
}

func (t *TCPClientTransport) Disconnect() {
	if t.conn != nil {
		_ = t.conn.Close()
	}
}
