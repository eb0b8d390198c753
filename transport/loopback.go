package transport

import "sync"

// LoopbackTransport pairs one client with one server in-process, for unit
// tests and demos that need a working transport without touching a socket.
type LoopbackTransport struct {
	mu sync.Mutex

	serverPending   []func(handler func(event ServerEvent, conn ConnHandle, data []byte, reason DisconnectReason))
	clientPending   []func(handler func(event ClientEvent, conn ConnHandle, data []byte, reason DisconnectReason))
	serverConnected bool
	closed          bool

	serverSideHandle *loopbackHandle
	clientSideHandle *loopbackHandle
}

// NewLoopbackTransport returns a connected pair sharing one in-memory
// transport: call ServerSide() / ClientSide() to get the two halves.
func NewLoopbackTransport() *LoopbackTransport {
	return &LoopbackTransport{}
}

type loopbackHandle struct {
	lb      *LoopbackTransport
	isServerSide bool
	addr    string
}

func (h *loopbackHandle) RemoteAddr() string { return h.addr }

func (h *loopbackHandle) Send(data []byte) error {
	h.lb.mu.Lock()
	defer h.lb.mu.Unlock()
	if h.lb.closed {
		return nil
	}
	cp := append([]byte(nil), data...)
	if h.isServerSide {
		// server handle sending -> arrives at the client
		h.lb.clientPending = append(h.lb.clientPending, func(handler func(ClientEvent, ConnHandle, []byte, DisconnectReason)) {
			handler(ClientDataReceived, h.lb.clientHandle(), cp, 0)
		})
	} else {
		h.lb.serverPending = append(h.lb.serverPending, func(handler func(ServerEvent, ConnHandle, []byte, DisconnectReason)) {
			handler(ServerDataReceived, h.lb.serverHandle(), cp, 0)
		})
	}
	return nil
}

// serverHandle and clientHandle are memoized: the server's handleToID map is
// keyed on ConnHandle identity, so every event for the same peer must hand
// back the exact same pointer rather than a freshly allocated one.
func (lb *LoopbackTransport) serverHandle() ConnHandle {
	if lb.serverSideHandle == nil {
		lb.serverSideHandle = &loopbackHandle{lb: lb, isServerSide: true, addr: "loopback-client"}
	}
	return lb.serverSideHandle
}

func (lb *LoopbackTransport) clientHandle() ConnHandle {
	if lb.clientSideHandle == nil {
		lb.clientSideHandle = &loopbackHandle{lb: lb, isServerSide: false, addr: "loopback-server"}
	}
	return lb.clientSideHandle
}

// LoopbackServerTransport is the ServerTransport half of a LoopbackTransport.
type LoopbackServerTransport struct{ lb *LoopbackTransport }

func (lb *LoopbackTransport) ServerSide() *LoopbackServerTransport {
	return &LoopbackServerTransport{lb: lb}
}

func (s *LoopbackServerTransport) Start(port int) error { return nil }

func (s *LoopbackServerTransport) Shutdown() {
	s.lb.mu.Lock()
	s.lb.closed = true
	s.lb.mu.Unlock()
}

func (s *LoopbackServerTransport) Close(conn ConnHandle) {}

func (s *LoopbackServerTransport) Poll(handler func(event ServerEvent, conn ConnHandle, data []byte, reason DisconnectReason)) {
	s.lb.mu.Lock()
	if !s.lb.serverConnected {
		s.lb.serverConnected = true
		s.lb.mu.Unlock()
		handler(ServerConnected, s.lb.serverHandle(), nil, 0)
		s.lb.mu.Lock()
	}
	batch := s.lb.serverPending
	s.lb.serverPending = nil
	s.lb.mu.Unlock()
	for _, fn := range batch {
		fn(handler)
	}
}

// LoopbackClientTransport is the ClientTransport half of a LoopbackTransport.
type LoopbackClientTransport struct{ lb *LoopbackTransport }

func (lb *LoopbackTransport) ClientSide() *LoopbackClientTransport {
	return &LoopbackClientTransport{lb: lb}
}

func (c *LoopbackClientTransport) Connect(addr string, port int) (ConnHandle, error) {
	return c.lb.clientHandle(), nil
}

func (c *LoopbackClientTransport) Disconnect() {
	c.lb.mu.Lock()
	c.lb.closed = true
	c.lb.mu.Unlock()
}

func (c *LoopbackClientTransport) Poll(handler func(event ClientEvent, conn ConnHandle, data []byte, reason DisconnectReason)) {
	c.lb.mu.Lock()
	batch := c.lb.clientPending
	c.lb.clientPending = nil
	c.lb.mu.Unlock()
	for _, fn := range batch {
		fn(handler)
	}
}
