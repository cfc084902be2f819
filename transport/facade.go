package transport

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
)

// role is the facade's current active role (§4.9).
type role int32

const (
	roleIdle role = iota
	// roleConnecting reserves the facade for an in-flight Connect call: it
	// blocks a second concurrent Connect/Listen the same way roleClient
	// would, but ClientSend/ClientReceive still treat it as inactive
	// (ErrWrongRole) because t.mux/t.clientConn aren't assigned yet.
	roleConnecting
	roleClient
	roleServer
)

// SocketFactory abstracts socket construction so tests can substitute a
// fake dialer/listener without touching the network — this is the
// spec's socket_factory constructor argument (§6). The default
// implementation, defaultSocketFactory, is a thin wrapper over
// net.Dialer.DialContext / net.ListenTCP.
type SocketFactory interface {
	Dial(ctx context.Context, addr string) (*net.TCPConn, error)
	Listen(addr string) (*net.TCPListener, error)
}

type defaultSocketFactory struct{}

func (defaultSocketFactory) Dial(ctx context.Context, addr string) (*net.TCPConn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return conn.(*net.TCPConn), nil
}

func (defaultSocketFactory) Listen(addr string) (*net.TCPListener, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, err
	}
	return net.ListenTCP("tcp", tcpAddr)
}

// DefaultSocketFactory returns the net.DialTCP/net.ListenTCP-backed
// SocketFactory used when New is not given one explicitly.
func DefaultSocketFactory() SocketFactory { return defaultSocketFactory{} }

// Handoff is the server-side tuple (connection, correlation id, payload)
// described in §3/§4.7: passed to the user handler and back into
// ServerSend. The connection is held weakly in the sense that the decoder
// never owns it — it exists only to route the reply.
type Handoff struct {
	conn          *Conn
	correlationID uint32
	Payload       []byte
}

// Handler is invoked once per request, on the decode-loop goroutine of the
// connection it arrived on (§4.7). A handler that may block should off-load
// to its own executor (§5).
type Handler func(handle *Handoff)

// Transport is the single externally visible object (§4.9): it exposes
// Connect/Listen/ClientSend/ClientReceive/ServerSend/Close/Dispose and
// enforces the role and lifecycle invariants of §4.9/§7.
//
// There is no single teacher file this maps to 1:1 — the teacher splits
// client and server into separate types (Conn, Server) because it never
// needs to be both. This facade unifies them behind one role-guarded
// object because the spec requires exactly that: a single component that
// can be either role, never both at once.
type Transport struct {
	factory        SocketFactory
	bufferSize     int
	maxConnections int
	opts           options

	buffers  *Pool[[]byte]
	latches  *Pool[*latch]
	decoders *Pool[*decoder]

	mu       sync.Mutex
	role     role
	disposed atomic.Bool

	// server role
	acceptor     *acceptor
	handler      Handler
	handoffs     *Pool[*Handoff]
	serverCancel context.CancelFunc
	serverConns  map[uint64]*Conn
	nextConnID   uint64

	// client role
	clientConn      *Conn
	clientCancel    context.CancelFunc
	mux             *multiplexer
	nextCorrelation atomic.Uint32
}

// New constructs a Transport bound to factory, rejecting out-of-range
// arguments as §6 requires (buffer_size >= 256, max_connections >= 1).
func New(factory SocketFactory, bufferSize, maxConnections int, opts ...Option) (*Transport, error) {
	if bufferSize < 256 {
		return nil, ErrInvalidBufferSize
	}
	if maxConnections < 1 {
		return nil, ErrInvalidMaxConnections
	}
	if factory == nil {
		factory = DefaultSocketFactory()
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	applyDefaults(&o)

	t := &Transport{
		factory:        factory,
		bufferSize:     bufferSize,
		maxConnections: maxConnections,
		opts:           o,
		serverConns:    make(map[uint64]*Conn),
	}

	t.buffers = NewPool(10*maxConnections, 10*maxConnections,
		func() []byte { return make([]byte, bufferSize) },
		nil, // contents are overwritten by the next Read; no reset needed
	)
	t.latches = NewPool(maxConnections, maxConnections/2,
		func() *latch { return newLatch() },
		func(l *latch) { l.reset() },
	)
	// Decoder scratch state is the fourth pooled object §4.1 names
	// alongside buffers, latches, and handoffs: one *decoder per live
	// connection, reused instead of reallocated on every Connect/accept.
	t.decoders = NewPool(maxConnections, maxConnections/2,
		func() *decoder { return newDecoder(func(ck chunk) { t.buffers.Release(ck.buf) }) },
		func(d *decoder) { d.reset() },
	)

	return t, nil
}

// ConnectedClients reports §6's currently_connected_clients observable. It
// is zero outside the server role.
func (t *Transport) ConnectedClients() uint32 {
	t.mu.Lock()
	a := t.acceptor
	t.mu.Unlock()
	if a == nil {
		return 0
	}
	return a.connectedClients()
}

// Connect transitions idle -> client and blocks until the outbound socket
// is connected (§4.9, §6).
func (t *Transport) Connect(ctx context.Context, addr string) error {
	if t.disposed.Load() {
		return ErrDisposed
	}

	t.mu.Lock()
	if t.role != roleIdle {
		t.mu.Unlock()
		return ErrAlreadyActive
	}
	t.role = roleConnecting
	t.mu.Unlock()

	raw, err := t.factory.Dial(ctx, addr)
	if err != nil {
		t.mu.Lock()
		t.role = roleIdle
		t.mu.Unlock()
		return ioError(err, "connect to %s", addr)
	}

	mux := newMultiplexer(t.latches, t.opts.logger)
	connCtx, cancel := context.WithCancel(context.Background())

	onFrame := func(_ *Conn, correlationID uint32, payload []byte) error {
		mux.signal(correlationID, payload)
		return nil
	}
	onClosed := func(_ *Conn, err error) {
		if err != nil {
			t.opts.logger.Debug("client connection closed", "addr", addr, "error", err)
		}
		mux.cancelAll()
	}

	clientConn := newConn(raw, t.buffers, t.decoders, t.opts.logger, t.opts.sendBufferSize, onFrame, onClosed)

	// Only now, with mux and clientConn fully built, is the client role
	// published. A concurrent ClientSend/ClientReceive that observed
	// roleConnecting above would have returned ErrWrongRole instead of
	// racing to read a still-nil t.mux/t.clientConn.
	t.mu.Lock()
	t.mux = mux
	t.clientConn = clientConn
	t.clientCancel = cancel
	t.role = roleClient
	t.mu.Unlock()

	go func() { _ = clientConn.Run(connCtx) }()

	return nil
}

// ClientSend encodes payload with a freshly allocated correlation id and
// writes it to the client connection. When registerForResponse is true, a
// Waiter is registered before the write is submitted so no reply can race
// ahead of registration (§6).
func (t *Transport) ClientSend(payload []byte, registerForResponse bool) (correlationID uint32, err error) {
	if payload == nil {
		return 0, ErrNilPayload
	}

	t.mu.Lock()
	active := t.role == roleClient
	conn := t.clientConn
	t.mu.Unlock()
	if !active {
		return 0, ErrWrongRole
	}

	correlationID = t.nextCorrelation.Add(1)

	if registerForResponse {
		if _, err := t.mux.register(correlationID); err != nil {
			return 0, err
		}
	}

	if err := conn.Send(EncodeFrame(payload, correlationID)); err != nil {
		if registerForResponse {
			t.mux.unregister(correlationID)
		}
		return 0, err
	}

	return correlationID, nil
}

// ClientReceive blocks until correlationID's reply arrives, then
// unregisters it and returns the payload (§6). correlationID must have
// been registered via ClientSend(..., true).
func (t *Transport) ClientReceive(correlationID uint32) ([]byte, error) {
	t.mu.Lock()
	active := t.role == roleClient
	mux := t.mux
	t.mu.Unlock()
	if !active {
		return nil, ErrWrongRole
	}

	w, ok := mux.lookup(correlationID)
	if !ok {
		return nil, ErrWaiterNotFound
	}

	return mux.wait(correlationID, w)
}

// Listen transitions idle -> server and begins accepting connections,
// returning immediately (§4.9, §6). handler is invoked for each decoded
// request; replies are sent with ServerSend.
func (t *Transport) Listen(addr string, handler Handler) error {
	if t.disposed.Load() {
		return ErrDisposed
	}
	if handler == nil {
		return ErrMissingHandler
	}

	t.mu.Lock()
	if t.role != roleIdle {
		t.mu.Unlock()
		return ErrAlreadyActive
	}
	t.role = roleServer
	t.mu.Unlock()

	listener, err := t.factory.Listen(addr)
	if err != nil {
		t.mu.Lock()
		t.role = roleIdle
		t.mu.Unlock()
		return ioError(err, "listen on %s", addr)
	}

	t.handler = handler
	t.handoffs = NewPool(t.maxConnections, t.maxConnections/2,
		func() *Handoff { return &Handoff{} },
		func(h *Handoff) { h.conn = nil; h.correlationID = 0; h.Payload = nil },
	)

	ctx, cancel := context.WithCancel(context.Background())
	t.serverCancel = cancel

	onFrame := func(conn *Conn, correlationID uint32, payload []byte) error {
		h := t.handoffs.Acquire()
		h.conn = conn
		h.correlationID = correlationID
		h.Payload = payload
		t.handler(h)
		return nil
	}

	t.acceptor = newAcceptor(listener, t.opts.logger, t.maxConnections)

	go func() {
		_ = t.acceptor.serve(ctx, func(raw *net.TCPConn) {
			id := atomic.AddUint64(&t.nextConnID, 1)
			onClosed := func(conn *Conn, err error) {
				t.mu.Lock()
				delete(t.serverConns, id)
				t.mu.Unlock()
				if err != nil {
					t.opts.logger.Debug("server connection closed", "addr", conn.Addr(), "error", err)
				}
			}
			conn := newConn(raw, t.buffers, t.decoders, t.opts.logger, t.opts.sendBufferSize, onFrame, onClosed)

			t.mu.Lock()
			t.serverConns[id] = conn
			t.mu.Unlock()

			_ = conn.Run(ctx)
		})
	}()

	return nil
}

// ServerSend encodes payload with handle's correlation id and writes it to
// handle's connection, then returns handle to its pool (§4.7, §6).
func (t *Transport) ServerSend(payload []byte, handle *Handoff) error {
	if payload == nil {
		return ErrNilPayload
	}
	if handle == nil || handle.conn == nil {
		return ErrMissingConnection
	}

	t.mu.Lock()
	active := t.role == roleServer
	t.mu.Unlock()
	if !active {
		return ErrWrongRole
	}

	err := handle.conn.Send(EncodeFrame(payload, handle.correlationID))
	t.handoffs.Release(handle)
	return err
}

// Close shuts down the active role and returns the facade to idle.
// Connect/Listen are permitted again afterward (§4.9, §6). Outstanding
// ClientReceive calls are released with ErrCanceled (§5, §9 REDESIGN FLAG).
func (t *Transport) Close() error {
	t.mu.Lock()
	current := t.role
	t.role = roleIdle
	cancelClient := t.clientCancel
	cancelServer := t.serverCancel
	acc := t.acceptor
	conns := t.serverConns
	t.serverConns = make(map[uint64]*Conn)
	mux := t.mux
	t.mu.Unlock()

	switch current {
	case roleClient:
		if cancelClient != nil {
			cancelClient()
		}
		if mux != nil {
			mux.cancelAll()
		}
	case roleServer:
		if cancelServer != nil {
			cancelServer()
		}
		if acc != nil {
			_ = acc.close()
		}
		for _, c := range conns {
			_ = c.Close()
		}
	}

	return nil
}

// Dispose permanently tears down the facade: it closes any active role and
// drains the pooled resources (buffers, latches, decoders, and — if Listen
// was ever called — handoffs) so nothing outlives it. The facade must not
// be used afterward (§6).
func (t *Transport) Dispose() error {
	err := t.Close()

	t.buffers.Drain()
	t.latches.Drain()
	t.decoders.Drain()
	t.mu.Lock()
	handoffs := t.handoffs
	t.mu.Unlock()
	if handoffs != nil {
		handoffs.Drain()
	}

	t.disposed.Store(true)
	return err
}
