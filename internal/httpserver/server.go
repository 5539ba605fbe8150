// Package httpserver is a small event-driven HTTP/1.1 server running on a
// gVisor network stack.
//
// The server never calls application code from its own goroutines. Accepting,
// request parsing and socket writes happen in the background and only queue
// events; Tick drains the queue and invokes the callback synchronously, so
// the application sees one event at a time on the goroutine that calls Tick.
//
// The application drives each response: on EventRequest it calls Respond and
// SubmitData; every non-empty chunk is reported back with EventProgress and
// then EventSent, after which the application submits the next chunk or an
// empty one to terminate the chunked body.
package httpserver

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
)

const (
	DefaultPort           = 80
	DefaultMaxConnections = 1

	defaultReadTimeout  = 10 * time.Second
	defaultIdleTimeout  = 5 * time.Second
	defaultWriteSegment = 1024
	defaultEventQueue   = 64
	writeQueueDepth     = 8
)

var (
	ErrServerClosed     = errors.New("httpserver: server closed")
	ErrAlreadyStarted   = errors.New("httpserver: already started")
	ErrUnknownConn      = errors.New("httpserver: unknown connection")
	ErrNoPendingConn    = errors.New("httpserver: no pending connection")
	ErrAlreadyResponded = errors.New("httpserver: response already started")
	ErrNotResponding    = errors.New("httpserver: respond before submitting data")
	ErrResponseDone     = errors.New("httpserver: response already finished")
	ErrWriteQueueFull   = errors.New("httpserver: write queue full")
)

// Options tune a Server. Zero values select the defaults.
type Options struct {
	// NICID restricts the listener to one NIC; zero listens on all.
	NICID tcpip.NICID
	// MaxConnections bounds live plus pending connections.
	MaxConnections int
	// ReadTimeout bounds how long a client may take to send its headers.
	ReadTimeout time.Duration
	// IdleTimeout bounds how long a finished connection waits for the
	// client to close before the server reports EventClose itself.
	IdleTimeout time.Duration
	// WriteSegment is the write size between EventProgress reports.
	WriteSegment int
	EventQueue   int
	Logger       *slog.Logger
}

func (o *Options) normalize() {
	if o.MaxConnections <= 0 {
		o.MaxConnections = DefaultMaxConnections
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = defaultReadTimeout
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = defaultIdleTimeout
	}
	if o.WriteSegment <= 0 {
		o.WriteSegment = defaultWriteSegment
	}
	if o.EventQueue <= 0 {
		o.EventQueue = defaultEventQueue
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

type queued struct {
	ev   Event
	conn Conn
}

// Server accepts HTTP connections on a gVisor stack and reports them to a
// Callback through Tick.
type Server struct {
	log   *slog.Logger
	stack *stack.Stack
	opts  Options

	ln      *gonet.TCPListener
	port    uint16
	events  chan queued
	wake    chan struct{}
	slots   chan struct{}
	pending chan net.Conn
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once

	// Closed connections still flushing their queued writes.
	drainMu  sync.Mutex
	draining map[*connection]struct{}

	// Owned by the goroutine calling Tick.
	cb       Callback
	conns    map[Conn]*connection
	nextID   Conn
	accepted int
	batch    []queued
}

// New returns a server on s. It does not listen until Start.
func New(s *stack.Stack, opts Options) *Server {
	opts.normalize()
	return &Server{
		log:     opts.Logger.With("component", "httpserver"),
		stack:   s,
		opts:    opts,
		events:  make(chan queued, opts.EventQueue),
		wake:    make(chan struct{}, 1),
		slots:   make(chan struct{}, opts.MaxConnections),
		pending: make(chan net.Conn, opts.MaxConnections),
		done:    make(chan struct{}),
		conns:   make(map[Conn]*connection),

		draining: make(map[*connection]struct{}),
	}
}

// Start listens on port (DefaultPort when zero) and starts accepting
// connections. Events are delivered to cb from Tick.
func (s *Server) Start(port uint16, cb Callback) error {
	if cb == nil {
		return fmt.Errorf("httpserver: nil callback")
	}
	select {
	case <-s.done:
		return ErrServerClosed
	default:
	}
	if s.ln != nil {
		return ErrAlreadyStarted
	}
	if port == 0 {
		port = DefaultPort
	}

	ln, err := gonet.ListenTCP(s.stack, tcpip.FullAddress{NIC: s.opts.NICID, Port: port}, ipv4.ProtocolNumber)
	if err != nil {
		return fmt.Errorf("httpserver: listen on port %d: %w", port, err)
	}
	s.ln = ln
	s.port = port
	s.cb = cb

	s.wg.Add(1)
	go s.acceptLoop()

	s.log.Info("http server listening", "port", port, "maxConnections", s.opts.MaxConnections)
	return nil
}

func (s *Server) Port() uint16 { return s.port }

// Wake is signalled whenever events are queued.
func (s *Server) Wake() <-chan struct{} { return s.wake }

func (s *Server) post(ev Event, conn Conn) {
	select {
	case s.events <- queued{ev: ev, conn: conn}:
	case <-s.done:
		return
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Server) releaseSlot() {
	select {
	case <-s.slots:
	default:
	}
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		select {
		case s.slots <- struct{}{}:
		case <-s.done:
			return
		}

		nc, err := s.ln.Accept()
		if err != nil {
			s.releaseSlot()
			select {
			case <-s.done:
			default:
				s.log.Warn("accept failed", "err", err)
				s.post(EventError, 0)
			}
			return
		}

		select {
		case s.pending <- nc:
		case <-s.done:
			nc.Close()
			return
		}
		s.post(EventConnection, 0)
	}
}

// Tick delivers every queued event to the callback and returns how many
// callback invocations were made. Adjacent events for the same connection
// are merged into one mask when that keeps their order.
func (s *Server) Tick() int {
	s.batch = s.batch[:0]
drain:
	for {
		select {
		case q := <-s.events:
			n := len(s.batch)
			if n > 0 && q.conn != 0 && s.batch[n-1].conn == q.conn &&
				s.batch[n-1].ev.highest() < q.ev.lowest() {
				s.batch[n-1].ev |= q.ev
				continue
			}
			s.batch = append(s.batch, q)
		default:
			break drain
		}
	}

	for _, q := range s.batch {
		s.dispatch(q)
	}
	return len(s.batch)
}

func (s *Server) dispatch(q queued) {
	if q.conn == 0 {
		s.accepted = 0
		s.cb(q.ev, 0)
		if q.ev&EventConnection != 0 && s.accepted == 0 {
			s.reject()
		}
		return
	}
	if _, ok := s.conns[q.conn]; !ok {
		s.log.Debug("event for closed connection", "conn", q.conn, "ev", q.ev)
		return
	}
	s.cb(q.ev, q.conn)
}

func (s *Server) reject() {
	select {
	case nc := <-s.pending:
		s.log.Debug("rejecting connection", "remote", nc.RemoteAddr())
		nc.Close()
		s.releaseSlot()
	default:
	}
}

func (s *Server) allocID() Conn {
	for {
		s.nextID++
		if s.nextID == 0 {
			continue
		}
		if _, used := s.conns[s.nextID]; !used {
			return s.nextID
		}
	}
}

// Accept takes the pending connection announced by EventConnection.
func (s *Server) Accept() (Conn, error) {
	select {
	case nc := <-s.pending:
		id := s.allocID()
		c := newConnection(s, id, nc)
		s.conns[id] = c
		s.accepted++
		c.start()
		s.log.Debug("connection accepted", "conn", id, "remote", nc.RemoteAddr())
		return id, nil
	default:
		return 0, ErrNoPendingConn
	}
}

func (s *Server) lookup(conn Conn) (*connection, error) {
	c, ok := s.conns[conn]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownConn, conn)
	}
	return c, nil
}

// Resource returns the request path, without query string.
func (s *Server) Resource(conn Conn) (string, error) {
	c, err := s.lookup(conn)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resource, nil
}

func (s *Server) Method(conn Conn) (Method, error) {
	c, err := s.lookup(conn)
	if err != nil {
		return MethodOther, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.method, nil
}

// Respond starts the response. A not-found response is complete on its own;
// a found response is followed by SubmitData calls.
func (s *Server) Respond(conn Conn, flags ResponseFlags) error {
	c, err := s.lookup(conn)
	if err != nil {
		return err
	}
	return c.respond(flags)
}

// SubmitData queues one chunk of the response body. data is referenced until
// the matching EventSent and must not be modified before then. Empty data
// terminates the body.
func (s *Server) SubmitData(conn Conn, data []byte) error {
	c, err := s.lookup(conn)
	if err != nil {
		return err
	}
	return c.submit(data)
}

// Progress reports how much of the current chunk has been written.
func (s *Server) Progress(conn Conn) (sent, total int, err error) {
	c, err := s.lookup(conn)
	if err != nil {
		return 0, 0, err
	}
	return int(c.sent.Load()), int(c.total.Load()), nil
}

// Close releases the connection handle. Writes already queued are still
// flushed, and a started body is terminated, before the socket is closed.
// No further events are delivered for conn.
func (s *Server) Close(conn Conn) error {
	c, err := s.lookup(conn)
	if err != nil {
		return err
	}
	delete(s.conns, conn)

	s.drainMu.Lock()
	s.draining[c] = struct{}{}
	s.drainMu.Unlock()

	c.drain()
	return nil
}

// connDone runs once a connection's writer has closed its socket.
func (s *Server) connDone(c *connection) {
	s.drainMu.Lock()
	delete(s.draining, c)
	s.drainMu.Unlock()
	s.releaseSlot()
}

// Draining reports how many closed connections are still flushing.
func (s *Server) Draining() int {
	s.drainMu.Lock()
	defer s.drainMu.Unlock()
	return len(s.draining)
}

// Connections reports the number of accepted, not yet closed connections.
func (s *Server) Connections() int {
	return len(s.conns)
}

// Shutdown stops the listener, closes every connection and waits for the
// background goroutines. It must be called from the goroutine calling Tick.
func (s *Server) Shutdown() error {
	s.once.Do(func() {
		close(s.done)
		if s.ln != nil {
			s.ln.Close()
		}
		for id, c := range s.conns {
			delete(s.conns, id)
			c.abort()
		}
		s.drainMu.Lock()
		for c := range s.draining {
			c.abort()
		}
		s.drainMu.Unlock()
		for {
			select {
			case nc := <-s.pending:
				nc.Close()
				continue
			default:
			}
			break
		}
		s.wg.Wait()
	})
	return nil
}
