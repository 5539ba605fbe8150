package httpserver

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"os"
	"path"
	"sync"
	"sync/atomic"
	"time"
)

type opKind uint8

const (
	opHeader opKind = iota
	opChunk
	opTrailer
	opShutdown
)

type writeOp struct {
	kind opKind
	data []byte
}

type connection struct {
	srv *Server
	id  Conn
	nc  net.Conn

	mu       sync.Mutex
	resource string
	method   Method

	// Owned by the goroutine calling Tick.
	responded  bool
	headerSent bool
	ended      bool
	flags      ResponseFlags

	writes    chan writeOp
	sent      atomic.Int64
	total     atomic.Int64
	finished  atomic.Bool
	closing   atomic.Bool
	closeOnce sync.Once
	eventOnce sync.Once
}

func newConnection(s *Server, id Conn, nc net.Conn) *connection {
	return &connection{
		srv:    s,
		id:     id,
		nc:     nc,
		writes: make(chan writeOp, writeQueueDepth),
	}
}

func (c *connection) start() {
	c.srv.wg.Add(2)
	go c.readLoop()
	go c.writeLoop()
}

func (c *connection) post(ev Event) {
	if c.closing.Load() {
		return
	}
	c.srv.post(ev, c.id)
}

func (c *connection) postClose() {
	c.eventOnce.Do(func() { c.post(EventClose) })
}

func (c *connection) readLoop() {
	defer c.srv.wg.Done()

	br := bufio.NewReader(c.nc)
	c.nc.SetReadDeadline(time.Now().Add(c.srv.opts.ReadTimeout))

	req, err := http.ReadRequest(br)
	if err != nil {
		c.readFailed(err)
		return
	}
	c.nc.SetReadDeadline(time.Time{})

	c.mu.Lock()
	c.resource = req.URL.Path
	c.method = parseMethod(req.Method)
	c.mu.Unlock()

	c.srv.log.Debug("request", "conn", c.id, "method", req.Method, "path", req.URL.Path)
	c.post(EventRequest)

	// Nothing more is expected from the client. Wait for it to hang up or
	// for the idle deadline set once the response is done.
	_, err = io.Copy(io.Discard, br)
	if err == nil {
		err = io.EOF
	}
	c.readFailed(err)
}

func (c *connection) readFailed(err error) {
	switch {
	case c.closing.Load():
		return
	case errors.Is(err, io.EOF), c.finished.Load():
		c.postClose()
	default:
		if errors.Is(err, os.ErrDeadlineExceeded) {
			c.srv.log.Debug("read timeout", "conn", c.id)
		} else {
			c.srv.log.Debug("read failed", "conn", c.id, "err", err)
		}
		c.post(EventError)
		c.postClose()
	}
}

func (c *connection) writeLoop() {
	defer c.srv.wg.Done()
	defer c.srv.connDone(c)
	defer c.nc.Close()

	failed := false
	for op := range c.writes {
		if failed {
			continue
		}
		if err := c.apply(op); err != nil {
			failed = true
			if !c.closing.Load() {
				c.srv.log.Debug("write failed", "conn", c.id, "err", err)
				c.post(EventError)
			}
		}
	}
}

func (c *connection) apply(op writeOp) error {
	switch op.kind {
	case opHeader:
		_, err := c.nc.Write(op.data)
		return err
	case opChunk:
		return c.writeChunk(op.data)
	case opTrailer:
		if _, err := io.WriteString(c.nc, "0\r\n\r\n"); err != nil {
			return err
		}
		return c.shutdown()
	case opShutdown:
		return c.shutdown()
	default:
		return fmt.Errorf("httpserver: unknown write op %d", op.kind)
	}
}

func (c *connection) writeChunk(data []byte) error {
	c.sent.Store(0)
	c.total.Store(int64(len(data)))

	if _, err := fmt.Fprintf(c.nc, "%x\r\n", len(data)); err != nil {
		return err
	}
	seg := c.srv.opts.WriteSegment
	for off := 0; off < len(data); off += seg {
		end := min(off+seg, len(data))
		n, err := c.nc.Write(data[off:end])
		c.sent.Add(int64(n))
		if err != nil {
			return err
		}
		c.post(EventProgress)
	}
	if _, err := io.WriteString(c.nc, "\r\n"); err != nil {
		return err
	}
	c.post(EventSent)
	return nil
}

type closeWriter interface {
	CloseWrite() error
}

func (c *connection) shutdown() error {
	c.finished.Store(true)
	if cw, ok := c.nc.(closeWriter); ok {
		if err := cw.CloseWrite(); err != nil {
			return err
		}
	}
	return c.nc.SetReadDeadline(time.Now().Add(c.srv.opts.IdleTimeout))
}

func (c *connection) enqueue(op writeOp) error {
	select {
	case c.writes <- op:
		return nil
	default:
		return ErrWriteQueueFull
	}
}

func (c *connection) respond(flags ResponseFlags) error {
	if c.responded {
		return ErrAlreadyResponded
	}
	c.responded = true
	c.flags = flags

	if flags&ResourceNotFound != 0 {
		c.ended = true
		c.headerSent = true
		if err := c.enqueue(writeOp{kind: opHeader, data: notFoundHeader}); err != nil {
			return err
		}
		return c.enqueue(writeOp{kind: opShutdown})
	}
	return nil
}

func (c *connection) submit(data []byte) error {
	if !c.responded {
		return ErrNotResponding
	}
	if c.ended {
		return ErrResponseDone
	}

	if !c.headerSent {
		c.headerSent = true
		if err := c.enqueue(writeOp{kind: opHeader, data: c.foundHeader(data)}); err != nil {
			return err
		}
	}
	if len(data) == 0 {
		c.ended = true
		return c.enqueue(writeOp{kind: opTrailer})
	}
	return c.enqueue(writeOp{kind: opChunk, data: data})
}

var notFoundHeader = []byte("HTTP/1.1 404 Not Found\r\n" +
	"Content-Length: 0\r\n" +
	"Connection: close\r\n\r\n")

func (c *connection) foundHeader(first []byte) []byte {
	c.mu.Lock()
	resource := c.resource
	c.mu.Unlock()

	cache := "no-cache"
	if c.flags&CacheableResource != 0 {
		cache = "public, max-age=86400"
	}
	return fmt.Appendf(nil, "HTTP/1.1 200 OK\r\n"+
		"Content-Type: %s\r\n"+
		"Transfer-Encoding: chunked\r\n"+
		"Cache-Control: %s\r\n"+
		"Connection: close\r\n\r\n",
		contentType(resource, c.flags&StaticResource != 0, first), cache)
}

func contentType(resource string, static bool, first []byte) string {
	if static {
		if ct := mime.TypeByExtension(path.Ext(resource)); ct != "" {
			return ct
		}
	}
	return http.DetectContentType(first)
}

// drain stops event delivery and lets the writer flush the queue. A body
// that was started but not terminated gets its final chunk. The writer
// closes the socket once the queue is empty.
func (c *connection) drain() {
	c.closing.Store(true)
	if c.responded && !c.ended {
		if err := c.submit(nil); err != nil {
			c.srv.log.Debug("terminate body on close", "conn", c.id, "err", err)
		}
	}
	c.nc.SetWriteDeadline(time.Now().Add(c.srv.opts.IdleTimeout))
	c.closeOnce.Do(func() { close(c.writes) })
}

// abort closes the socket without flushing.
func (c *connection) abort() {
	c.closing.Store(true)
	c.closeOnce.Do(func() { close(c.writes) })
	c.nc.Close()
}
