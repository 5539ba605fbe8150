// Package router answers the board's HTTP requests. It is the callback of an
// httpserver.Server and runs entirely on the poll loop.
package router

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strings"

	"github.com/tinyrange/guestweb/internal/board"
	"github.com/tinyrange/guestweb/internal/httpserver"
	"github.com/tinyrange/guestweb/internal/webfiles"
)

// ResponseBufferSize is the size of the buffer dynamic responses are
// composed in.
const ResponseBufferSize = 1024

const ledToggled = "Led toggled!"

// Server is the part of httpserver.Server the router drives.
type Server interface {
	Accept() (httpserver.Conn, error)
	Resource(conn httpserver.Conn) (string, error)
	Method(conn httpserver.Conn) (httpserver.Method, error)
	Respond(conn httpserver.Conn, flags httpserver.ResponseFlags) error
	SubmitData(conn httpserver.Conn, data []byte) error
	Progress(conn httpserver.Conn) (sent, total int, err error)
	Close(conn httpserver.Conn) error
}

// Uptime reports milliseconds since boot.
type Uptime interface {
	Millis() uint32
}

// AddressSource reports the IPv4 address bound to the network device.
type AddressSource interface {
	IPv4() (netip.Addr, bool)
}

// Config wires the router to the server, board state and static files.
type Config struct {
	Server  Server
	Uptime  Uptime
	Address AddressSource
	Files   *webfiles.Table
	LED1    *board.LED
	LED2    *board.LED
	MAC     net.HardwareAddr
	Logger  *slog.Logger
}

// App is the router state. The response buffer is shared by all requests;
// the server admits a single connection, so at most one response is in
// flight at a time.
type App struct {
	log     *slog.Logger
	srv     Server
	uptime  Uptime
	address AddressSource
	files   *webfiles.Table
	leds    [2]*board.LED
	ledOn   [2]bool
	mac     string

	buf [ResponseBufferSize]byte

	// Connections with a chunked body awaiting its final chunk.
	open map[httpserver.Conn]bool
}

// New validates cfg and reads the initial LED levels.
func New(cfg Config) (*App, error) {
	if cfg.Server == nil {
		return nil, errors.New("router: nil server")
	}
	if cfg.Uptime == nil {
		return nil, errors.New("router: nil uptime source")
	}
	if cfg.Address == nil {
		return nil, errors.New("router: nil address source")
	}
	if cfg.LED1 == nil || cfg.LED2 == nil {
		return nil, errors.New("router: both leds are required")
	}
	if len(cfg.MAC) != 6 {
		return nil, fmt.Errorf("router: invalid MAC %q", cfg.MAC)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &App{
		log:     cfg.Logger.With("component", "router"),
		srv:     cfg.Server,
		uptime:  cfg.Uptime,
		address: cfg.Address,
		files:   cfg.Files,
		leds:    [2]*board.LED{cfg.LED1, cfg.LED2},
		ledOn:   [2]bool{cfg.LED1.On(), cfg.LED2.On()},
		mac:     cfg.MAC.String(),
		open:    make(map[httpserver.Conn]bool),
	}, nil
}

// Wakeup handles one callback invocation. Event bits are handled in the
// order connection, request, progress, sent, close, error.
func (a *App) Wakeup(ev httpserver.Event, conn httpserver.Conn) {
	if ev&httpserver.EventConnection != 0 {
		if _, err := a.srv.Accept(); err != nil {
			a.log.Warn("accept failed", "err", err)
		}
	}
	if ev&httpserver.EventRequest != 0 {
		a.request(conn)
	}
	if ev&httpserver.EventProgress != 0 {
		if sent, total, err := a.srv.Progress(conn); err == nil {
			a.log.Debug("progress", "conn", conn, "sent", sent, "total", total)
		}
	}
	if ev&httpserver.EventSent != 0 {
		a.sent(conn)
	}
	if ev&httpserver.EventClose != 0 {
		a.close(conn)
	}
	if ev&httpserver.EventError != 0 {
		a.log.Warn("server reported an error", "conn", conn)
	}
}

type routeKind uint8

const (
	routeStatic routeKind = iota
	routeBoardInfo
	routeIP
	routeMAC
	routeLED1
	routeLED2
)

var routes = []struct {
	path string
	kind routeKind
}{
	{"/board_info", routeBoardInfo},
	{"/ip", routeIP},
	{"/mac", routeMAC},
	{"/led1", routeLED1},
	{"/led2", routeLED2},
}

func normalizePath(p string) string {
	if p == "" || p == "/" {
		return "/index.html"
	}
	return p
}

func resolve(p string) routeKind {
	for _, r := range routes {
		if r.path == p {
			return r.kind
		}
	}
	return routeStatic
}

func (a *App) request(conn httpserver.Conn) {
	resource, err := a.srv.Resource(conn)
	if err != nil {
		a.log.Warn("request without resource", "conn", conn, "err", err)
		return
	}
	method, _ := a.srv.Method(conn)
	resource = normalizePath(resource)
	a.log.Debug("request", "conn", conn, "method", method, "resource", resource)

	switch kind := resolve(resource); kind {
	case routeBoardInfo:
		a.respond(conn, httpserver.ResourceFound, fmt.Appendf(a.buf[:0],
			`{"uptime":%d, "l1":"%s", "l2":"%s"}`,
			a.uptime.Millis(), onOff(a.ledOn[0]), onOff(a.ledOn[1])))
	case routeIP:
		a.respond(conn, httpserver.ResourceFound, append(a.buf[:0], a.ipString()...))
	case routeMAC:
		a.respond(conn, httpserver.ResourceFound, append(a.buf[:0], a.mac...))
	case routeLED1, routeLED2:
		a.toggle(int(kind - routeLED1))
		a.respond(conn, httpserver.ResourceFound, append(a.buf[:0], ledToggled...))
	default:
		a.serveStatic(conn, resource)
	}
}

func (a *App) serveStatic(conn httpserver.Conn, resource string) {
	f, ok := a.files.Find(strings.TrimPrefix(resource, "/"))
	if !ok {
		if err := a.srv.Respond(conn, httpserver.ResourceNotFound); err != nil {
			a.log.Warn("respond failed", "conn", conn, "err", err)
		}
		return
	}
	flags := httpserver.StaticResource
	if f.Cacheable {
		flags |= httpserver.CacheableResource
	}
	a.respond(conn, flags, f.Content)
}

func (a *App) respond(conn httpserver.Conn, flags httpserver.ResponseFlags, body []byte) {
	if err := a.srv.Respond(conn, flags); err != nil {
		a.log.Warn("respond failed", "conn", conn, "err", err)
		return
	}
	if len(body) == 0 {
		a.finish(conn)
		return
	}
	if err := a.srv.SubmitData(conn, body); err != nil {
		a.log.Warn("submit failed", "conn", conn, "err", err)
		return
	}
	a.open[conn] = true
}

func (a *App) sent(conn httpserver.Conn) {
	if !a.open[conn] {
		a.log.Debug("sent without open body", "conn", conn)
		return
	}
	delete(a.open, conn)
	a.finish(conn)
}

func (a *App) finish(conn httpserver.Conn) {
	if err := a.srv.SubmitData(conn, nil); err != nil {
		a.log.Warn("final chunk failed", "conn", conn, "err", err)
	}
}

func (a *App) close(conn httpserver.Conn) {
	if conn == 0 {
		a.log.Warn("close event without a connection")
		return
	}
	delete(a.open, conn)
	if err := a.srv.Close(conn); err != nil {
		a.log.Warn("close failed", "conn", conn, "err", err)
	}
}

func (a *App) toggle(i int) {
	if err := a.leds[i].Toggle(); err != nil {
		a.log.Warn("toggle failed", "led", a.leds[i].Name(), "err", err)
		return
	}
	a.ledOn[i] = !a.ledOn[i]
}

func (a *App) ipString() string {
	addr, ok := a.address.IPv4()
	if !ok {
		return "0.0.0.0"
	}
	return addr.String()
}

// LEDs reports the router's view of both LEDs.
func (a *App) LEDs() (led1, led2 bool) {
	return a.ledOn[0], a.ledOn[1]
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

var _ Server = (*httpserver.Server)(nil)
