// Package dnsresponder answers DNS queries for the board's own hostname on
// UDP port 53 of the guest stack.
package dnsresponder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
)

const (
	Port       = 53
	DefaultTTL = 60
)

var (
	ErrNotServing     = errors.New("dnsresponder: server exited before serving")
	ErrAlreadyStarted = errors.New("dnsresponder: already started")
)

type Options struct {
	NICID    tcpip.NICID
	Hostname string
	Addr     netip.Addr
	TTL      uint32
	Logger   *slog.Logger
}

// Responder is authoritative for a single name. Its handler runs on the DNS
// server's goroutines and only reads immutable fields.
type Responder struct {
	log    *slog.Logger
	server *dns.Server
	pc     net.PacketConn
	name   string
	addr   netip.Addr
	ttl    uint32

	started   chan struct{}
	done      chan struct{}
	serveErr  error
	startOnce sync.Once
	once      sync.Once
}

// New binds UDP port 53 on opts.Addr. Queries are served after Start.
func New(s *stack.Stack, opts Options) (*Responder, error) {
	if s == nil {
		return nil, errors.New("dnsresponder: nil stack")
	}
	if !opts.Addr.Is4() {
		return nil, fmt.Errorf("dnsresponder: %s is not an IPv4 address", opts.Addr)
	}
	name := strings.Trim(strings.ToLower(opts.Hostname), ".")
	if name == "" {
		return nil, errors.New("dnsresponder: empty hostname")
	}
	if opts.TTL == 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	laddr := tcpip.FullAddress{
		NIC:  opts.NICID,
		Addr: tcpip.AddrFrom4(opts.Addr.As4()),
		Port: Port,
	}
	pc, err := gonet.DialUDP(s, &laddr, nil, ipv4.ProtocolNumber)
	if err != nil {
		return nil, fmt.Errorf("dnsresponder: bind %s:%d: %w", opts.Addr, Port, err)
	}

	r := &Responder{
		log:     opts.Logger.With("component", "dns"),
		pc:      pc,
		name:    dns.Fqdn(name),
		addr:    opts.Addr,
		ttl:     opts.TTL,
		started: make(chan struct{}),
		done:    make(chan struct{}),
	}
	mux := dns.NewServeMux()
	mux.HandleFunc(".", r.handle)
	r.server = &dns.Server{
		Net:               "udp",
		Handler:           mux,
		PacketConn:        pc,
		NotifyStartedFunc: func() { close(r.started) },
	}
	return r, nil
}

func (r *Responder) Name() string { return r.name }

// Start serves queries in the background and returns once the server is
// reading, or ErrNotServing if it stopped before that.
func (r *Responder) Start() error {
	first := false
	r.startOnce.Do(func() {
		first = true
		go r.serve()
	})
	if !first {
		return ErrAlreadyStarted
	}

	select {
	case <-r.started:
		r.log.Info("dns responder started", "name", r.name, "addr", r.addr)
		return nil
	case <-r.done:
		r.log.Warn("dns responder did not start", "err", r.serveErr)
		return fmt.Errorf("%w: %v", ErrNotServing, r.serveErr)
	}
}

func (r *Responder) serve() {
	defer close(r.done)
	err := r.server.ActivateAndServe()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		r.log.Error("dns: server exited", "err", err)
	}
	r.serveErr = err
}

func (r *Responder) Close() error {
	r.once.Do(func() {
		select {
		case <-r.started:
			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()
			_ = r.server.ShutdownContext(ctx)
		default:
		}
		if r.pc != nil {
			_ = r.pc.Close()
		}
	})
	return nil
}

func (r *Responder) handle(w dns.ResponseWriter, req *dns.Msg) {
	m := new(dns.Msg)
	m.SetReply(req)
	m.Authoritative = true

	for _, q := range req.Question {
		if !strings.EqualFold(q.Name, r.name) {
			r.log.Debug("dns: unknown name", "name", q.Name)
			m.SetRcode(req, dns.RcodeNameError)
			continue
		}
		if q.Qtype != dns.TypeA {
			continue
		}
		m.Answer = append(m.Answer, &dns.A{
			Hdr: dns.RR_Header{
				Name:   q.Name,
				Rrtype: dns.TypeA,
				Class:  dns.ClassINET,
				Ttl:    r.ttl,
			},
			A: net.IP(r.addr.AsSlice()),
		})
	}

	if err := w.WriteMsg(m); err != nil {
		r.log.Debug("dns: write reply", "err", err)
	}
}
