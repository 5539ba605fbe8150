// Package netpeer runs a second gVisor stack on the far end of an in-memory
// hypercall network. It plays the role of the host or browser talking to the
// guest in tests.
package netpeer

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"sync"

	"github.com/tinyrange/guestweb/internal/hypercall"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/link/ethernet"
	"gvisor.dev/gvisor/pkg/tcpip/network/arp"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
)

const NICID tcpip.NICID = 1

// DefaultMAC is the hardware address used by the peer unless overridden.
var DefaultMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}

// Peer is a gVisor stack wired to the other end of a MemoryNetwork.
type Peer struct {
	Stack *stack.Stack

	network *hypercall.MemoryNetwork
	ch      *channel.Endpoint
	addr    netip.Prefix

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// New attaches a peer with address addr to network.
func New(network *hypercall.MemoryNetwork, mac net.HardwareAddr, addr netip.Prefix) (*Peer, error) {
	if network == nil {
		return nil, fmt.Errorf("netpeer: nil network")
	}
	if mac == nil {
		mac = DefaultMAC
	}
	if !addr.Addr().Is4() {
		return nil, fmt.Errorf("netpeer: expected IPv4 prefix, got %s", addr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Peer{
		network: network,
		addr:    addr,
		ctx:     ctx,
		cancel:  cancel,
	}

	p.ch = channel.New(4096, 1500+header.EthernetMinimumSize, tcpip.LinkAddress(string(mac)))
	p.Stack = stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, arp.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol},
	})
	if err := p.Stack.CreateNIC(NICID, ethernet.New(p.ch)); err != nil {
		p.teardown()
		return nil, fmt.Errorf("netpeer: create nic: %s", err)
	}
	protoAddr := tcpip.ProtocolAddress{
		Protocol: ipv4.ProtocolNumber,
		AddressWithPrefix: tcpip.AddressWithPrefix{
			Address:   tcpip.AddrFrom4(addr.Addr().As4()),
			PrefixLen: addr.Bits(),
		},
	}
	if err := p.Stack.AddProtocolAddress(NICID, protoAddr, stack.AddressProperties{}); err != nil {
		p.teardown()
		return nil, fmt.Errorf("netpeer: add address: %s", err)
	}
	p.Stack.SetRouteTable([]tcpip.Route{{
		Destination: protoAddr.AddressWithPrefix.Subnet(),
		NIC:         NICID,
	}})

	p.wg.Add(2)
	go p.fromGuest()
	go p.toGuest()
	return p, nil
}

// guest -> peer
func (p *Peer) fromGuest() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case frame := <-p.network.Transmitted():
			pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
				Payload: buffer.MakeWithData(frame),
			})
			p.ch.InjectInbound(0, pkt)
			pkt.DecRef()
		}
	}
}

// peer -> guest
func (p *Peer) toGuest() {
	defer p.wg.Done()
	for {
		pkt := p.ch.ReadContext(p.ctx)
		if pkt == nil {
			return
		}
		view := pkt.ToView()
		frame := append([]byte(nil), view.AsSlice()...)
		view.Release()
		pkt.DecRef()

		_ = p.network.Deliver(frame)
	}
}

// Addr returns the peer's IPv4 address.
func (p *Peer) Addr() netip.Addr {
	return p.addr.Addr()
}

func fullAddress(dst netip.AddrPort) tcpip.FullAddress {
	return tcpip.FullAddress{
		NIC:  NICID,
		Addr: tcpip.AddrFrom4(dst.Addr().As4()),
		Port: dst.Port(),
	}
}

// DialTCP opens a TCP connection from the peer to dst.
func (p *Peer) DialTCP(ctx context.Context, dst netip.AddrPort) (net.Conn, error) {
	conn, err := gonet.DialContextTCP(ctx, p.Stack, fullAddress(dst), ipv4.ProtocolNumber)
	if err != nil {
		return nil, fmt.Errorf("netpeer: dial tcp %s: %w", dst, err)
	}
	return conn, nil
}

// DialUDP opens a connected UDP socket from the peer to dst.
func (p *Peer) DialUDP(dst netip.AddrPort) (net.Conn, error) {
	remote := fullAddress(dst)
	conn, err := gonet.DialUDP(p.Stack, nil, &remote, ipv4.ProtocolNumber)
	if err != nil {
		return nil, fmt.Errorf("netpeer: dial udp %s: %w", dst, err)
	}
	return conn, nil
}

// HTTPClient returns a client whose connections originate from the peer.
// Keep-alives are disabled so every request uses a fresh connection.
func (p *Peer) HTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DisableKeepAlives: true,
			DialContext: func(ctx context.Context, network, address string) (net.Conn, error) {
				dst, err := netip.ParseAddrPort(address)
				if err != nil {
					return nil, fmt.Errorf("netpeer: %w", err)
				}
				return p.DialTCP(ctx, dst)
			},
		},
	}
}

func (p *Peer) teardown() {
	p.cancel()
	p.ch.Close()
	p.Stack.Close()
}

// Close stops the frame pumps and the peer stack.
func (p *Peer) Close() error {
	p.once.Do(func() {
		p.teardown()
		p.wg.Wait()
		p.Stack.Wait()
	})
	return nil
}
