// Package virteth adapts the hypervisor's virtual ethernet hypercalls to the
// device contract of the gVisor network stack.
//
// The stack sees an ordinary ethernet NIC. Outbound packets are queued on a
// channel link endpoint; its write notification triggers Send, which hands
// each frame to the hypervisor. Inbound frames are pulled from the
// hypervisor by Poll, called from the guest's main loop, and injected into
// the stack.
package virteth

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/guestweb/internal/hypercall"
	"github.com/tinyrange/guestweb/internal/pcap"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/link/ethernet"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
)

const (
	DefaultName              = "virt-eth"
	DefaultNICID tcpip.NICID = 1
	DefaultMTU               = 1500

	txQueueDepth = 256
	maxFrameLen  = 64 * 1024
)

var ErrNoStack = errors.New("virteth: nil stack")

type Options struct {
	// Name is the logical device name registered with the stack.
	Name  string
	NICID tcpip.NICID
	// MTU is the L3 MTU; the link MTU adds the ethernet header.
	MTU uint32
	// Capture, when set, records every frame crossing the device.
	Capture *pcap.Writer
	Logger  *slog.Logger
}

func (o *Options) normalize() {
	if o.Name == "" {
		o.Name = DefaultName
	}
	if o.NICID == 0 {
		o.NICID = DefaultNICID
	}
	if o.MTU == 0 {
		o.MTU = DefaultMTU
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Stats are running frame counters for the device.
type Stats struct {
	TxFrames uint64
	TxErrors uint64
	RxFrames uint64
	RxErrors uint64
}

// Device is a virtual ethernet NIC registered with a gVisor stack.
type Device struct {
	log     *slog.Logger
	network hypercall.Network
	stack   *stack.Stack
	nic     tcpip.NICID
	name    string
	mac     net.HardwareAddr
	capture *pcap.Writer

	ch     *channel.Endpoint
	notify *channel.NotificationHandle

	txMu sync.Mutex

	// Poll loop only.
	rxBuf []byte

	txFrames atomic.Uint64
	txErrors atomic.Uint64
	rxFrames atomic.Uint64
	rxErrors atomic.Uint64

	closeOnce sync.Once
}

// New builds the device from the hypervisor network and registers it with s.
// On any failure everything acquired so far is released and no NIC is left
// registered.
func New(s *stack.Stack, network hypercall.Network, opts Options) (*Device, error) {
	if s == nil {
		return nil, ErrNoStack
	}
	if network == nil {
		return nil, fmt.Errorf("virteth: nil hypercall network")
	}
	opts.normalize()

	mac := network.MAC()
	if len(mac) != 6 {
		return nil, fmt.Errorf("virteth: device requires 6-byte MAC address, got %d", len(mac))
	}

	d := &Device{
		log:     opts.Logger.With("dev", opts.Name),
		network: network,
		stack:   s,
		nic:     opts.NICID,
		name:    opts.Name,
		mac:     append(net.HardwareAddr(nil), mac...),
		capture: opts.Capture,
		rxBuf:   make([]byte, maxFrameLen),
	}

	// channel.Endpoint's MTU is the L2 MTU; ethernet.Endpoint subtracts the
	// header to get the L3 MTU.
	d.ch = channel.New(txQueueDepth, opts.MTU+header.EthernetMinimumSize, tcpip.LinkAddress(string(mac)))
	if err := s.CreateNICWithOptions(d.nic, ethernet.New(d.ch), stack.NICOptions{Name: d.name}); err != nil {
		d.ch.Close()
		return nil, fmt.Errorf("register device %q: %s", d.name, err)
	}
	d.notify = d.ch.AddNotify(d)

	d.log.Info("virtual ethernet registered", "nic", d.nic, "mac", FormatMAC(mac))
	return d, nil
}

// FormatMAC renders a hardware address as colon separated lowercase hex.
func FormatMAC(mac net.HardwareAddr) string {
	return mac.String()
}

func (d *Device) Name() string          { return d.name }
func (d *Device) NICID() tcpip.NICID    { return d.nic }
func (d *Device) MAC() net.HardwareAddr { return append(net.HardwareAddr(nil), d.mac...) }

// WriteNotify implements channel.Notification. The stack calls it after
// queueing outbound packets.
func (d *Device) WriteNotify() {
	d.Send()
}

// Send transmits every queued outbound packet through the hypervisor and
// returns how many frames were handed over.
func (d *Device) Send() int {
	d.txMu.Lock()
	defer d.txMu.Unlock()

	sent := 0
	for {
		pkt := d.ch.Read()
		if pkt == nil {
			return sent
		}
		if d.transmit(pkt) {
			sent++
		}
	}
}

func (d *Device) transmit(pkt *stack.PacketBuffer) bool {
	defer pkt.DecRef()

	view := pkt.ToView()
	defer view.Release()
	frame := view.AsSlice()

	if d.capture != nil {
		if err := d.capture.WriteFrame(frame); err != nil {
			d.log.Debug("capture tx", "err", err)
		}
	}
	if err := d.network.Send(frame); err != nil {
		d.txErrors.Add(1)
		d.log.Debug("tx dropped", "len", len(frame), "err", err)
		return false
	}
	d.txFrames.Add(1)
	return true
}

// Poll moves up to budget pending frames from the hypervisor into the stack
// and returns how many were delivered. A non-positive budget drains
// everything pending. Poll must only be called from the main loop.
func (d *Device) Poll(budget int) int {
	if !d.network.LinkUp() {
		return 0
	}
	delivered := 0
	for budget <= 0 || delivered < budget {
		n, err := d.network.Recv(d.rxBuf)
		if err != nil {
			d.rxErrors.Add(1)
			d.log.Debug("rx error", "len", n, "err", err)
			if n == 0 {
				break
			}
			continue
		}
		if n == 0 {
			break
		}
		d.deliver(d.rxBuf[:n])
		delivered++
	}
	return delivered
}

func (d *Device) deliver(frame []byte) {
	if d.capture != nil {
		if err := d.capture.WriteFrame(frame); err != nil {
			d.log.Debug("capture rx", "err", err)
		}
	}
	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(append([]byte(nil), frame...)),
	})
	// The ethernet endpoint parses the link header itself and ignores the
	// protocol argument.
	d.ch.InjectInbound(0, pkt)
	pkt.DecRef()
	d.rxFrames.Add(1)
}

// LinkState reports whether the hypervisor link is up.
func (d *Device) LinkState() bool {
	return d.network.LinkUp()
}

// RxReady returns a channel signalled when frames are pending, or nil when
// the hypervisor network cannot notify.
func (d *Device) RxReady() <-chan struct{} {
	if n, ok := d.network.(hypercall.RxNotifier); ok {
		return n.RxReady()
	}
	return nil
}

// IPv4 returns the primary IPv4 address bound to the device.
func (d *Device) IPv4() (netip.Addr, bool) {
	addr, err := d.stack.GetMainNICAddress(d.nic, ipv4.ProtocolNumber)
	if err != nil {
		return netip.Addr{}, false
	}
	if addr.Address.Len() != header.IPv4AddressSize || addr.Address.Unspecified() {
		return netip.Addr{}, false
	}
	return netip.AddrFrom4(addr.Address.As4()), true
}

func (d *Device) Stats() Stats {
	return Stats{
		TxFrames: d.txFrames.Load(),
		TxErrors: d.txErrors.Load(),
		RxFrames: d.rxFrames.Load(),
		RxErrors: d.rxErrors.Load(),
	}
}

// Close unregisters the NIC and releases the link endpoint.
func (d *Device) Close() error {
	d.closeOnce.Do(func() {
		d.ch.RemoveNotify(d.notify)
		if err := d.stack.RemoveNIC(d.nic); err != nil {
			d.log.Debug("remove nic", "err", err.String())
		}
		d.ch.Close()
	})
	return nil
}

var _ channel.Notification = (*Device)(nil)
