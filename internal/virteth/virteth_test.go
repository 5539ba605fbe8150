package virteth

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/tinyrange/guestweb/internal/hypercall"
	"github.com/tinyrange/guestweb/internal/netpeer"
	"github.com/tinyrange/guestweb/internal/pcap"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/network/arp"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
)

var (
	guestMAC  = net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}
	guestAddr = netip.MustParsePrefix("192.168.0.150/24")
	peerAddr  = netip.MustParsePrefix("192.168.0.1/24")
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newStack(tb testing.TB) *stack.Stack {
	tb.Helper()
	s := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, arp.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol},
	})
	tb.Cleanup(func() {
		s.Close()
		s.Wait()
	})
	return s
}

func addAddress(tb testing.TB, s *stack.Stack, nic tcpip.NICID, prefix netip.Prefix) {
	tb.Helper()
	pa := tcpip.ProtocolAddress{
		Protocol: ipv4.ProtocolNumber,
		AddressWithPrefix: tcpip.AddressWithPrefix{
			Address:   tcpip.AddrFrom4(prefix.Addr().As4()),
			PrefixLen: prefix.Bits(),
		},
	}
	if err := s.AddProtocolAddress(nic, pa, stack.AddressProperties{}); err != nil {
		tb.Fatalf("add address: %s", err)
	}
	s.SetRouteTable([]tcpip.Route{{Destination: pa.AddressWithPrefix.Subnet(), NIC: nic}})
}

// pollLoop stands in for the guest main loop.
func pollLoop(ctx context.Context, d *Device) {
	for {
		d.Poll(64)
		select {
		case <-ctx.Done():
			return
		case <-d.RxReady():
		case <-time.After(time.Millisecond):
		}
	}
}

func TestDeviceRegistersUnderName(t *testing.T) {
	network, _ := hypercall.NewMemoryNetwork(guestMAC, 16)
	s := newStack(t)

	dev, err := New(s, network, Options{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer dev.Close()

	info, ok := s.NICInfo()[DefaultNICID]
	if !ok {
		t.Fatalf("nic %d not registered", DefaultNICID)
	}
	if info.Name != DefaultName {
		t.Fatalf("expected nic name %q, got %q", DefaultName, info.Name)
	}
	if string(info.LinkAddress) != string(guestMAC) {
		t.Fatalf("unexpected link address %v", info.LinkAddress)
	}
	if got := FormatMAC(dev.MAC()); got != "00:11:22:33:44:55" {
		t.Fatalf("unexpected MAC string %q", got)
	}
}

func TestDeviceRegistrationFailureReleases(t *testing.T) {
	network, _ := hypercall.NewMemoryNetwork(guestMAC, 16)
	s := newStack(t)

	first, err := New(s, network, Options{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer first.Close()

	second, err := New(s, network, Options{Logger: quietLogger()})
	if err == nil {
		second.Close()
		t.Fatalf("expected duplicate registration to fail")
	}
	if second != nil {
		t.Fatalf("expected no device on failure")
	}
	if n := len(s.NICInfo()); n != 1 {
		t.Fatalf("expected 1 registered nic, got %d", n)
	}
}

func TestDeviceRejectsBadInputs(t *testing.T) {
	network, _ := hypercall.NewMemoryNetwork(guestMAC, 16)
	if _, err := New(nil, network, Options{}); !errors.Is(err, ErrNoStack) {
		t.Fatalf("expected ErrNoStack, got %v", err)
	}
	if _, err := New(newStack(t), nil, Options{}); err == nil {
		t.Fatalf("expected error for nil network")
	}
}

func TestIPv4Lookup(t *testing.T) {
	network, _ := hypercall.NewMemoryNetwork(guestMAC, 16)
	s := newStack(t)
	dev, err := New(s, network, Options{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer dev.Close()

	if _, ok := dev.IPv4(); ok {
		t.Fatalf("expected no address before binding")
	}
	addAddress(t, s, dev.NICID(), guestAddr)
	addr, ok := dev.IPv4()
	if !ok {
		t.Fatalf("expected bound address")
	}
	if addr.String() != "192.168.0.150" {
		t.Fatalf("unexpected address %s", addr)
	}
}

func TestTCPThroughDevice(t *testing.T) {
	network, _ := hypercall.NewMemoryNetwork(guestMAC, 1024)
	s := newStack(t)

	var capture bytes.Buffer
	pw, err := pcap.NewWriter(&capture, 0)
	if err != nil {
		t.Fatalf("pcap: %v", err)
	}

	dev, err := New(s, network, Options{Logger: quietLogger(), Capture: pw})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer dev.Close()
	addAddress(t, s, dev.NICID(), guestAddr)

	peer, err := netpeer.New(network, nil, peerAddr)
	if err != nil {
		t.Fatalf("netpeer: %v", err)
	}
	defer peer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go pollLoop(ctx, dev)

	ln, err := gonet.ListenTCP(s, tcpip.FullAddress{NIC: dev.NICID(), Port: 7}, ipv4.ProtocolNumber)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		_, _ = io.Copy(c, c)
	}()

	conn, err := peer.DialTCP(ctx, netip.AddrPortFrom(guestAddr.Addr(), 7))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	want := bytes.Repeat([]byte("virt-eth "), 1000)
	go func() { _, _ = conn.Write(want) }()

	got := make([]byte, len(want))
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("echo mismatch")
	}

	stats := dev.Stats()
	if stats.TxFrames == 0 || stats.RxFrames == 0 {
		t.Fatalf("expected traffic in both directions, got %+v", stats)
	}
	if pw.Frames() < stats.TxFrames+stats.RxFrames {
		t.Fatalf("expected %d captured frames, got %d", stats.TxFrames+stats.RxFrames, pw.Frames())
	}
}

func TestPollSkipsWhenLinkDown(t *testing.T) {
	network, _ := hypercall.NewMemoryNetwork(guestMAC, 16)
	s := newStack(t)
	dev, err := New(s, network, Options{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer dev.Close()

	if err := network.Deliver(make([]byte, 60)); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	network.SetLinkUp(false)
	if dev.LinkState() {
		t.Fatalf("expected link down")
	}
	if n := dev.Poll(0); n != 0 {
		t.Fatalf("expected no frames while link down, got %d", n)
	}
	network.SetLinkUp(true)
	if n := dev.Poll(0); n != 1 {
		t.Fatalf("expected 1 frame after link up, got %d", n)
	}
}

func TestWatchdogInterval(t *testing.T) {
	network, _ := hypercall.NewMemoryNetwork(guestMAC, 16)
	s := newStack(t)
	dev, err := New(s, network, Options{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer dev.Close()

	w := dev.NewWatchdog(500 * time.Millisecond)
	steps := []struct {
		now  uint32
		runs bool
	}{
		{0, false},
		{499, false},
		{500, true},
		{999, false},
		{1000, true},
		{1200, false},
	}
	for _, st := range steps {
		if got := w.Check(st.now); got != st.runs {
			t.Fatalf("Check(%d) = %v, want %v", st.now, got, st.runs)
		}
	}
	if network.WatchdogCalls() != 2 {
		t.Fatalf("expected 2 watchdog hypercalls, got %d", network.WatchdogCalls())
	}

	// Uptime wrapping past 2^32 still spaces runs by the interval.
	base := uint32(0xffffff00)
	w.last = base
	if w.Check(base + 100) {
		t.Fatalf("expected no run before interval")
	}
	if !w.Check(base + 600) {
		t.Fatalf("expected run across wrap")
	}
}
