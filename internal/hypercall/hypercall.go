// Package hypercall describes the primitives the hypervisor offers a guest:
// the virtual ethernet send/receive calls, the platform MAC address, a link
// watchdog, a free-running cycle counter and interrupt registration.
//
// Implementations in this package back those primitives with an in-memory
// frame queue (tests, host simulations) or a Linux TAP device.
package hypercall

import (
	"errors"
	"net"
)

var (
	ErrTxQueueFull     = errors.New("hypercall: transmit queue full")
	ErrFrameTruncated  = errors.New("hypercall: frame larger than receive buffer")
	ErrLinkDown        = errors.New("hypercall: link down")
	ErrUnsupportedLine = errors.New("hypercall: unsupported interrupt line")
	ErrClosed          = errors.New("hypercall: closed")
)

// Network is the virtual ethernet hypercall surface.
type Network interface {
	// MAC returns the hardware address assigned to the guest.
	MAC() net.HardwareAddr
	// Send transmits one ethernet frame. The frame may be reused by the
	// caller once Send returns.
	Send(frame []byte) error
	// Recv copies the next pending frame into buf. It never blocks and
	// returns 0, nil when no frame is pending.
	Recv(buf []byte) (int, error)
	// LinkUp reports the link state of the virtual device.
	LinkUp() bool
	// Watchdog lets the transport detect a stalled link.
	Watchdog() error
}

// RxNotifier is implemented by networks that can signal pending receive
// frames so the poll loop does not have to spin.
type RxNotifier interface {
	RxReady() <-chan struct{}
}

// Line identifies a guest interrupt line.
type Line uint32

const (
	GuestTimer Line = iota
)

func (l Line) String() string {
	switch l {
	case GuestTimer:
		return "guest-timer"
	}
	return "unknown"
}

// Interrupts registers guest interrupt handlers. Handlers run in interrupt
// context: they must not block and must not call back into request handling.
type Interrupts interface {
	Register(line Line, handler func()) error
}
