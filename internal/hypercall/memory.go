package hypercall

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
)

// MemoryNetwork is a Network whose wire is a pair of frame queues. The guest
// uses the Network methods; the other end of the wire is driven with
// Deliver and Transmitted.
type MemoryNetwork struct {
	mac       net.HardwareAddr
	toGuest   chan []byte
	fromGuest chan []byte
	rxReady   chan struct{}

	linkUp    atomic.Bool
	watchdogs atomic.Uint64
	dropped   atomic.Uint64
}

// NewMemoryNetwork returns a network with room for depth frames in each
// direction. The link starts up.
func NewMemoryNetwork(mac net.HardwareAddr, depth int) (*MemoryNetwork, error) {
	if len(mac) != 6 {
		return nil, fmt.Errorf("memory network requires 6-byte MAC address, got %d", len(mac))
	}
	if depth <= 0 {
		depth = 256
	}
	n := &MemoryNetwork{
		mac:       append(net.HardwareAddr(nil), mac...),
		toGuest:   make(chan []byte, depth),
		fromGuest: make(chan []byte, depth),
		rxReady:   make(chan struct{}, 1),
	}
	n.linkUp.Store(true)
	return n, nil
}

func (n *MemoryNetwork) MAC() net.HardwareAddr {
	return append(net.HardwareAddr(nil), n.mac...)
}

func (n *MemoryNetwork) Send(frame []byte) error {
	if !n.linkUp.Load() {
		n.dropped.Add(1)
		return ErrLinkDown
	}
	out := append([]byte(nil), frame...)
	select {
	case n.fromGuest <- out:
		return nil
	default:
		n.dropped.Add(1)
		return ErrTxQueueFull
	}
}

func (n *MemoryNetwork) Recv(buf []byte) (int, error) {
	select {
	case frame := <-n.toGuest:
		c := copy(buf, frame)
		if c < len(frame) {
			return c, ErrFrameTruncated
		}
		return c, nil
	default:
		return 0, nil
	}
}

func (n *MemoryNetwork) LinkUp() bool {
	return n.linkUp.Load()
}

func (n *MemoryNetwork) Watchdog() error {
	n.watchdogs.Add(1)
	if !n.linkUp.Load() {
		return ErrLinkDown
	}
	return nil
}

func (n *MemoryNetwork) RxReady() <-chan struct{} {
	return n.rxReady
}

// Deliver queues a frame for the guest to receive.
func (n *MemoryNetwork) Deliver(frame []byte) error {
	if !n.linkUp.Load() {
		n.dropped.Add(1)
		return ErrLinkDown
	}
	select {
	case n.toGuest <- append([]byte(nil), frame...):
	default:
		n.dropped.Add(1)
		return ErrTxQueueFull
	}
	select {
	case n.rxReady <- struct{}{}:
	default:
	}
	return nil
}

// Transmitted yields frames sent by the guest.
func (n *MemoryNetwork) Transmitted() <-chan []byte {
	return n.fromGuest
}

// SetLinkUp changes the link state seen by the guest.
func (n *MemoryNetwork) SetLinkUp(up bool) {
	n.linkUp.Store(up)
}

// WatchdogCalls reports how many times the guest invoked the watchdog.
func (n *MemoryNetwork) WatchdogCalls() uint64 {
	return n.watchdogs.Load()
}

// Dropped reports frames discarded because of a full queue or a down link.
func (n *MemoryNetwork) Dropped() uint64 {
	return n.dropped.Load()
}

// ManualInterrupts records handlers and runs them when Fire is called. It
// stands in for interrupt delivery in tests.
type ManualInterrupts struct {
	mu       sync.Mutex
	handlers map[Line]func()
}

func (m *ManualInterrupts) Register(line Line, handler func()) error {
	if line != GuestTimer {
		return fmt.Errorf("%w: %d", ErrUnsupportedLine, line)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handlers == nil {
		m.handlers = make(map[Line]func())
	}
	m.handlers[line] = handler
	return nil
}

// Fire runs the handler registered for line, if any, and reports whether
// one was registered.
func (m *ManualInterrupts) Fire(line Line) bool {
	m.mu.Lock()
	h := m.handlers[line]
	m.mu.Unlock()
	if h == nil {
		return false
	}
	h()
	return true
}

var (
	_ Network    = (*MemoryNetwork)(nil)
	_ RxNotifier = (*MemoryNetwork)(nil)
	_ Interrupts = (*ManualInterrupts)(nil)
)
