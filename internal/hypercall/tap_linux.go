//go:build linux

package hypercall

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"golang.org/x/sys/unix"
)

// TAP backs the virtual ethernet hypercalls with a Linux TAP interface so
// the guest can be reached from the host network.
type TAP struct {
	name string
	mac  net.HardwareAddr

	// mu guards the descriptors against Close.
	mu     sync.Mutex
	fd     int
	ctl    int
	closed bool
}

// OpenTAP attaches to (or creates) the TAP interface name. The interface must
// be brought up and addressed on the host side separately.
func OpenTAP(name string, mac net.HardwareAddr) (*TAP, error) {
	if len(mac) != 6 {
		return nil, fmt.Errorf("tap requires 6-byte MAC address, got %d", len(mac))
	}

	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR|unix.O_CLOEXEC|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/net/tun: %w", err)
	}

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tap ifreq %q: %w", name, err)
	}
	ifr.SetUint16(unix.IFF_TAP | unix.IFF_NO_PI)
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("TUNSETIFF %q: %w", name, err)
	}

	ctl, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("control socket: %w", err)
	}

	return &TAP{
		name: ifr.Name(),
		mac:  append(net.HardwareAddr(nil), mac...),
		fd:   fd,
		ctl:  ctl,
	}, nil
}

func (t *TAP) Name() string { return t.name }

func (t *TAP) MAC() net.HardwareAddr {
	return append(net.HardwareAddr(nil), t.mac...)
}

func (t *TAP) Send(frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if _, err := unix.Write(t.fd, frame); err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return ErrTxQueueFull
		}
		return fmt.Errorf("tap write: %w", err)
	}
	return nil
}

func (t *TAP) Recv(buf []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, ErrClosed
	}
	n, err := unix.Read(t.fd, buf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return 0, nil
		}
		return 0, fmt.Errorf("tap read: %w", err)
	}
	return n, nil
}

func (t *TAP) flags() (uint16, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, ErrClosed
	}
	ifr, err := unix.NewIfreq(t.name)
	if err != nil {
		return 0, err
	}
	if err := unix.IoctlIfreq(t.ctl, unix.SIOCGIFFLAGS, ifr); err != nil {
		return 0, err
	}
	return ifr.Uint16(), nil
}

func (t *TAP) LinkUp() bool {
	flags, err := t.flags()
	if err != nil {
		return false
	}
	return flags&unix.IFF_UP != 0 && flags&unix.IFF_RUNNING != 0
}

func (t *TAP) Watchdog() error {
	if _, err := t.flags(); err != nil {
		return fmt.Errorf("tap %s watchdog: %w", t.name, err)
	}
	return nil
}

func (t *TAP) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	unix.Close(t.ctl)
	return unix.Close(t.fd)
}

var _ Network = (*TAP)(nil)
