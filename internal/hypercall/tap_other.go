//go:build !linux

package hypercall

import (
	"errors"
	"net"
)

var errTAPUnsupported = errors.New("hypercall: TAP devices are only supported on linux")

// TAP is unavailable on this platform.
type TAP struct{}

func OpenTAP(name string, mac net.HardwareAddr) (*TAP, error) {
	return nil, errTAPUnsupported
}

func (t *TAP) Name() string                 { return "" }
func (t *TAP) MAC() net.HardwareAddr        { return nil }
func (t *TAP) Send(frame []byte) error      { return errTAPUnsupported }
func (t *TAP) Recv(buf []byte) (int, error) { return 0, errTAPUnsupported }
func (t *TAP) LinkUp() bool                 { return false }
func (t *TAP) Watchdog() error              { return errTAPUnsupported }
func (t *TAP) Close() error                 { return nil }

var _ Network = (*TAP)(nil)
