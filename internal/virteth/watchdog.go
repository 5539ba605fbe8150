package virteth

import (
	"time"
)

// Watchdog periodically invokes the hypervisor's link watchdog from the main
// loop and reports link transitions. Times are millisecond uptime values and
// may wrap.
type Watchdog struct {
	dev      *Device
	interval uint32

	last   uint32
	linkUp bool
	runs   uint64
}

// NewWatchdog returns a watchdog for d that fires at most once per interval.
func (d *Device) NewWatchdog(interval time.Duration) *Watchdog {
	ms := uint32(interval / time.Millisecond)
	if ms == 0 {
		ms = 1
	}
	return &Watchdog{
		dev:      d,
		interval: ms,
		linkUp:   d.network.LinkUp(),
	}
}

// Check runs the watchdog if at least one interval has passed since the last
// run and reports whether it ran.
func (w *Watchdog) Check(nowMs uint32) bool {
	if nowMs-w.last < w.interval {
		return false
	}
	w.last = nowMs
	w.runs++

	if err := w.dev.network.Watchdog(); err != nil {
		w.dev.log.Debug("link watchdog", "err", err)
	}

	up := w.dev.network.LinkUp()
	if up != w.linkUp {
		w.linkUp = up
		if up {
			w.dev.log.Info("link up")
		} else {
			w.dev.log.Warn("link down")
		}
	}
	return true
}

// Runs reports how many times the watchdog has fired.
func (w *Watchdog) Runs() uint64 {
	return w.runs
}
