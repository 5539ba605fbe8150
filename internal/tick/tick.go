// Package tick derives a millisecond uptime counter from a free-running
// 32-bit cycle counter sampled by a periodic timer interrupt.
//
// The clock has two execution contexts. Update runs in interrupt context and
// is the only writer of the baseline sample and the millisecond counter.
// Millis may be called from any context; the counter is a single atomic word
// so readers never observe a torn value and no lock is taken.
//
// Accuracy: milliseconds are computed by truncating division and the
// remainder cycles are discarded on every rebase, so the counter runs slow
// relative to wall time. This is accepted for uptime reporting.
package tick

import (
	"math"
	"sync/atomic"
)

// Counter is a free-running hardware cycle counter.
type Counter interface {
	Count() uint32
}

// CounterFunc adapts a function to the Counter interface.
type CounterFunc func() uint32

func (f CounterFunc) Count() uint32 { return f() }

// Clock converts cycle counter samples into elapsed milliseconds.
type Clock struct {
	cyclesPerMs uint32
	threshold   uint32

	// Interrupt context only.
	primed bool
	prev   uint32

	ms atomic.Uint32
}

// New returns a clock for a counter running at cyclesPerMs cycles per
// millisecond. threshold is the minimum number of elapsed cycles before the
// counter is advanced; zero selects one millisecond worth of cycles.
func New(cyclesPerMs uint32, threshold uint32) *Clock {
	if cyclesPerMs == 0 {
		cyclesPerMs = 1
	}
	if threshold == 0 {
		threshold = cyclesPerMs
	}
	return &Clock{
		cyclesPerMs: cyclesPerMs,
		threshold:   threshold,
	}
}

// ElapsedCycles returns the number of cycles between two samples assuming
// the counter wrapped through zero at most once.
func ElapsedCycles(old, cur uint32) uint32 {
	if cur >= old {
		return cur - old
	}
	return math.MaxUint32 - (old - cur)
}

// Update feeds a counter sample into the clock. The first sample only
// establishes the baseline. Later samples advance the counter and rebase
// once at least one threshold of cycles has elapsed.
func (c *Clock) Update(count uint32) {
	if !c.primed {
		c.prev = count
		c.primed = true
		return
	}

	elapsed := ElapsedCycles(c.prev, count)
	if elapsed < c.threshold {
		return
	}
	c.ms.Add(elapsed / c.cyclesPerMs)
	c.prev = count
}

// Handler returns an interrupt handler that samples counter and updates the
// clock.
func (c *Clock) Handler(counter Counter) func() {
	return func() {
		c.Update(counter.Count())
	}
}

// Millis returns the elapsed milliseconds modulo 2^32.
func (c *Clock) Millis() uint32 {
	return c.ms.Load()
}

// CyclesPerMs reports the conversion constant the clock was built with.
func (c *Clock) CyclesPerMs() uint32 {
	return c.cyclesPerMs
}
