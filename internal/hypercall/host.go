package hypercall

import (
	"fmt"
	"math/bits"
	"sync"
	"time"
)

// TimerInterrupts delivers the guest timer interrupt from a ticker goroutine.
type TimerInterrupts struct {
	period time.Duration

	mu      sync.Mutex
	tickers []*time.Ticker
	done    chan struct{}
	wg      sync.WaitGroup
	closed  bool
}

// NewTimerInterrupts returns an interrupt source firing the guest timer line
// every period.
func NewTimerInterrupts(period time.Duration) *TimerInterrupts {
	if period <= 0 {
		period = time.Millisecond
	}
	return &TimerInterrupts{
		period: period,
		done:   make(chan struct{}),
	}
}

func (t *TimerInterrupts) Register(line Line, handler func()) error {
	if line != GuestTimer {
		return fmt.Errorf("%w: %d", ErrUnsupportedLine, line)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}

	ticker := time.NewTicker(t.period)
	t.tickers = append(t.tickers, ticker)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for {
			select {
			case <-t.done:
				return
			case <-ticker.C:
				handler()
			}
		}
	}()
	return nil
}

// Close stops every registered timer and waits for in-flight handlers.
func (t *TimerInterrupts) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	for _, tk := range t.tickers {
		tk.Stop()
	}
	close(t.done)
	t.mu.Unlock()

	t.wg.Wait()
	return nil
}

// MonotonicCounter emulates a 32-bit cycle counter running at a fixed
// frequency, derived from the monotonic clock. It wraps like the hardware
// register does.
type MonotonicCounter struct {
	hz    uint64
	start time.Time
}

func NewMonotonicCounter(hz uint64) *MonotonicCounter {
	if hz == 0 {
		hz = 1
	}
	return &MonotonicCounter{hz: hz, start: time.Now()}
}

func (c *MonotonicCounter) Count() uint32 {
	ns := uint64(time.Since(c.start).Nanoseconds())
	hi, lo := bits.Mul64(ns, c.hz)
	if hi >= uint64(time.Second) {
		// Only reachable after centuries of uptime; keep the low bits.
		hi %= uint64(time.Second)
	}
	cycles, _ := bits.Div64(hi, lo, uint64(time.Second))
	return uint32(cycles)
}

var _ Interrupts = (*TimerInterrupts)(nil)
