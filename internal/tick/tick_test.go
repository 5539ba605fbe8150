package tick

import (
	"math"
	"math/rand"
	"sync"
	"testing"
)

func TestElapsedCycles(t *testing.T) {
	tests := []struct {
		name     string
		old, cur uint32
		want     uint32
	}{
		{"equal", 100, 100, 0},
		{"forward", 100, 250, 150},
		{"full range", 0, math.MaxUint32, math.MaxUint32},
		{"wrap by one", math.MaxUint32, 0, math.MaxUint32 - math.MaxUint32},
		{"wrap", math.MaxUint32 - 10, 20, math.MaxUint32 - (math.MaxUint32 - 10 - 20)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ElapsedCycles(tt.old, tt.cur); got != tt.want {
				t.Fatalf("ElapsedCycles(%d, %d) = %d, want %d", tt.old, tt.cur, got, tt.want)
			}
		})
	}
}

func TestFirstSampleOnlySetsBaseline(t *testing.T) {
	c := New(1000, 0)
	c.Update(5_000_000)
	if got := c.Millis(); got != 0 {
		t.Fatalf("expected 0ms after first sample, got %d", got)
	}
	c.Update(5_003_500)
	if got := c.Millis(); got != 3 {
		t.Fatalf("expected 3ms, got %d", got)
	}
}

func TestSubThresholdSamplesCoalesce(t *testing.T) {
	c := New(1000, 0)
	c.Update(0)
	c.Update(400)
	c.Update(900)
	if got := c.Millis(); got != 0 {
		t.Fatalf("expected no advance below threshold, got %d", got)
	}
	// The baseline stayed at 0, so the next sample sees all 1900 cycles.
	c.Update(1900)
	if got := c.Millis(); got != 1 {
		t.Fatalf("expected 1ms, got %d", got)
	}
	// 900 cycles of remainder were discarded by the rebase.
	c.Update(2850)
	if got := c.Millis(); got != 1 {
		t.Fatalf("expected still 1ms, got %d", got)
	}
	c.Update(2900)
	if got := c.Millis(); got != 2 {
		t.Fatalf("expected 2ms, got %d", got)
	}
}

func TestCustomThreshold(t *testing.T) {
	c := New(100, 1000)
	c.Update(0)
	c.Update(999)
	if got := c.Millis(); got != 0 {
		t.Fatalf("expected 0ms below threshold, got %d", got)
	}
	c.Update(1000)
	if got := c.Millis(); got != 10 {
		t.Fatalf("expected 10ms, got %d", got)
	}
}

func TestWraparoundDelta(t *testing.T) {
	c := New(1000, 0)
	c.Update(math.MaxUint32 - 4_999)
	c.Update(5_000)
	want := (math.MaxUint32 - (uint32(math.MaxUint32-4_999) - 5_000)) / 1000
	if got := c.Millis(); got != want {
		t.Fatalf("expected %d ms across wrap, got %d", want, got)
	}
}

// Every delta equals the single-wrap difference divided by cycles per ms
// when samples are spaced at least one threshold apart.
func TestRandomSamplesMatchFormula(t *testing.T) {
	const cyclesPerMs = 100_000
	rng := rand.New(rand.NewSource(42))
	c := New(cyclesPerMs, 0)

	cur := rng.Uint32()
	c.Update(cur)
	var want uint32
	for i := 0; i < 10_000; i++ {
		step := uint32(cyclesPerMs + 1 + rng.Intn(50*cyclesPerMs))
		next := cur + step
		want += ElapsedCycles(cur, next) / cyclesPerMs
		c.Update(next)
		cur = next
		if got := c.Millis(); got != want {
			t.Fatalf("sample %d: got %d ms, want %d", i, got, want)
		}
	}
}

func TestHandlerReadsCounter(t *testing.T) {
	var count uint32
	c := New(10, 0)
	h := c.Handler(CounterFunc(func() uint32 { return count }))
	h()
	count = 105
	h()
	if got := c.Millis(); got != 10 {
		t.Fatalf("expected 10ms, got %d", got)
	}
}

func TestMillisConcurrentRead(t *testing.T) {
	c := New(1, 0)
	c.Update(0)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := uint32(1); i <= 1000; i++ {
			c.Update(i)
		}
	}()
	var last uint32
	for i := 0; i < 1000; i++ {
		now := c.Millis()
		if now < last {
			t.Fatalf("counter went backwards: %d < %d", now, last)
		}
		last = now
	}
	wg.Wait()
	if got := c.Millis(); got != 1000 {
		t.Fatalf("expected 1000ms, got %d", got)
	}
}
