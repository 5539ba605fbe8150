// Package board exposes the user LEDs of the evaluation board the guest is
// running on.
package board

import (
	"fmt"
	"log/slog"
	"sync"
)

// Pin is a single digital output line.
type Pin interface {
	Name() string
	Configure() error
	Read() (level bool, err error)
	Write(level bool) error
}

// LED drives a user LED wired to an output pin.
type LED struct {
	pin Pin
}

func NewLED(pin Pin) *LED {
	return &LED{pin: pin}
}

// Enable configures the pin as an output.
func (l *LED) Enable() error {
	if err := l.pin.Configure(); err != nil {
		return fmt.Errorf("enable led %s: %w", l.pin.Name(), err)
	}
	return nil
}

// Toggle inverts the pin level.
func (l *LED) Toggle() error {
	level, err := l.pin.Read()
	if err != nil {
		return fmt.Errorf("read led %s: %w", l.pin.Name(), err)
	}
	if err := l.pin.Write(!level); err != nil {
		return fmt.Errorf("write led %s: %w", l.pin.Name(), err)
	}
	return nil
}

// Set drives the LED on or off.
func (l *LED) Set(on bool) error {
	if err := l.pin.Write(on); err != nil {
		return fmt.Errorf("write led %s: %w", l.pin.Name(), err)
	}
	return nil
}

// On reports the current pin level.
func (l *LED) On() bool {
	level, err := l.pin.Read()
	return err == nil && level
}

func (l *LED) Name() string { return l.pin.Name() }

// MemoryPin is a Pin that keeps its level in memory and optionally logs
// transitions.
type MemoryPin struct {
	name string
	log  *slog.Logger

	mu         sync.Mutex
	configured bool
	level      bool
	writes     int
}

func NewMemoryPin(name string, log *slog.Logger) *MemoryPin {
	return &MemoryPin{name: name, log: log}
}

func (p *MemoryPin) Name() string { return p.name }

func (p *MemoryPin) Configure() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.configured = true
	return nil
}

func (p *MemoryPin) Read() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.level, nil
}

func (p *MemoryPin) Write(level bool) error {
	p.mu.Lock()
	if !p.configured {
		p.mu.Unlock()
		return fmt.Errorf("pin %s not configured as output", p.name)
	}
	p.level = level
	p.writes++
	p.mu.Unlock()

	if p.log != nil {
		p.log.Info("led", "pin", p.name, "on", level)
	}
	return nil
}

// Writes reports how many times the level was written.
func (p *MemoryPin) Writes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writes
}

var _ Pin = (*MemoryPin)(nil)
