package board

import "testing"

func TestLEDToggle(t *testing.T) {
	pin := NewMemoryPin("led1", nil)
	led := NewLED(pin)

	if err := led.Toggle(); err == nil {
		t.Fatalf("expected toggle on unconfigured pin to fail")
	}
	if err := led.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if led.On() {
		t.Fatalf("expected led to start off")
	}
	if err := led.Toggle(); err != nil {
		t.Fatalf("Toggle: %v", err)
	}
	if !led.On() {
		t.Fatalf("expected led on after toggle")
	}
	if err := led.Toggle(); err != nil {
		t.Fatalf("Toggle: %v", err)
	}
	if led.On() {
		t.Fatalf("expected led off after two toggles")
	}
	if pin.Writes() != 2 {
		t.Fatalf("expected 2 writes, got %d", pin.Writes())
	}
}

func TestLEDSet(t *testing.T) {
	pin := NewMemoryPin("led2", nil)
	led := NewLED(pin)
	if err := led.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if err := led.Set(true); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if !led.On() {
		t.Fatalf("expected led on")
	}
	if err := led.Set(false); err != nil || led.On() {
		t.Fatalf("expected led off, err %v", err)
	}
	if led.Name() != "led2" {
		t.Fatalf("unexpected name %q", led.Name())
	}
}
