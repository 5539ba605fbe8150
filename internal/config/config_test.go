package config

import (
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	c := Default()

	if c.Device.Name != "virt-eth" {
		t.Fatalf("unexpected device name %q", c.Device.Name)
	}
	prefix, err := c.Prefix()
	if err != nil {
		t.Fatalf("Prefix: %v", err)
	}
	if prefix.String() != "192.168.0.150/24" {
		t.Fatalf("unexpected prefix %s", prefix)
	}
	mac, err := c.HardwareAddr()
	if err != nil {
		t.Fatalf("HardwareAddr: %v", err)
	}
	if mac.String() != "00:11:22:33:44:55" {
		t.Fatalf("unexpected mac %s", mac)
	}
	if c.CyclesPerMs() != 100_000 {
		t.Fatalf("unexpected cycles per ms %d", c.CyclesPerMs())
	}
	if c.WatchdogInterval() != 500*time.Millisecond {
		t.Fatalf("unexpected watchdog interval %s", c.WatchdogInterval())
	}
	if c.HTTP.Port != 80 || c.HTTP.MaxConnections != 1 {
		t.Fatalf("unexpected http config %+v", c.HTTP)
	}
	if !c.LEDs.LED1 || c.LEDs.LED2 {
		t.Fatalf("unexpected led boot state %+v", c.LEDs)
	}
	if !c.DNS.Enabled || c.DNS.Hostname != "board.local" {
		t.Fatalf("unexpected dns config %+v", c.DNS)
	}
}

func TestParseFillsDefaults(t *testing.T) {
	c, err := Parse([]byte("device:\n  ipv4: 10.0.0.2\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if c.Device.Name != DefaultDeviceName || c.HTTP.Port != DefaultHTTPPort {
		t.Fatalf("defaults not applied: %+v", c)
	}
	if c.Clock.CounterHz != DefaultCounterHz || c.PollInterval() != time.Millisecond {
		t.Fatalf("clock defaults not applied: %+v", c.Clock)
	}
	prefix, _ := c.Prefix()
	if prefix.String() != "10.0.0.2/24" {
		t.Fatalf("unexpected prefix %s", prefix)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"bad yaml", "device: [", "parse config"},
		{"missing address", "device:\n  netmask: 255.0.0.0\n", "device.ipv4"},
		{"ipv6 address", "device:\n  ipv4: \"::1\"\n", "device.ipv4"},
		{"holey mask", "device:\n  ipv4: 10.0.0.1\n  netmask: 255.0.255.0\n", "not contiguous"},
		{"bad mac", "device:\n  ipv4: 10.0.0.1\n  mac: nope\n", "device.mac"},
		{"slow counter", "device:\n  ipv4: 10.0.0.1\nclock:\n  counterHz: 10\n", "below 1 kHz"},
		{"two connections", "device:\n  ipv4: 10.0.0.1\nhttp:\n  maxConnections: 2\n", "http.maxConnections"},
		{"blank hostname", "device:\n  ipv4: 10.0.0.1\ndns:\n  enabled: true\n  hostname: \".\"\n", "dns.hostname"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected %q in %v", tt.want, err)
			}
		})
	}
}
