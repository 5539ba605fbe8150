// Package config holds the board configuration. It is compiled into the
// binary from defaults.yaml rather than read from the environment.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

const (
	DefaultDeviceName = "virt-eth"
	DefaultCounterHz  = 100_000_000
	DefaultHTTPPort   = 80
	DefaultHostname   = "board.local"
)

type Config struct {
	Device Device `yaml:"device"`
	Clock  Clock  `yaml:"clock"`
	HTTP   HTTP   `yaml:"http"`
	DNS    DNS    `yaml:"dns"`
	LEDs   LEDs   `yaml:"leds"`

	PollIntervalMs int `yaml:"pollIntervalMs,omitempty"`
}

type Device struct {
	Name       string `yaml:"name"`
	IPv4       string `yaml:"ipv4"`
	Netmask    string `yaml:"netmask"`
	MAC        string `yaml:"mac,omitempty"`
	WatchdogMs uint32 `yaml:"watchdogMs"`
}

type Clock struct {
	CounterHz         uint64 `yaml:"counterHz"`
	TickThreshold     uint32 `yaml:"tickThreshold,omitempty"`
	InterruptPeriodMs int    `yaml:"interruptPeriodMs,omitempty"`
}

type HTTP struct {
	Port uint16 `yaml:"port"`
	// MaxConnections must be 1: the router composes every response in one
	// shared buffer.
	MaxConnections int `yaml:"maxConnections"`
}

type DNS struct {
	Enabled  bool   `yaml:"enabled"`
	Hostname string `yaml:"hostname,omitempty"`
}

// LEDs is the boot state of each LED, true meaning on.
type LEDs struct {
	LED1 bool `yaml:"led1"`
	LED2 bool `yaml:"led2"`
}

func (c *Config) normalize() {
	if c.Device.Name == "" {
		c.Device.Name = DefaultDeviceName
	}
	if c.Device.Netmask == "" {
		c.Device.Netmask = "255.255.255.0"
	}
	if c.Device.WatchdogMs == 0 {
		c.Device.WatchdogMs = 500
	}
	if c.Clock.CounterHz == 0 {
		c.Clock.CounterHz = DefaultCounterHz
	}
	if c.Clock.InterruptPeriodMs <= 0 {
		c.Clock.InterruptPeriodMs = 1
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = DefaultHTTPPort
	}
	if c.HTTP.MaxConnections <= 0 {
		c.HTTP.MaxConnections = 1
	}
	if c.DNS.Hostname == "" {
		c.DNS.Hostname = DefaultHostname
	}
	if c.PollIntervalMs <= 0 {
		c.PollIntervalMs = 1
	}
}

// Parse decodes a YAML document, fills unset fields and validates the result.
func Parse(data []byte) (Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	c.normalize()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Default returns the compiled-in configuration.
func Default() Config {
	c, err := Parse(defaultsYAML)
	if err != nil {
		panic(fmt.Sprintf("config: embedded defaults: %v", err))
	}
	return c
}

func (c Config) Validate() error {
	var errs []error
	if _, err := c.Prefix(); err != nil {
		errs = append(errs, err)
	}
	if c.Device.MAC != "" {
		if _, err := c.HardwareAddr(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Clock.CounterHz < 1000 {
		errs = append(errs, fmt.Errorf("clock.counterHz %d is below 1 kHz", c.Clock.CounterHz))
	}
	if c.CyclesPerMs() == 0 || c.Clock.CounterHz/1000 > 0xffffffff {
		errs = append(errs, fmt.Errorf("clock.counterHz %d does not fit a 32-bit cycles-per-ms", c.Clock.CounterHz))
	}
	if c.HTTP.MaxConnections != 1 {
		errs = append(errs, fmt.Errorf("http.maxConnections %d is not supported, only 1", c.HTTP.MaxConnections))
	}
	if c.DNS.Enabled && strings.Trim(c.DNS.Hostname, ".") == "" {
		errs = append(errs, errors.New("dns.hostname is empty"))
	}
	return errors.Join(errs...)
}

// Prefix combines the device address and netmask.
func (c Config) Prefix() (netip.Prefix, error) {
	addr, err := netip.ParseAddr(c.Device.IPv4)
	if err != nil || !addr.Is4() {
		return netip.Prefix{}, fmt.Errorf("device.ipv4 %q is not an IPv4 address", c.Device.IPv4)
	}
	mask, err := netip.ParseAddr(c.Device.Netmask)
	if err != nil || !mask.Is4() {
		return netip.Prefix{}, fmt.Errorf("device.netmask %q is not an IPv4 mask", c.Device.Netmask)
	}
	m := mask.As4()
	ones, bits := net.IPv4Mask(m[0], m[1], m[2], m[3]).Size()
	if bits == 0 {
		return netip.Prefix{}, fmt.Errorf("device.netmask %q is not contiguous", c.Device.Netmask)
	}
	return netip.PrefixFrom(addr, ones), nil
}

func (c Config) HardwareAddr() (net.HardwareAddr, error) {
	mac, err := net.ParseMAC(c.Device.MAC)
	if err != nil {
		return nil, fmt.Errorf("device.mac: %w", err)
	}
	if len(mac) != 6 {
		return nil, fmt.Errorf("device.mac %q is not an ethernet address", c.Device.MAC)
	}
	return mac, nil
}

func (c Config) CyclesPerMs() uint32 {
	return uint32(c.Clock.CounterHz / 1000)
}

func (c Config) WatchdogInterval() time.Duration {
	return time.Duration(c.Device.WatchdogMs) * time.Millisecond
}

func (c Config) InterruptPeriod() time.Duration {
	return time.Duration(c.Clock.InterruptPeriodMs) * time.Millisecond
}

func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}
