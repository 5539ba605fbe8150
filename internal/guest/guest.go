// Package guest boots the board application: it brings up the network stack
// on the virtual ethernet device, starts the HTTP server and router, hooks the
// tick clock to the timer interrupt and runs the main poll loop.
package guest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/tinyrange/guestweb/internal/board"
	"github.com/tinyrange/guestweb/internal/config"
	"github.com/tinyrange/guestweb/internal/dnsresponder"
	"github.com/tinyrange/guestweb/internal/httpserver"
	"github.com/tinyrange/guestweb/internal/hypercall"
	"github.com/tinyrange/guestweb/internal/pcap"
	"github.com/tinyrange/guestweb/internal/router"
	"github.com/tinyrange/guestweb/internal/tick"
	"github.com/tinyrange/guestweb/internal/virteth"
	"github.com/tinyrange/guestweb/internal/webfiles"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/network/arp"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
)

// pollBudget bounds the frames received per poll iteration.
const pollBudget = 64

// Platform is what the hypervisor provides to the guest.
type Platform struct {
	Network    hypercall.Network
	Counter    tick.Counter
	Interrupts hypercall.Interrupts
	LED1       board.Pin
	LED2       board.Pin
}

func (p Platform) validate() error {
	switch {
	case p.Network == nil:
		return errors.New("guest: platform has no network")
	case p.Counter == nil:
		return errors.New("guest: platform has no cycle counter")
	case p.Interrupts == nil:
		return errors.New("guest: platform has no interrupt controller")
	case p.LED1 == nil || p.LED2 == nil:
		return errors.New("guest: platform is missing an led")
	}
	return nil
}

type Options struct {
	// Files overrides the embedded static resources.
	Files *webfiles.Table
	// Capture records every frame crossing the device.
	Capture *pcap.Writer
	Logger  *slog.Logger
}

// Guest is a booted board application.
type Guest struct {
	log  *slog.Logger
	cfg  config.Config
	addr netip.Prefix

	stack    *stack.Stack
	dev      *virteth.Device
	clock    *tick.Clock
	watchdog *virteth.Watchdog
	server   *httpserver.Server
	app      *router.App
	dns      *dnsresponder.Responder
}

// Boot brings the application up. Any failure releases what was acquired so
// far and no interrupt handler is left registered.
func Boot(cfg config.Config, p Platform, opts Options) (_ *Guest, err error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("guest: %w", err)
	}
	prefix, _ := cfg.Prefix()
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	files := opts.Files
	if files == nil {
		if files, err = webfiles.Default(); err != nil {
			return nil, fmt.Errorf("guest: static files: %w", err)
		}
	}

	g := &Guest{
		log:   opts.Logger,
		cfg:   cfg,
		addr:  prefix,
		clock: tick.New(cfg.CyclesPerMs(), cfg.Clock.TickThreshold),
	}
	defer func() {
		if err != nil {
			g.Close()
		}
	}()

	led1, led2 := board.NewLED(p.LED1), board.NewLED(p.LED2)
	for _, l := range []struct {
		led *board.LED
		on  bool
	}{{led1, cfg.LEDs.LED1}, {led2, cfg.LEDs.LED2}} {
		if err := l.led.Enable(); err != nil {
			return nil, fmt.Errorf("guest: %w", err)
		}
		if err := l.led.Set(l.on); err != nil {
			return nil, fmt.Errorf("guest: %w", err)
		}
	}

	g.stack = stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, arp.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol},
	})

	g.dev, err = virteth.New(g.stack, p.Network, virteth.Options{
		Name:    cfg.Device.Name,
		Capture: opts.Capture,
		Logger:  opts.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("guest: %w", err)
	}

	pa := tcpip.ProtocolAddress{
		Protocol: ipv4.ProtocolNumber,
		AddressWithPrefix: tcpip.AddressWithPrefix{
			Address:   tcpip.AddrFrom4(prefix.Addr().As4()),
			PrefixLen: prefix.Bits(),
		},
	}
	if tcpErr := g.stack.AddProtocolAddress(g.dev.NICID(), pa, stack.AddressProperties{}); tcpErr != nil {
		return nil, fmt.Errorf("guest: add address %s: %s", prefix, tcpErr)
	}
	g.stack.SetRouteTable([]tcpip.Route{{Destination: pa.AddressWithPrefix.Subnet(), NIC: g.dev.NICID()}})
	g.watchdog = g.dev.NewWatchdog(cfg.WatchdogInterval())

	g.server = httpserver.New(g.stack, httpserver.Options{
		NICID:          g.dev.NICID(),
		MaxConnections: cfg.HTTP.MaxConnections,
		Logger:         opts.Logger,
	})
	g.app, err = router.New(router.Config{
		Server:  g.server,
		Uptime:  g.clock,
		Address: g.dev,
		Files:   files,
		LED1:    led1,
		LED2:    led2,
		MAC:     g.dev.MAC(),
		Logger:  opts.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("guest: %w", err)
	}
	if err := g.server.Start(cfg.HTTP.Port, g.app.Wakeup); err != nil {
		return nil, fmt.Errorf("guest: %w", err)
	}

	if cfg.DNS.Enabled {
		g.dns, err = dnsresponder.New(g.stack, dnsresponder.Options{
			NICID:    g.dev.NICID(),
			Hostname: cfg.DNS.Hostname,
			Addr:     prefix.Addr(),
			Logger:   opts.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("guest: %w", err)
		}
		if err := g.dns.Start(); err != nil {
			return nil, fmt.Errorf("guest: %w", err)
		}
	}

	if err := p.Interrupts.Register(hypercall.GuestTimer, g.clock.Handler(p.Counter)); err != nil {
		return nil, fmt.Errorf("guest: register timer interrupt: %w", err)
	}

	g.log.Info("guest booted",
		"device", g.dev.Name(),
		"mac", virteth.FormatMAC(g.dev.MAC()),
		"addr", prefix,
		"port", g.server.Port(),
	)
	return g, nil
}

// Step runs one iteration of the poll loop and reports how many frames and
// server events it handled.
func (g *Guest) Step() (frames, events int) {
	g.watchdog.Check(g.clock.Millis())
	frames = g.dev.Poll(pollBudget)
	events = g.server.Tick()
	return frames, events
}

// Run polls until ctx is cancelled. It must not be called concurrently with
// Step or Close.
func (g *Guest) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.cfg.PollInterval())
	defer ticker.Stop()

	for {
		g.Step()
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-g.dev.RxReady():
		case <-g.server.Wake():
		}
	}
}

// Close stops the services and releases the device and stack.
func (g *Guest) Close() error {
	if g.dns != nil {
		g.dns.Close()
	}
	if g.server != nil {
		g.server.Shutdown()
	}
	if g.dev != nil {
		g.dev.Close()
	}
	if g.stack != nil {
		g.stack.Close()
		g.stack.Wait()
	}
	return nil
}

func (g *Guest) Clock() *tick.Clock          { return g.clock }
func (g *Guest) Device() *virteth.Device     { return g.dev }
func (g *Guest) App() *router.App            { return g.app }
func (g *Guest) Addr() netip.Prefix          { return g.addr }
func (g *Guest) Watchdog() *virteth.Watchdog { return g.watchdog }
