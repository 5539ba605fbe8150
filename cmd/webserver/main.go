// Command webserver runs the board web server on the host, with a Linux TAP
// device standing in for the hypervisor's virtual ethernet.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tinyrange/guestweb/internal/board"
	"github.com/tinyrange/guestweb/internal/config"
	"github.com/tinyrange/guestweb/internal/guest"
	"github.com/tinyrange/guestweb/internal/hypercall"
	"github.com/tinyrange/guestweb/internal/pcap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "webserver: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	tapName := flag.String("tap", "guestweb0", "TAP interface to attach to (created if missing)")
	pcapPath := flag.String("pcap", "", "Write every frame to this pcap file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Serve the board status page on a TAP interface.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg := config.Default()
	mac, err := cfg.HardwareAddr()
	if err != nil {
		return err
	}

	tap, err := hypercall.OpenTAP(*tapName, mac)
	if err != nil {
		return fmt.Errorf("open tap: %w", err)
	}
	defer tap.Close()

	var capture *pcap.Writer
	if *pcapPath != "" {
		f, err := os.Create(*pcapPath)
		if err != nil {
			return fmt.Errorf("create pcap file: %w", err)
		}
		defer f.Close()
		capture, err = pcap.NewWriter(f, pcap.DefaultSnapLen)
		if err != nil {
			return fmt.Errorf("pcap: %w", err)
		}
		defer capture.Close()
	}

	irq := hypercall.NewTimerInterrupts(cfg.InterruptPeriod())
	defer irq.Close()

	g, err := guest.Boot(cfg, guest.Platform{
		Network:    tap,
		Counter:    hypercall.NewMonotonicCounter(cfg.Clock.CounterHz),
		Interrupts: irq,
		LED1:       board.NewMemoryPin("led1", logger),
		LED2:       board.NewMemoryPin("led2", logger),
	}, guest.Options{Capture: capture, Logger: logger})
	if err != nil {
		return err
	}
	defer g.Close()

	slog.Info("serving", "tap", tap.Name(), "addr", g.Addr())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return g.Run(ctx)
}
