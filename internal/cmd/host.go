// Package cmd implements the uhs2ctl subcommands.
package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cursorhu/go-uhs2/card"
	"github.com/cursorhu/go-uhs2/internal/log"
	"github.com/cursorhu/go-uhs2/sdhci"
)

// HostConfig holds the flags shared by every command that opens a controller.
type HostConfig struct {
	Device string `help:"MMIO resource file of the controller (e.g. /sys/bus/pci/devices/<dev>/resource0); empty drives the built-in simulator" type:"path" env:"UHS2CTL_DEVICE"`
	Base   uint64 `help:"Byte offset of the register file inside the mapped window" default:"0" env:"UHS2CTL_BASE"`
	Size   int    `help:"Size of the register mapping in bytes" default:"4096"`

	SpeedB       bool          `help:"Simulator only: advertise speed range B so negotiation takes the dormant switch path"`
	DMA          bool          `help:"Use DMA data transfers" default:"true" negatable:""`
	PowerDelay   time.Duration `help:"Settle time after bus power-up" default:"5ms"`
	AggressivePM bool          `help:"Enable runtime power management suspends"`
}

// openedHost bundles a live controller with its teardown.
type openedHost struct {
	host *sdhci.Host
	sim  *sdhci.Sim // nil on real hardware
	io   io.Closer  // nil for the simulator
}

func (o *openedHost) Close() {
	o.host.Close()
	if o.io != nil {
		_ = o.io.Close()
	}
}

// open maps the register window, or builds the simulator when no device was
// given, and starts a Host on top of it.
func (hc *HostConfig) open(logger *slog.Logger, rawLogger log.RawLogger) (*openedHost, error) {
	cfg := sdhci.Config{
		Logger: logger,
		RawLog: rawLogger,
		UseDMA: hc.DMA,
	}

	if hc.Device == "" {
		simCfg := sdhci.DefaultSimConfig()
		if hc.SpeedB {
			simCfg = sdhci.SimSpeedB()
		}
		simCfg.Logger = logger
		sim := sdhci.NewSim(simCfg)
		host := sdhci.New(sim.IO, cfg)
		sim.Bind(host)
		return &openedHost{host: host, sim: sim}, nil
	}

	mmio, err := sdhci.OpenMMIO(hc.Device, hc.Base, hc.Size)
	if err != nil {
		return nil, fmt.Errorf("map %s: %w", hc.Device, err)
	}
	return &openedHost{host: sdhci.New(mmio, cfg), io: mmio}, nil
}

// cardOptions translates the shared flags into lifecycle options.
func (hc *HostConfig) cardOptions(logger *slog.Logger) card.Options {
	return card.Options{
		Logger:       logger,
		PowerDelay:   hc.PowerDelay,
		AggressivePM: hc.AggressivePM,
	}
}
