// Package config defines the top-level CLI structure parsed by kong.
package config

import (
	"github.com/cursorhu/go-uhs2/internal/cmd"
)

// LogOptions configure the structured and raw packet loggers.
type LogOptions struct {
	Level   string `help:"Log level (trace, debug, info, warn, error)" enum:"trace,debug,info,warn,error" default:"info" env:"UHS2CTL_LOG_LEVEL"`
	File    string `help:"Write logs to this file instead of stdout/stderr" env:"UHS2CTL_LOG_FILE"`
	RawFile string `help:"Write raw packet windows to this file" env:"UHS2CTL_LOG_RAW_FILE"`
}

// CLI is the root command structure.
type CLI struct {
	Attach  cmd.Attach         `cmd:"" help:"Bring up a card through the full negotiation sequence"`
	Dump    cmd.Dump           `cmd:"" help:"Attach a card and dump the controller register file"`
	Monitor cmd.Monitor        `cmd:"" help:"Serve live controller snapshots over TCP"`
	Config  cmd.ConfigCommand  `cmd:"" help:"Configuration file helpers"`
	Service cmd.ServiceCommand `cmd:"" help:"Manage the monitor system service"`

	ConfigFile string     `name:"config" help:"Path to a configuration file" type:"path"`
	Log        LogOptions `embed:"" prefix:"log."`
}
