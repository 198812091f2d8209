package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// ServiceCommand manages the monitor as a system service.
type ServiceCommand struct {
	Install   ServiceInstall   `cmd:"" help:"Install and start the monitor service"`
	Uninstall ServiceUninstall `cmd:"" help:"Stop and remove the monitor service"`
}

type ServiceInstall struct{}

func (ServiceInstall) Run(logger *slog.Logger) error { return install(logger) }

type ServiceUninstall struct{}

func (ServiceUninstall) Run(logger *slog.Logger) error { return uninstall(logger) }

func currentExecutable() (string, error) {
	exePath, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolve executable path: %w", err)
	}
	return filepath.Abs(exePath)
}
