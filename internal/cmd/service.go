package cmd

import (
	"log/slog"
)

// Service installs usbmitm as a system service running the proxy command.
type Service struct {
	Install   ServiceInstall   `cmd:"" help:"Install and start the proxy service"`
	Uninstall ServiceUninstall `cmd:"" help:"Stop and remove the proxy service"`
}

type ServiceInstall struct {
	ConfigFile string `arg:"" name:"config" help:"Configuration file the service runs the proxy with" type:"existingfile"`
}

func (s *ServiceInstall) Run(logger *slog.Logger) error {
	return install(s.ConfigFile, logger)
}

type ServiceUninstall struct{}

func (s *ServiceUninstall) Run(logger *slog.Logger) error {
	return uninstall(logger)
}
