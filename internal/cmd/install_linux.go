//go:build linux

package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const (
	serviceName = "usbmitm.service"
	servicePath = "/etc/systemd/system/usbmitm.service"
)

func install(configFile string, logger *slog.Logger) error {
	exePath, err := currentExecutable()
	if err != nil {
		return err
	}
	configFile, err = filepath.Abs(configFile)
	if err != nil {
		return err
	}

	unit := systemdUnitContent(exePath, configFile)
	if err := os.WriteFile(servicePath, []byte(unit), 0o644); err != nil {
		return err
	}

	steps := [][]string{
		{"daemon-reload"},
		{"enable", serviceName},
		{"restart", serviceName},
	}

	for _, args := range steps {
		if err := runSystemctl(args...); err != nil {
			return err
		}
	}

	logger.Info("usbmitm systemd service installed", "path", servicePath, "exe", exePath, "config", configFile)
	return nil
}

func uninstall(logger *slog.Logger) error {
	var errs []error

	if err := runSystemctl("stop", serviceName); err != nil {
		errs = append(errs, err)
	}
	if err := runSystemctl("disable", serviceName); err != nil {
		errs = append(errs, err)
	}

	if err := os.Remove(servicePath); err != nil && !os.IsNotExist(err) {
		errs = append(errs, err)
	}

	if err := runSystemctl("daemon-reload"); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	logger.Info("usbmitm systemd service removed", "path", servicePath)
	return nil
}

// systemdUnitContent restarts the proxy after every session, since a proxy
// serves a single host attachment.
func systemdUnitContent(exePath, configFile string) string {
	workingDir := filepath.Dir(exePath)
	return fmt.Sprintf(`[Unit]
Description=usbmitm USB proxy
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart=%q --config %q proxy
WorkingDirectory=%s
Restart=always
RestartSec=1

[Install]
WantedBy=multi-user.target
`, exePath, configFile, workingDir)
}

func currentExecutable() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(exe)
}

func runSystemctl(args ...string) error {
	cmd := exec.Command("systemctl", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("systemctl %s failed: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return nil
}
