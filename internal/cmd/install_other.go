//go:build !linux

package cmd

import (
	"errors"
	"log/slog"
)

var errServiceUnsupported = errors.New("service install is only supported on Linux (systemd)")

func install(_ string, _ *slog.Logger) error { return errServiceUnsupported }

func uninstall(_ *slog.Logger) error { return errServiceUnsupported }
