//go:build windows

package main

import (
	"log/slog"
	"os"

	"github.com/Alia5/usbmitm/internal/util"
)

func init() {
	if util.IsRunFromGUI() {
		args := os.Args
		if len(args) < 2 || args[1] != "proxy" {
			slog.Info("Detected GUI startup, injecting 'proxy' argument")
			slog.Warn("Run from a CLI for more options! The device and filters come from the config file.")
			newArgs := make([]string, 0, len(args)+1)
			newArgs = append(newArgs, args[0], "proxy")
			newArgs = append(newArgs, args[1:]...)
			os.Args = newArgs
		}
	}
}
