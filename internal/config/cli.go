// Package config holds the root command line of usbmitm.
package config

import "github.com/Alia5/usbmitm/internal/cmd"

// Log configures the application logger and the raw traffic dump.
type Log struct {
	Level   string `help:"Log level" enum:"trace,debug,info,warn,error" default:"info" env:"USBMITM_LOG_LEVEL"`
	File    string `help:"Also write logs to this file" env:"USBMITM_LOG_FILE"`
	RawFile string `help:"Write hex dumps of all USB-IP traffic to this file (stdout at trace level)" env:"USBMITM_LOG_RAW_FILE"`
	Format  string `help:"Log format" enum:"text,json" default:"text" env:"USBMITM_LOG_FORMAT"`
}

type CLI struct {
	Config string `help:"Path to a JSON, YAML or TOML configuration file" type:"path" env:"USBMITM_CONFIG"`
	Log    Log    `embed:"" prefix:"log."`

	Proxy     cmd.Proxy         `cmd:"" help:"Proxy a USB device to a USB-IP host through the filter chain"`
	Inspect   cmd.Inspect       `cmd:"" help:"Print the descriptors of a device"`
	ConfigCmd cmd.ConfigCommand `cmd:"" name:"config" help:"Configuration file helpers"`
	Service   cmd.Service       `cmd:"" help:"Manage the proxy system service"`
}
