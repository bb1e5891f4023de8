package usbipdev

import "time"

// Config represents the upstream USB-IP server the real device is imported from.
type Config struct {
	Addr        string        `help:"Upstream USB-IP server exporting the real device" default:"127.0.0.1:3240" env:"USBMITM_UPSTREAM_ADDR"`
	BusID       string        `help:"Bus ID to import; when empty the device is picked from the devlist by --device" env:"USBMITM_UPSTREAM_BUSID"`
	DialTimeout time.Duration `help:"Timeout for connecting to the upstream server" default:"5s" env:"USBMITM_UPSTREAM_DIAL_TIMEOUT"`
}
