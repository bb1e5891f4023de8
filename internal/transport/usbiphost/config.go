package usbiphost

import "time"

// Config represents the host-facing USB-IP server configuration.
type Config struct {
	Addr             string        `help:"USB-IP listen address the host attaches to" default:":3240" env:"USBMITM_HOST_ADDR"`
	BusID            string        `help:"Bus ID the proxied device is exported as" default:"1-1" env:"USBMITM_HOST_BUSID"`
	HandshakeTimeout time.Duration `help:"Deadline for a client to send its OP_REQ_* request" default:"10s" env:"USBMITM_HOST_HANDSHAKE_TIMEOUT"`
}
