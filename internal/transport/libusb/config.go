package libusb

import "time"

// Config represents the libusb device source.
type Config struct {
	AutoDetach     bool          `help:"Detach kernel drivers bound to the device while it is proxied" default:"true" negatable:"" env:"USBMITM_LIBUSB_AUTO_DETACH"`
	ControlTimeout time.Duration `help:"Timeout for control transfers forwarded to the device" default:"5s" env:"USBMITM_LIBUSB_CONTROL_TIMEOUT"`
	Debug          int           `help:"libusb debug level (0-4)" default:"0" env:"USBMITM_LIBUSB_DEBUG"`
}
