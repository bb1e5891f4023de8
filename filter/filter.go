// Package filter implements the ordered filter chain every proxied USB
// transaction passes through.
//
// A filter is any value implementing one or more of the hook interfaces
// below. Hooks a filter does not implement are skipped, which is the same as
// an identity hook. Every hook returns an error; a failing (or panicking)
// hook is logged and treated as identity, and the chain moves on.
package filter

import "github.com/Alia5/usbmitm/usb"

// Filter is a value implementing any subset of the hook interfaces.
type Filter any

// ControlTransfer is the unit passed through the control hooks. When Stalled
// is set, Data is not interpreted.
type ControlTransfer struct {
	Request usb.Request
	Data    []byte
	Stalled bool
}

// ControlInFilter sees the device's answer to a control request before the
// host does.
type ControlInFilter interface {
	FilterControlIn(xfer ControlTransfer) (ControlTransfer, error)
}

// ControlOutFilter sees host-to-device control requests (setup and OUT data
// stage) before they reach the device. Returning a stalled transfer keeps the
// request from the device and stalls it towards the host.
type ControlOutFilter interface {
	FilterControlOut(xfer ControlTransfer) (ControlTransfer, error)
}

// InTokenFilter picks the device endpoint a host IN poll is routed to.
type InTokenFilter interface {
	FilterInToken(ep uint8) (uint8, error)
}

// InDataFilter rewrites IN payloads on their way to the host. ep is the
// endpoint number the host polled.
type InDataFilter interface {
	FilterIn(ep uint8, data []byte) ([]byte, error)
}

// OutDataFilter picks the device endpoint and payload for a host OUT
// transfer.
type OutDataFilter interface {
	FilterOut(ep uint8, data []byte) (uint8, []byte, error)
}

// Validator is run once against the device configuration before the proxy
// accepts any host transaction.
type Validator interface {
	Validate(cfg *usb.ConfigDescriptor) error
}

// Named filters report a name used in logs.
type Named interface {
	Name() string
}
