package proxy

import (
	"errors"
	"fmt"
)

var (
	ErrDeviceNotFound = errors.New("device not found")
	ErrTransport      = errors.New("transport error")
	ErrRunning        = errors.New("proxy is running")
	ErrNotConnected   = errors.New("proxy is not connected")
	ErrConnected      = errors.New("proxy is already connected")
	ErrClosed         = errors.New("proxy is closed")
)

// DeviceNotFoundError is returned by device transports when no device
// matches Selector.
type DeviceNotFoundError struct {
	Selector string
}

func (e *DeviceNotFoundError) Error() string {
	return fmt.Sprintf("no device matches %s", e.Selector)
}

func (e *DeviceNotFoundError) Is(target error) bool {
	return target == ErrDeviceNotFound
}

// Transport sides.
const (
	SideHost   = "host"
	SideDevice = "device"
)

// TransportError wraps an I/O failure of one of the transports. It ends the
// session.
type TransportError struct {
	Side string
	Op   string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s transport: %s: %v", e.Side, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}
