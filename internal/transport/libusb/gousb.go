package libusb

// The following adapters wrap the gousb types the transport uses behind small
// interfaces, so that the request translation can be tested without hardware.

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/gousb"
	"github.com/google/gousb/usbid"

	"github.com/Alia5/usbmitm/proxy"
	"github.com/Alia5/usbmitm/usb"
)

type inEndpoint interface {
	ReadContext(ctx context.Context, buf []byte) (int, error)
}

type outEndpoint interface {
	WriteContext(ctx context.Context, buf []byte) (int, error)
}

type usbInterface interface {
	InEndpoint(epNum int) (inEndpoint, error)
	OutEndpoint(epNum int) (outEndpoint, error)
	Close()
}

type usbConfig interface {
	// Interfaces lists the interface numbers of the configuration.
	Interfaces() []int
	Interface(num, alt int) (usbInterface, error)
	Close() error
}

type usbDevice interface {
	Control(rType, request uint8, val, idx uint16, data []byte) (int, error)
	ActiveConfigNum() (int, error)
	Config(cfgNum int) (usbConfig, error)
	Close() error
}

type interfaceAdapter struct {
	*gousb.Interface
}

func (i interfaceAdapter) InEndpoint(epNum int) (inEndpoint, error) {
	return i.Interface.InEndpoint(epNum)
}

func (i interfaceAdapter) OutEndpoint(epNum int) (outEndpoint, error) {
	return i.Interface.OutEndpoint(epNum)
}

type configAdapter struct {
	*gousb.Config
}

func (c configAdapter) Interfaces() []int {
	nums := make([]int, 0, len(c.Desc.Interfaces))
	for _, iface := range c.Desc.Interfaces {
		nums = append(nums, iface.Number)
	}
	return nums
}

func (c configAdapter) Interface(num, alt int) (usbInterface, error) {
	i, err := c.Config.Interface(num, alt)
	if err != nil {
		return nil, err
	}
	return interfaceAdapter{i}, nil
}

type deviceAdapter struct {
	*gousb.Device
}

func (d deviceAdapter) Config(cfgNum int) (usbConfig, error) {
	cfg, err := d.Device.Config(cfgNum)
	if err != nil {
		return nil, err
	}
	return configAdapter{cfg}, nil
}

// session is an opened libusb device together with its context.
type session struct {
	ctx    *gousb.Context
	dev    *gousb.Device
	speed  usb.Speed
	detail string
}

func (s *session) Close() error {
	err := s.dev.Close()
	if cerr := s.ctx.Close(); err == nil {
		err = cerr
	}
	return err
}

// openSession opens the first device matching sel.
func openSession(config Config, sel usb.DeviceID) (*session, error) {
	if sel.IsZero() {
		return nil, errors.New("libusb source needs a vid:pid device selector")
	}
	uctx := gousb.NewContext()
	if config.Debug > 0 {
		uctx.Debug(config.Debug)
	}

	found := false
	devs, err := uctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if found {
			return false
		}
		found = uint16(desc.Vendor) == sel.Vendor && uint16(desc.Product) == sel.Product
		return found
	})
	if len(devs) == 0 {
		_ = uctx.Close()
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", sel, err)
		}
		return nil, &proxy.DeviceNotFoundError{Selector: sel.String()}
	}

	dev := devs[0]
	if err := dev.SetAutoDetach(config.AutoDetach); err != nil {
		_ = dev.Close()
		_ = uctx.Close()
		return nil, fmt.Errorf("set auto detach: %w", err)
	}
	if config.ControlTimeout > 0 {
		dev.ControlTimeout = config.ControlTimeout
	} else {
		dev.ControlTimeout = 5 * time.Second
	}
	return &session{
		ctx:    uctx,
		dev:    dev,
		speed:  speedOf(dev.Desc.Speed),
		detail: usbid.Describe(dev.Desc),
	}, nil
}

func speedOf(s gousb.Speed) usb.Speed {
	switch s {
	case gousb.SpeedLow:
		return usb.SpeedLow
	case gousb.SpeedFull:
		return usb.SpeedFull
	case gousb.SpeedHigh:
		return usb.SpeedHigh
	case gousb.SpeedSuper:
		return usb.SpeedSuper
	}
	return usb.SpeedUnknown
}

// isStall reports whether err is a libusb stall, from a control
// (LIBUSB_ERROR_PIPE) or a data transfer (LIBUSB_TRANSFER_STALL).
func isStall(err error) bool {
	return errors.Is(err, gousb.ErrorPipe) || errors.Is(err, gousb.TransferStall)
}
