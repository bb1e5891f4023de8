// Package libusb drives a locally attached device through libusb (gousb) as
// a proxy.DeviceTransport.
package libusb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/Alia5/usbmitm/proxy"
	"github.com/Alia5/usbmitm/usb"
)

var ErrNotOpen = errors.New("libusb device not open")

// Device is a proxy.DeviceTransport for one libusb device. libusb owns the
// configuration and interface state of the device, so SET_CONFIGURATION and
// SET_INTERFACE from the host are translated into claims instead of being
// forwarded.
type Device struct {
	config   Config
	selector usb.DeviceID
	logger   *slog.Logger
	open     func() (usbDevice, usb.Speed, io.Closer, error)

	mu     sync.Mutex
	dev    usbDevice
	closer io.Closer
	cfg    usbConfig
	ifaces map[int]usbInterface
	in     map[uint8]inEndpoint
	out    map[uint8]outEndpoint

	closeOnce sync.Once
}

var _ proxy.DeviceTransport = (*Device)(nil)

func New(config Config, selector usb.DeviceID, logger *slog.Logger) *Device {
	d := &Device{
		config:   config,
		selector: selector,
		logger:   logger,
	}
	d.open = func() (usbDevice, usb.Speed, io.Closer, error) {
		s, err := openSession(d.config, d.selector)
		if err != nil {
			return nil, usb.SpeedUnknown, nil, err
		}
		d.logger.Info("Opened libusb device", "device", d.selector, "detail", s.detail, "speed", s.speed)
		return deviceAdapter{s.dev}, s.speed, s, nil
	}
	return d
}

// Open opens the device and claims every interface of its active
// configuration.
func (d *Device) Open(_ context.Context) (usb.Speed, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dev != nil {
		return usb.SpeedUnknown, errors.New("libusb device already open")
	}

	dev, speed, closer, err := d.open()
	if err != nil {
		return usb.SpeedUnknown, err
	}
	d.dev, d.closer = dev, closer

	num, err := dev.ActiveConfigNum()
	if err != nil {
		d.release()
		return usb.SpeedUnknown, fmt.Errorf("active configuration: %w", err)
	}
	if err := d.claim(num); err != nil {
		d.release()
		return usb.SpeedUnknown, err
	}
	return speed, nil
}

// claim switches to configuration num and claims alt setting 0 of all its
// interfaces. d.mu must be held.
func (d *Device) claim(num int) error {
	d.releaseConfig()
	cfg, err := d.dev.Config(num)
	if err != nil {
		return fmt.Errorf("claim configuration %d: %w", num, err)
	}
	d.cfg = cfg
	d.ifaces = make(map[int]usbInterface)
	for _, n := range cfg.Interfaces() {
		iface, err := cfg.Interface(n, 0)
		if err != nil {
			d.releaseConfig()
			return fmt.Errorf("claim interface %d: %w", n, err)
		}
		d.ifaces[n] = iface
	}
	d.resetEndpoints()
	d.logger.Debug("Claimed configuration", "config", num, "interfaces", len(d.ifaces))
	return nil
}

func (d *Device) setInterface(num, alt int) error {
	if d.cfg == nil {
		return fmt.Errorf("no configuration claimed")
	}
	if old, ok := d.ifaces[num]; ok {
		old.Close()
		delete(d.ifaces, num)
	}
	iface, err := d.cfg.Interface(num, alt)
	if err != nil {
		return fmt.Errorf("claim interface %d alt %d: %w", num, alt, err)
	}
	d.ifaces[num] = iface
	d.resetEndpoints()
	d.logger.Debug("Claimed interface", "interface", num, "alt", alt)
	return nil
}

func (d *Device) resetEndpoints() {
	d.in = make(map[uint8]inEndpoint)
	d.out = make(map[uint8]outEndpoint)
}

func (d *Device) releaseConfig() {
	for n, iface := range d.ifaces {
		iface.Close()
		delete(d.ifaces, n)
	}
	if d.cfg != nil {
		if err := d.cfg.Close(); err != nil {
			d.logger.Debug("Failed to release configuration", "error", err)
		}
		d.cfg = nil
	}
}

func (d *Device) release() {
	d.releaseConfig()
	if d.closer != nil {
		if err := d.closer.Close(); err != nil {
			d.logger.Debug("Failed to close libusb device", "error", err)
		}
	}
	d.dev, d.closer = nil, nil
}

func (d *Device) ForwardControlRequest(_ context.Context, req usb.Request, data []byte) ([]byte, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dev == nil {
		return nil, false, ErrNotOpen
	}

	switch {
	case req.IsStandard(usb.ReqSetConfiguration, usb.RecipientDevice):
		if err := d.claim(int(req.Value & 0xff)); err != nil {
			d.logger.Warn("SET_CONFIGURATION failed, stalling", "error", err)
			return nil, true, nil
		}
		return nil, false, nil
	case req.IsStandard(usb.ReqSetInterface, usb.RecipientInterface):
		if err := d.setInterface(int(req.Index&0xff), int(req.Value)); err != nil {
			d.logger.Warn("SET_INTERFACE failed, stalling", "error", err)
			return nil, true, nil
		}
		return nil, false, nil
	}

	buf := data
	if req.IsIn() {
		buf = make([]byte, req.Length)
	}
	n, err := d.dev.Control(req.RequestType, req.Request, req.Value, req.Index, buf)
	if err != nil {
		if isStall(err) {
			return nil, true, nil
		}
		return nil, false, err
	}
	if !req.IsIn() {
		return nil, false, nil
	}
	return buf[:n], false, nil
}

func (d *Device) inEndpoint(ep uint8) (inEndpoint, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dev == nil {
		return nil, ErrNotOpen
	}
	if e, ok := d.in[ep]; ok {
		return e, nil
	}
	for _, iface := range d.ifaces {
		if e, err := iface.InEndpoint(int(ep)); err == nil {
			d.in[ep] = e
			return e, nil
		}
	}
	return nil, fmt.Errorf("no claimed interface has IN endpoint %d", ep)
}

func (d *Device) outEndpoint(ep uint8) (outEndpoint, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dev == nil {
		return nil, ErrNotOpen
	}
	if e, ok := d.out[ep]; ok {
		return e, nil
	}
	for _, iface := range d.ifaces {
		if e, err := iface.OutEndpoint(int(ep)); err == nil {
			d.out[ep] = e
			return e, nil
		}
	}
	return nil, fmt.Errorf("no claimed interface has OUT endpoint %d", ep)
}

func (d *Device) ReadEndpoint(ctx context.Context, ep uint8, length int) ([]byte, bool, error) {
	e, err := d.inEndpoint(ep)
	if err != nil {
		return nil, false, err
	}
	buf := make([]byte, length)
	n, err := e.ReadContext(ctx, buf)
	if err != nil {
		if isStall(err) {
			return nil, true, nil
		}
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, false, err
	}
	return buf[:n], false, nil
}

func (d *Device) WriteEndpoint(ctx context.Context, ep uint8, data []byte) (bool, error) {
	e, err := d.outEndpoint(ep)
	if err != nil {
		return false, err
	}
	if _, err := e.WriteContext(ctx, data); err != nil {
		if isStall(err) {
			return true, nil
		}
		return false, err
	}
	return false, nil
}

// Close releases all claims and the device.
func (d *Device) Close() error {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.dev != nil {
			d.release()
			d.logger.Info("Released libusb device", "device", d.selector)
		}
	})
	return nil
}
