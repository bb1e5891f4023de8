package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/gousb"
	"github.com/google/gousb/usbid"

	"github.com/Alia5/usbmitm/internal/log"
	"github.com/Alia5/usbmitm/internal/transport/usbipdev"
	"github.com/Alia5/usbmitm/proxy"
	"github.com/Alia5/usbmitm/usb"
)

type Inspect struct {
	Source `embed:""`
	List   bool          `help:"List the devices exported by the upstream USB-IP server (usbip source only)"`
	Wait   time.Duration `help:"Keep retrying until the device shows up, for at most this long (0: fail at once)" default:"0s" env:"USBMITM_INSPECT_WAIT"`
}

// waitRetryInterval is the delay between open attempts while waiting.
const waitRetryInterval = 500 * time.Millisecond

// Run is called by Kong when the inspect command is executed.
func (i *Inspect) Run(logger *slog.Logger, rawLogger log.RawLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return i.Print(ctx, os.Stdout, logger, rawLogger)
}

// Print writes the device and configuration descriptors of the selected
// device to w.
func (i *Inspect) Print(ctx context.Context, w io.Writer, logger *slog.Logger, rawLogger log.RawLogger) error {
	if i.List {
		if i.Source.Source != SourceUSBIP {
			return errors.New("--list needs --source=usbip")
		}
		return i.list(ctx, w, logger, rawLogger)
	}

	dev, speed, err := i.open(ctx, logger, rawLogger)
	if err != nil {
		return err
	}
	defer dev.Close()

	desc, cfg, err := proxy.ReadDescriptors(ctx, dev)
	if err != nil {
		return err
	}

	id := usb.DeviceID{Vendor: desc.IDVendor, Product: desc.IDProduct}
	fmt.Fprintf(w, "%s %s (%s speed)\n", id, describe(id), speed)
	fmt.Fprintln(w, desc)
	fmt.Fprint(w, cfg)
	return nil
}

// open opens the selected device. With Wait set, a device that is missing
// or whose upstream server refuses connections is retried until it shows up
// or Wait elapses.
func (i *Inspect) open(ctx context.Context, logger *slog.Logger, rawLogger log.RawLogger) (proxy.DeviceTransport, usb.Speed, error) {
	deadline := time.Now().Add(i.Wait)
	for attempt := 1; ; attempt++ {
		dev, err := i.Source.Open(logger, rawLogger)
		if err != nil {
			return nil, usb.SpeedUnknown, err
		}
		speed, err := dev.Open(ctx)
		if err == nil {
			return dev, speed, nil
		}
		_ = dev.Close()

		if i.Wait <= 0 || !waitable(err) {
			return nil, usb.SpeedUnknown, err
		}
		if !time.Now().Before(deadline) {
			return nil, usb.SpeedUnknown, fmt.Errorf("device %s did not appear within %s: %w", i.Device, i.Wait, err)
		}
		logger.Info("Waiting for device", "device", i.Device, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return nil, usb.SpeedUnknown, ctx.Err()
		case <-time.After(min(waitRetryInterval, time.Until(deadline))):
		}
	}
}

func waitable(err error) bool {
	return errors.Is(err, proxy.ErrDeviceNotFound) || errors.Is(err, syscall.ECONNREFUSED)
}

func (i *Inspect) list(ctx context.Context, w io.Writer, logger *slog.Logger, rawLogger log.RawLogger) error {
	client := usbipdev.New(i.Upstream, i.Device, logger, log.WithSide(rawLogger, "device"))
	devices, err := client.ListDevices(ctx)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Fprintf(w, "No devices exported by %s\n", i.Upstream.Addr)
		return nil
	}
	for _, d := range devices {
		id := usb.DeviceID{Vendor: d.IDVendor, Product: d.IDProduct}
		if !i.Device.IsZero() && id != i.Device {
			continue
		}
		fmt.Fprintf(w, "%-8s %s %s (%s speed, %d interfaces)\n",
			d.BusID(), id, describe(id), usb.Speed(d.Speed), len(d.Interfaces))
	}
	return nil
}

// describe names id from the usb.ids database bundled with gousb.
func describe(id usb.DeviceID) string {
	v, ok := usbid.Vendors[gousb.ID(id.Vendor)]
	if !ok {
		return "unknown device"
	}
	if p, ok := v.Product[gousb.ID(id.Product)]; ok {
		return v.Name + " " + p.Name
	}
	return v.Name
}
