package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Alia5/usbmitm/filter"
	"github.com/Alia5/usbmitm/internal/log"
	"github.com/Alia5/usbmitm/internal/transport/libusb"
	"github.com/Alia5/usbmitm/internal/transport/usbipdev"
	"github.com/Alia5/usbmitm/internal/transport/usbiphost"
	"github.com/Alia5/usbmitm/proxy"
	"github.com/Alia5/usbmitm/usb"
)

const (
	SourceLibusb = "libusb"
	SourceUSBIP  = "usbip"
)

// Source selects where the real device is attached.
type Source struct {
	Source   string          `help:"Where the real device is attached (libusb: local, usbip: upstream USB-IP server)" enum:"libusb,usbip" default:"libusb" env:"USBMITM_SOURCE"`
	Device   usb.DeviceID    `help:"Device to open as vid:pid (hex, as printed by lsusb)" env:"USBMITM_DEVICE"`
	Upstream usbipdev.Config `embed:"" prefix:"upstream."`
	Libusb   libusb.Config   `embed:"" prefix:"libusb."`
}

// Open returns the device transport for the configured source.
func (s *Source) Open(logger *slog.Logger, rawLogger log.RawLogger) (proxy.DeviceTransport, error) {
	switch s.Source {
	case SourceUSBIP:
		return usbipdev.New(s.Upstream, s.Device, logger, log.WithSide(rawLogger, "device")), nil
	case SourceLibusb, "":
		return libusb.New(s.Libusb, s.Device, logger), nil
	}
	return nil, fmt.Errorf("unknown device source %q", s.Source)
}

// Filters configures the built-in filters, installed in the order listed.
type Filters struct {
	SwapEndpoints  string `help:"Endpoint number map applied device->host, e.g. 1:2,2:1" env:"USBMITM_SWAP_ENDPOINTS"`
	InvertAxis     []int  `help:"Report byte offsets to invert (v = 0xff - v)" env:"USBMITM_INVERT_AXIS"`
	InvertEndpoint uint8  `help:"Host-facing IN endpoint whose reports are inverted (0: all)" default:"0" env:"USBMITM_INVERT_ENDPOINT"`
	StrictPayload  bool   `help:"Report payloads too short for an inverted offset as filter failures" env:"USBMITM_STRICT_PAYLOAD"`
}

// Build returns the configured filters.
func (f *Filters) Build() ([]filter.Filter, error) {
	var filters []filter.Filter
	if f.SwapEndpoints != "" {
		m, err := usb.ParseEndpointMap(f.SwapEndpoints)
		if err != nil {
			return nil, fmt.Errorf("--swap-endpoints: %w", err)
		}
		remap, err := filter.NewEndpointRemap(m)
		if err != nil {
			return nil, fmt.Errorf("--swap-endpoints: %w", err)
		}
		filters = append(filters, remap)
	}
	if len(f.InvertAxis) > 0 {
		for _, off := range f.InvertAxis {
			if off < 0 {
				return nil, fmt.Errorf("--invert-axis: negative offset %d", off)
			}
		}
		filters = append(filters, &filter.AxisInvert{
			Endpoint: f.InvertEndpoint,
			Offsets:  append([]int(nil), f.InvertAxis...),
			Strict:   f.StrictPayload,
		})
	}
	return filters, nil
}

type Proxy struct {
	Source        `embed:""`
	Host          usbiphost.Config `embed:"" prefix:"host."`
	Filters       `embed:""`
	StatsInterval time.Duration `help:"Interval for logging transfer statistics (0 disables)" default:"30s" env:"USBMITM_STATS_INTERVAL"`

	// listening is called with the bound host address before waiting for a host.
	listening func(net.Addr) `kong:"-"`
}

// Run is called by Kong when the proxy command is executed.
func (p *Proxy) Run(logger *slog.Logger, rawLogger log.RawLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return p.Serve(ctx, logger, rawLogger)
}

// Serve proxies one host session. It returns nil when ctx is cancelled or
// the host detaches.
func (p *Proxy) Serve(ctx context.Context, logger *slog.Logger, rawLogger log.RawLogger) error {
	filters, err := p.Filters.Build()
	if err != nil {
		return err
	}
	device, err := p.Source.Open(logger, rawLogger)
	if err != nil {
		return err
	}
	host := usbiphost.New(p.Host, logger, rawLogger)
	if err := host.Listen(); err != nil {
		_ = device.Close()
		return fmt.Errorf("listen on %s: %w", p.Host.Addr, err)
	}

	px := proxy.New(host, device, logger)
	for _, f := range filters {
		if err := px.AddFilter(f); err != nil {
			px.Disconnect()
			return err
		}
	}

	logger.Info("Starting usbmitm proxy",
		"source", p.Source.Source, "device", p.Device, "listen", host.Addr(), "busid", p.Host.BusID, "filters", px.Chain().Len())
	if p.listening != nil {
		p.listening(host.Addr())
	}

	if err := px.Connect(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer cancel()
		err := px.Run(gctx)
		if hostDetached(err) {
			logger.Info("Host detached")
			return nil
		}
		return err
	})
	if p.StatsInterval > 0 {
		g.Go(func() error {
			reportStats(gctx, px, p.StatsInterval, logger)
			return nil
		})
	}
	err = g.Wait()
	px.Disconnect()
	return err
}

func hostDetached(err error) bool {
	var te *proxy.TransportError
	return errors.As(err, &te) && te.Side == proxy.SideHost && usbiphost.IsDisconnect(err)
}

func reportStats(ctx context.Context, px *proxy.Proxy, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := px.Stats()
			logger.Info("Proxy stats",
				"control", s.Control, "in", s.In, "out", s.Out, "stalls", s.Stalls,
				"bytes_in", s.BytesIn, "bytes_out", s.BytesOut, "hook_failures", s.HookFailures,
				"per_second", s.Rate)
		}
	}
}
