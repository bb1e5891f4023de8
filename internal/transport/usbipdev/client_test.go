package usbipdev_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/Alia5/usbmitm/internal/transport/usbipdev"
	"github.com/Alia5/usbmitm/internal/transport/usbiphost"
	"github.com/Alia5/usbmitm/proxy"
	"github.com/Alia5/usbmitm/usb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	gamepadDevice = []byte{
		0x12, 0x01, 0x00, 0x02, 0x00, 0x00, 0x00, 0x40,
		0x0d, 0x0f, 0xc1, 0x00, 0x72, 0x05, 0x01, 0x02, 0x00, 0x01,
	}
	gamepadConfig = []byte{
		0x09, 0x02, 0x20, 0x00, 0x01, 0x01, 0x00, 0x80, 0x32,
		0x09, 0x04, 0x00, 0x00, 0x02, 0x03, 0x00, 0x00, 0x00,
		0x07, 0x05, 0x82, 0x03, 0x40, 0x00, 0x08,
		0x07, 0x05, 0x01, 0x03, 0x40, 0x00, 0x08,
	}
	gamepad = usb.DeviceID{Vendor: 0x0f0d, Product: 0x00c1}
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// upstream exports the gamepad over loopback, standing in for usbipd.
func upstream(t *testing.T) *usbiphost.Server {
	t.Helper()
	dev, err := usb.ParseDeviceDescriptor(gamepadDevice)
	require.NoError(t, err)
	cfg, err := usb.ParseConfigDescriptor(gamepadConfig)
	require.NoError(t, err)

	srv := usbiphost.New(usbiphost.Config{Addr: "127.0.0.1:0", BusID: "3-2", HandshakeTimeout: time.Second}, discardLogger(), nil)
	require.NoError(t, srv.Listen())
	t.Cleanup(func() { _ = srv.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	exp := &proxy.Export{Device: dev, Config: cfg, Speed: usb.SpeedHigh}
	go func() { _ = srv.Accept(ctx, exp) }()
	return srv
}

func openClient(t *testing.T, srv *usbiphost.Server, cfg usbipdev.Config, sel usb.DeviceID) *usbipdev.Client {
	t.Helper()
	cfg.Addr = srv.Addr().String()
	cfg.DialTimeout = time.Second
	c := usbipdev.New(cfg, sel, discardLogger(), nil)
	t.Cleanup(func() { _ = c.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	speed, err := c.Open(ctx)
	require.NoError(t, err)
	assert.Equal(t, usb.SpeedHigh, speed)
	return c
}

// serve answers the next URB upstream and hands it to the test.
func serve(t *testing.T, srv *usbiphost.Server, data []byte, stalled bool) <-chan *proxy.Transaction {
	t.Helper()
	ch := make(chan *proxy.Transaction, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		tx, err := srv.Receive(ctx)
		if err != nil {
			close(ch)
			return
		}
		_ = srv.Respond(tx, data, stalled)
		ch <- tx
	}()
	return ch
}

func TestOpen(t *testing.T) {
	type testCase struct {
		name     string
		busID    string
		selector usb.DeviceID
		notFound bool
	}

	cases := []testCase{
		{name: "by busid", busID: "3-2"},
		{name: "by vid pid", selector: gamepad},
		{name: "first device", selector: usb.DeviceID{}},
		{name: "busid and matching vid pid", busID: "3-2", selector: gamepad},
		{name: "unknown vid pid", selector: usb.DeviceID{Vendor: 0x1234, Product: 0x5678}, notFound: true},
		{name: "unknown busid", busID: "9-9", notFound: true},
		{name: "busid with other device", busID: "3-2", selector: usb.DeviceID{Vendor: 0x045e, Product: 0x028e}, notFound: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := upstream(t)
			if !tc.notFound {
				openClient(t, srv, usbipdev.Config{BusID: tc.busID}, tc.selector)
				return
			}
			c := usbipdev.New(usbipdev.Config{Addr: srv.Addr().String(), BusID: tc.busID, DialTimeout: time.Second}, tc.selector, discardLogger(), nil)
			defer c.Close()
			_, err := c.Open(context.Background())
			assert.ErrorIs(t, err, proxy.ErrDeviceNotFound)
		})
	}
}

func TestOpenUnreachable(t *testing.T) {
	c := usbipdev.New(usbipdev.Config{Addr: "127.0.0.1:1", BusID: "1-1", DialTimeout: 200 * time.Millisecond}, usb.DeviceID{}, discardLogger(), nil)
	_, err := c.Open(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, proxy.ErrDeviceNotFound)
}

func TestNotOpen(t *testing.T) {
	c := usbipdev.New(usbipdev.Config{}, usb.DeviceID{}, discardLogger(), nil)
	_, _, err := c.ReadEndpoint(context.Background(), 2, 8)
	assert.ErrorIs(t, err, usbipdev.ErrNotOpen)
	assert.NoError(t, c.Close())
}

func TestControlTransfers(t *testing.T) {
	srv := upstream(t)
	c := openClient(t, srv, usbipdev.Config{BusID: "3-2"}, gamepad)
	ctx := context.Background()

	getConfig := usb.Request{RequestType: 0x80, Request: usb.ReqGetDescriptor, Value: 0x0200, Length: 0x20}
	seen := serve(t, srv, gamepadConfig, false)
	data, stalled, err := c.ForwardControlRequest(ctx, getConfig, nil)
	require.NoError(t, err)
	assert.False(t, stalled)
	assert.Equal(t, gamepadConfig, data)
	tx := <-seen
	require.NotNil(t, tx)
	assert.Equal(t, proxy.KindControl, tx.Kind)
	assert.Equal(t, getConfig, tx.Request)
	assert.Equal(t, 0x20, tx.Length)

	setReport := usb.Request{RequestType: 0x21, Request: 0x09, Value: 0x0200, Length: 2}
	seen = serve(t, srv, nil, false)
	_, stalled, err = c.ForwardControlRequest(ctx, setReport, []byte{0x01, 0x02})
	require.NoError(t, err)
	assert.False(t, stalled)
	tx = <-seen
	require.NotNil(t, tx)
	assert.Equal(t, []byte{0x01, 0x02}, tx.Data)

	vendor := usb.Request{RequestType: 0xc0, Request: 0x42, Length: 4}
	serve(t, srv, nil, true)
	data, stalled, err = c.ForwardControlRequest(ctx, vendor, nil)
	require.NoError(t, err)
	assert.True(t, stalled)
	assert.Nil(t, data)
}

func TestEndpointTransfers(t *testing.T) {
	srv := upstream(t)
	c := openClient(t, srv, usbipdev.Config{}, gamepad)
	ctx := context.Background()

	report := []byte{0x00, 0x00, 0x0f, 0x80, 0xff, 0x80, 0x80, 0x00}
	seen := serve(t, srv, report, false)
	data, stalled, err := c.ReadEndpoint(ctx, 2, 64)
	require.NoError(t, err)
	assert.False(t, stalled)
	assert.Equal(t, report, data)
	tx := <-seen
	require.NotNil(t, tx)
	assert.Equal(t, proxy.KindIn, tx.Kind)
	assert.Equal(t, uint8(2), tx.Endpoint)
	assert.Equal(t, 64, tx.Length)

	seen = serve(t, srv, nil, false)
	stalled, err = c.WriteEndpoint(ctx, 1, []byte{0x01, 0x00})
	require.NoError(t, err)
	assert.False(t, stalled)
	tx = <-seen
	require.NotNil(t, tx)
	assert.Equal(t, proxy.KindOut, tx.Kind)
	assert.Equal(t, []byte{0x01, 0x00}, tx.Data)

	serve(t, srv, nil, true)
	stalled, err = c.WriteEndpoint(ctx, 1, []byte{0x01})
	require.NoError(t, err)
	assert.True(t, stalled)
}

func TestCancelUnlinksURB(t *testing.T) {
	srv := upstream(t)
	c := openClient(t, srv, usbipdev.Config{BusID: "3-2"}, gamepad)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, _, err := c.ReadEndpoint(ctx, 2, 8)
		errs <- err
	}()

	rctx, rcancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer rcancel()
	pending, err := srv.Receive(rctx)
	require.NoError(t, err)

	cancel()
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("ReadEndpoint ignored cancellation")
	}

	// The late completion is dropped upstream and the session stays usable.
	require.NoError(t, srv.Respond(pending, []byte{0xee}, false))
	serve(t, srv, []byte{0x01}, false)
	data, _, err := c.ReadEndpoint(context.Background(), 2, 8)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01}, data)
}

func TestUpstreamGone(t *testing.T) {
	srv := upstream(t)
	c := openClient(t, srv, usbipdev.Config{BusID: "3-2"}, gamepad)

	require.NoError(t, srv.Close())
	_, _, err := c.ReadEndpoint(context.Background(), 2, 8)
	assert.Error(t, err)
}
