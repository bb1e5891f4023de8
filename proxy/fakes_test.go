package proxy_test

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/Alia5/usbmitm/proxy"
	"github.com/Alia5/usbmitm/usb"
)

// Generic gamepad: interrupt IN 0x82, interrupt OUT 0x01.
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
)

type response struct {
	t       *proxy.Transaction
	data    []byte
	stalled bool
}

type fakeHost struct {
	mu        sync.Mutex
	exported  *proxy.Export
	accepted  bool
	closed    bool
	acceptErr error

	txs       chan *proxy.Transaction
	responses chan response
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		txs:       make(chan *proxy.Transaction),
		responses: make(chan response, 16),
	}
}

func (h *fakeHost) Accept(_ context.Context, exp *proxy.Export) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.acceptErr != nil {
		return h.acceptErr
	}
	h.exported = exp
	h.accepted = true
	return nil
}

func (h *fakeHost) Receive(ctx context.Context) (*proxy.Transaction, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case t, ok := <-h.txs:
		if !ok {
			return nil, io.EOF
		}
		return t, nil
	}
}

func (h *fakeHost) Respond(t *proxy.Transaction, data []byte, stalled bool) error {
	h.responses <- response{t: t, data: bytes.Clone(data), stalled: stalled}
	return nil
}

func (h *fakeHost) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

func (h *fakeHost) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// roundTrip hands t to the proxy and waits for the answer.
func (h *fakeHost) roundTrip(tb testing.TB, t *proxy.Transaction) response {
	tb.Helper()
	select {
	case h.txs <- t:
	case <-time.After(time.Second):
		tb.Fatal("proxy did not receive transaction")
	}
	select {
	case r := <-h.responses:
		return r
	case <-time.After(time.Second):
		tb.Fatal("proxy did not respond")
	}
	return response{}
}

type write struct {
	ep   uint8
	data []byte
}

type fakeDevice struct {
	mu      sync.Mutex
	device  []byte
	config  []byte
	openErr error
	closed  bool

	// vendor answers non GET_DESCRIPTOR requests; nil acknowledges them.
	vendor func(req usb.Request, data []byte) ([]byte, bool)

	controls []usb.Request
	reads    map[uint8][][]byte
	readEps  []uint8
	writes   []write
	stallEps map[uint8]bool
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		device:   gamepadDevice,
		config:   gamepadConfig,
		reads:    map[uint8][][]byte{},
		stallEps: map[uint8]bool{},
	}
}

func (d *fakeDevice) Open(context.Context) (usb.Speed, error) {
	if d.openErr != nil {
		return usb.SpeedUnknown, d.openErr
	}
	return usb.SpeedFull, nil
}

func (d *fakeDevice) ForwardControlRequest(_ context.Context, req usb.Request, data []byte) ([]byte, bool, error) {
	d.mu.Lock()
	d.controls = append(d.controls, req)
	d.mu.Unlock()

	if req.IsStandard(usb.ReqGetDescriptor, usb.RecipientDevice) {
		var desc []byte
		switch req.DescriptorType() {
		case usb.DeviceDescType:
			desc = d.device
		case usb.ConfigDescType:
			desc = d.config
		default:
			return nil, true, nil
		}
		if len(desc) > int(req.Length) {
			desc = desc[:req.Length]
		}
		return bytes.Clone(desc), false, nil
	}
	if d.vendor != nil {
		resp, stalled := d.vendor(req, data)
		return resp, stalled, nil
	}
	return nil, false, nil
}

func (d *fakeDevice) ReadEndpoint(ctx context.Context, ep uint8, _ int) ([]byte, bool, error) {
	d.mu.Lock()
	d.readEps = append(d.readEps, ep)
	if d.stallEps[ep] {
		d.mu.Unlock()
		return nil, true, nil
	}
	if q := d.reads[ep]; len(q) > 0 {
		d.reads[ep] = q[1:]
		d.mu.Unlock()
		return bytes.Clone(q[0]), false, nil
	}
	d.mu.Unlock()
	<-ctx.Done()
	return nil, false, ctx.Err()
}

func (d *fakeDevice) WriteEndpoint(_ context.Context, ep uint8, data []byte) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writes = append(d.writes, write{ep: ep, data: bytes.Clone(data)})
	return d.stallEps[ep], nil
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *fakeDevice) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *fakeDevice) queue(ep uint8, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reads[ep] = append(d.reads[ep], data)
}
