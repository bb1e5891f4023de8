package usbiphost_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/Alia5/usbmitm/internal/log"
	"github.com/Alia5/usbmitm/internal/transport/usbiphost"
	"github.com/Alia5/usbmitm/proxy"
	usbmitmTesting "github.com/Alia5/usbmitm/testing"
	"github.com/Alia5/usbmitm/usb"
	"github.com/Alia5/usbmitm/usbip"
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
)

func testExport(t *testing.T) *proxy.Export {
	t.Helper()
	dev, err := usb.ParseDeviceDescriptor(gamepadDevice)
	require.NoError(t, err)
	cfg, err := usb.ParseConfigDescriptor(gamepadConfig)
	require.NoError(t, err)
	return &proxy.Export{Device: dev, Config: cfg, Speed: usb.SpeedFull}
}

type testServer struct {
	srv    *usbiphost.Server
	client *usbmitmTesting.TestUsbIpClient
	accept chan error
	cancel context.CancelFunc
}

// startServer listens on loopback and runs Accept in the background.
func startServer(t *testing.T) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := usbiphost.New(usbiphost.Config{Addr: "127.0.0.1:0", BusID: "1-1", HandshakeTimeout: time.Second}, logger, nil)
	require.NoError(t, srv.Listen())
	t.Cleanup(func() { _ = srv.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ts := &testServer{
		srv:    srv,
		client: usbmitmTesting.NewUsbIpClient(t, srv.Addr().String()),
		accept: make(chan error, 1),
		cancel: cancel,
	}
	exp := testExport(t)
	go func() { ts.accept <- srv.Accept(ctx, exp) }()
	return ts
}

// attach imports 1-1 and waits for Accept to return.
func (ts *testServer) attach(t *testing.T) net.Conn {
	t.Helper()
	conn, dev, err := ts.client.AttachDevice("1-1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	assert.Equal(t, uint16(0x0f0d), dev.IDVendor)
	select {
	case err := <-ts.accept:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Accept did not return after import")
	}
	return conn
}

func receive(t *testing.T, srv *usbiphost.Server) *proxy.Transaction {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	tx, err := srv.Receive(ctx)
	require.NoError(t, err)
	return tx
}

func TestDevlistKeepsAccepting(t *testing.T) {
	ts := startServer(t)

	devices, err := ts.client.ListDevices()
	require.NoError(t, err)
	require.Len(t, devices, 1)
	d := devices[0]
	assert.Equal(t, "1-1", d.BusID())
	assert.Equal(t, "/sys/devices/usbmitm/1-1", d.PathString())
	assert.Equal(t, uint32(1), d.BusId)
	assert.Equal(t, uint32(1), d.DevId)
	assert.Equal(t, uint32(usb.SpeedFull), d.Speed)
	assert.Equal(t, uint16(0x00c1), d.IDProduct)
	assert.Equal(t, uint8(1), d.BConfigurationValue)
	require.Len(t, d.Interfaces, 1)
	assert.Equal(t, usbip.InterfaceDesc{Class: 0x03}, d.Interfaces[0])

	select {
	case err := <-ts.accept:
		t.Fatalf("Accept returned after devlist: %v", err)
	default:
	}
	ts.attach(t)
}

func TestImportWrongBusID(t *testing.T) {
	ts := startServer(t)

	_, _, err := ts.client.AttachDevice("2-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 1")

	ts.attach(t)
}

func TestAcceptCanceled(t *testing.T) {
	ts := startServer(t)
	ts.cancel()
	select {
	case err := <-ts.accept:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Accept ignored cancellation")
	}
}

func TestReceiveBeforeAttach(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := usbiphost.New(usbiphost.Config{Addr: "127.0.0.1:0"}, logger, nil)
	_, err := srv.Receive(context.Background())
	assert.ErrorIs(t, err, usbiphost.ErrNotAttached)
}

func TestSubmitRoundTrip(t *testing.T) {
	getConfig := usb.Request{RequestType: 0x80, Request: usb.ReqGetDescriptor, Value: 0x0200, Length: 0x20}

	type testCase struct {
		name       string
		dir        uint32
		ep         uint32
		setup      usb.Request
		bufLen     int
		out        []byte
		respond    []byte
		stalled    bool
		wantKind   proxy.Kind
		wantStatus int32
		wantLen    uint32
		wantData   []byte
	}

	cases := []testCase{
		{
			name: "control in", dir: usbip.DirIn, ep: 0, setup: getConfig, bufLen: 0x20,
			respond: gamepadConfig, wantKind: proxy.KindControl, wantLen: 0x20, wantData: gamepadConfig,
		},
		{
			name: "interrupt in", dir: usbip.DirIn, ep: 2, bufLen: 8,
			respond: []byte{1, 2, 3}, wantKind: proxy.KindIn, wantLen: 3, wantData: []byte{1, 2, 3},
		},
		{
			name: "interrupt out", dir: usbip.DirOut, ep: 1, out: []byte{0xaa, 0xbb},
			wantKind: proxy.KindOut, wantLen: 2,
		},
		{
			name: "stall", dir: usbip.DirIn, ep: 2, bufLen: 8, stalled: true,
			wantKind: proxy.KindIn, wantStatus: usbip.StatusStall,
		},
	}

	ts := startServer(t)
	conn := ts.attach(t)

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			seq, err := ts.client.SendSubmit(conn, tc.dir, tc.ep, tc.setup, tc.bufLen, tc.out)
			require.NoError(t, err)

			tx := receive(t, ts.srv)
			assert.Equal(t, seq, tx.ID)
			assert.Equal(t, tc.wantKind, tx.Kind)
			assert.Equal(t, uint8(tc.ep), tx.Endpoint)
			if tc.wantKind == proxy.KindControl {
				assert.Equal(t, tc.setup, tx.Request)
			}
			if tc.out != nil {
				assert.Equal(t, tc.out, tx.Data)
			}

			require.NoError(t, ts.srv.Respond(tx, tc.respond, tc.stalled))
			reply, err := ts.client.ReadReply(conn)
			require.NoError(t, err)
			assert.Equal(t, uint32(usbip.RetSubmitCode), reply.Command)
			assert.Equal(t, seq, reply.Seqnum)
			assert.Equal(t, tc.wantStatus, reply.Status)
			assert.Equal(t, tc.wantLen, reply.ActualLength)
			assert.Equal(t, tc.wantData, reply.Data)
		})
	}
}

func TestUnlink(t *testing.T) {
	ts := startServer(t)
	conn := ts.attach(t)

	seq, err := ts.client.SendSubmit(conn, usbip.DirIn, 2, usb.Request{}, 8, nil)
	require.NoError(t, err)
	pending := receive(t, ts.srv)

	unlinkSeq, err := ts.client.SendUnlink(conn, seq)
	require.NoError(t, err)
	reply, err := ts.client.ReadReply(conn)
	require.NoError(t, err)
	assert.Equal(t, uint32(usbip.RetUnlinkCode), reply.Command)
	assert.Equal(t, unlinkSeq, reply.Seqnum)
	assert.Equal(t, int32(usbip.StatusConnReset), reply.Status)

	// The late completion is dropped, so the next reply belongs to the next URB.
	require.NoError(t, ts.srv.Respond(pending, []byte{9}, false))
	nextSeq, err := ts.client.SendSubmit(conn, usbip.DirOut, 1, usb.Request{}, 0, []byte{1})
	require.NoError(t, err)
	require.NoError(t, ts.srv.Respond(receive(t, ts.srv), nil, false))
	reply, err = ts.client.ReadReply(conn)
	require.NoError(t, err)
	assert.Equal(t, uint32(usbip.RetSubmitCode), reply.Command)
	assert.Equal(t, nextSeq, reply.Seqnum)

	// Unlinking a completed URB reports status 0.
	unlinkSeq, err = ts.client.SendUnlink(conn, seq)
	require.NoError(t, err)
	reply, err = ts.client.ReadReply(conn)
	require.NoError(t, err)
	assert.Equal(t, unlinkSeq, reply.Seqnum)
	assert.Equal(t, int32(usbip.StatusOK), reply.Status)
}

func TestUnlinkPendingURB(t *testing.T) {
	type testCase struct {
		name       string
		dir        uint32
		ep         uint32
		out        []byte
		started    bool
		wantStatus int32
	}

	cases := []testCase{
		{name: "queued out", dir: usbip.DirOut, ep: 1, out: []byte{0xde, 0xad}, wantStatus: usbip.StatusConnReset},
		{name: "queued in", dir: usbip.DirIn, ep: 2, wantStatus: usbip.StatusConnReset},
		{name: "started in", dir: usbip.DirIn, ep: 2, started: true, wantStatus: usbip.StatusConnReset},
		{name: "started out", dir: usbip.DirOut, ep: 1, out: []byte{0xde, 0xad}, started: true, wantStatus: usbip.StatusOK},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := startServer(t)
			conn := ts.attach(t)

			seq, err := ts.client.SendSubmit(conn, tc.dir, tc.ep, usb.Request{}, len(tc.out), tc.out)
			require.NoError(t, err)
			pending := receive(t, ts.srv)
			if tc.started {
				require.True(t, pending.Begin())
			}

			unlinkSeq, err := ts.client.SendUnlink(conn, seq)
			require.NoError(t, err)
			reply, err := ts.client.ReadReply(conn)
			require.NoError(t, err)
			assert.Equal(t, uint32(usbip.RetUnlinkCode), reply.Command)
			assert.Equal(t, unlinkSeq, reply.Seqnum)
			assert.Equal(t, tc.wantStatus, reply.Status)

			if tc.wantStatus == usbip.StatusConnReset {
				select {
				case <-pending.Withdrawn():
				default:
					t.Fatal("unlinked URB was not withdrawn")
				}
				if !tc.started {
					assert.False(t, pending.Begin(), "unlinked URB must not reach the device")
				}
				return
			}

			// The device already has the request, so its completion is still delivered.
			require.NoError(t, ts.srv.Respond(pending, nil, false))
			reply, err = ts.client.ReadReply(conn)
			require.NoError(t, err)
			assert.Equal(t, uint32(usbip.RetSubmitCode), reply.Command)
			assert.Equal(t, seq, reply.Seqnum)
			assert.Equal(t, int32(usbip.StatusOK), reply.Status)
		})
	}
}

func TestHostDetach(t *testing.T) {
	ts := startServer(t)
	conn := ts.attach(t)
	require.NoError(t, conn.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := ts.srv.Receive(ctx)
	require.Error(t, err)
	assert.True(t, usbiphost.IsDisconnect(err), "got %v", err)
}

func TestReceiveCanceled(t *testing.T) {
	ts := startServer(t)
	ts.attach(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ts.srv.Receive(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRawLoggerSeesTraffic(t *testing.T) {
	raw := &syncBuffer{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := usbiphost.New(usbiphost.Config{Addr: "127.0.0.1:0", BusID: "1-1"}, logger, log.NewRaw(raw, "host"))
	require.NoError(t, srv.Listen())
	t.Cleanup(func() { _ = srv.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	exp := testExport(t)
	go func() { _ = srv.Accept(ctx, exp) }()

	client := usbmitmTesting.NewUsbIpClient(t, srv.Addr().String())
	_, err := client.ListDevices()
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return strings.Contains(raw.String(), "host->proxy 8 bytes") }, time.Second, 10*time.Millisecond)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestIsDisconnect(t *testing.T) {
	type testCase struct {
		name string
		err  error
		want bool
	}

	cases := []testCase{
		{name: "nil", err: nil, want: false},
		{name: "eof", err: io.EOF, want: true},
		{name: "wrapped unexpected eof", err: errors.Join(errors.New("read"), io.ErrUnexpectedEOF), want: true},
		{name: "reset", err: &net.OpError{Op: "read", Err: syscall.ECONNRESET}, want: true},
		{name: "broken pipe", err: &net.OpError{Op: "write", Err: syscall.EPIPE}, want: true},
		{name: "windows reset", err: errors.New("An existing connection was forcibly closed by the remote host."), want: true},
		{name: "other", err: errors.New("protocol violation"), want: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, usbiphost.IsDisconnect(tc.err))
		})
	}
}
