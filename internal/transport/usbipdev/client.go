// Package usbipdev imports the real device from an upstream USB-IP server
// (for example a Linux box running usbipd) and drives it as a
// proxy.DeviceTransport.
package usbipdev

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/Alia5/usbmitm/internal/log"
	"github.com/Alia5/usbmitm/proxy"
	"github.com/Alia5/usbmitm/usb"
	"github.com/Alia5/usbmitm/usbip"
)

var ErrNotOpen = errors.New("upstream device not open")

// StatusError is a RET_SUBMIT failure other than a stall.
type StatusError struct {
	Status int32
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("urb failed with status %d", e.Status)
}

type result struct {
	status   int32
	data     []byte
	unlinked bool
}

type pendingURB struct {
	dir  uint32
	done chan result
}

// Client is a proxy.DeviceTransport backed by an imported USB-IP device.
type Client struct {
	config    Config
	selector  usb.DeviceID
	logger    *slog.Logger
	rawLogger log.RawLogger

	mu       sync.Mutex
	conn     net.Conn
	devid    uint32
	seq      uint32
	pending  map[uint32]*pendingURB
	unlinks  map[uint32]uint32 // CMD_UNLINK seqnum -> unlinked seqnum
	readDone chan struct{}
	readErr  error

	wmu       sync.Mutex
	closeOnce sync.Once
}

var _ proxy.DeviceTransport = (*Client)(nil)

// New returns a client for config. A non-zero selector picks the device from
// the upstream devlist when config.BusID is empty, and is checked against the
// imported device otherwise.
func New(config Config, selector usb.DeviceID, logger *slog.Logger, rawLogger log.RawLogger) *Client {
	if rawLogger == nil {
		rawLogger = log.Discard
	}
	return &Client{
		config:    config,
		selector:  selector,
		logger:    logger,
		rawLogger: rawLogger,
		pending:   make(map[uint32]*pendingURB),
		unlinks:   make(map[uint32]uint32),
	}
}

func (c *Client) dial(ctx context.Context) (net.Conn, func() bool, error) {
	d := net.Dialer{Timeout: c.config.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.config.Addr)
	if err != nil {
		return nil, nil, err
	}
	// Cancelling ctx aborts the management exchange.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })
	return log.WrapConn(conn, c.rawLogger), stop, nil
}

// ListDevices queries the upstream devlist.
func (c *Client) ListDevices(ctx context.Context) ([]*usbip.ExportedDevice, error) {
	conn, stop, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	defer stop()

	if err := (&usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpReqDevlist}).Write(conn); err != nil {
		return nil, fmt.Errorf("write OP_REQ_DEVLIST: %w", err)
	}
	var hdr usbip.MgmtHeader
	if err := hdr.Read(conn); err != nil {
		return nil, fmt.Errorf("read OP_REP_DEVLIST: %w", err)
	}
	if hdr.Command != usbip.OpRepDevlist || hdr.Status != usbip.OpStatusOK {
		return nil, fmt.Errorf("unexpected devlist reply 0x%04x status %d", hdr.Command, hdr.Status)
	}
	var n [4]byte
	if err := usbip.ReadExactly(conn, n[:]); err != nil {
		return nil, fmt.Errorf("read device count: %w", err)
	}
	count := int(n[0])<<24 | int(n[1])<<16 | int(n[2])<<8 | int(n[3])
	devices := make([]*usbip.ExportedDevice, 0, count)
	for i := 0; i < count; i++ {
		dev, err := usbip.ReadExportedDevice(conn, true)
		if err != nil {
			return nil, fmt.Errorf("read device %d: %w", i, err)
		}
		devices = append(devices, dev)
	}
	return devices, nil
}

func (c *Client) matches(dev *usbip.ExportedDevice) bool {
	return c.selector.IsZero() || (dev.IDVendor == c.selector.Vendor && dev.IDProduct == c.selector.Product)
}

// Open imports the device and starts reading URB replies.
func (c *Client) Open(ctx context.Context) (usb.Speed, error) {
	c.mu.Lock()
	opened := c.conn != nil
	c.mu.Unlock()
	if opened {
		return usb.SpeedUnknown, errors.New("upstream device already open")
	}

	busID := c.config.BusID
	if busID == "" {
		devices, err := c.ListDevices(ctx)
		if err != nil {
			return usb.SpeedUnknown, fmt.Errorf("list %s: %w", c.config.Addr, err)
		}
		for _, dev := range devices {
			if c.matches(dev) {
				busID = dev.BusID()
				break
			}
		}
		if busID == "" {
			return usb.SpeedUnknown, &proxy.DeviceNotFoundError{Selector: c.describe()}
		}
	}

	conn, dev, err := c.importDevice(ctx, busID)
	if err != nil {
		return usb.SpeedUnknown, err
	}
	if !c.matches(dev) {
		_ = conn.Close()
		return usb.SpeedUnknown, &proxy.DeviceNotFoundError{Selector: c.describe() + " on busid " + busID}
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.devid = dev.BusId<<16 | dev.DevId
	c.readDone = done
	c.mu.Unlock()
	go c.readLoop(conn, done)

	speed := usb.Speed(dev.Speed)
	c.logger.Info("Imported upstream device",
		"addr", c.config.Addr, "busid", busID,
		"device", fmt.Sprintf("%04x:%04x", dev.IDVendor, dev.IDProduct), "speed", speed)
	return speed, nil
}

func (c *Client) describe() string {
	if c.selector.IsZero() {
		return "any device at " + c.config.Addr
	}
	return c.selector.String() + " at " + c.config.Addr
}

func (c *Client) importDevice(ctx context.Context, busID string) (net.Conn, *usbip.ExportedDevice, error) {
	conn, stop, err := c.dial(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", c.config.Addr, err)
	}
	fail := func(err error) (net.Conn, *usbip.ExportedDevice, error) {
		stop()
		_ = conn.Close()
		return nil, nil, err
	}

	var req bytes.Buffer
	_ = (&usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpReqImport}).Write(&req)
	var bus [usbip.BusIDLen]byte
	copy(bus[:], busID)
	req.Write(bus[:])
	if _, err := conn.Write(req.Bytes()); err != nil {
		return fail(fmt.Errorf("write OP_REQ_IMPORT: %w", err))
	}

	var hdr usbip.MgmtHeader
	if err := hdr.Read(conn); err != nil {
		return fail(fmt.Errorf("read OP_REP_IMPORT: %w", err))
	}
	if hdr.Command != usbip.OpRepImport {
		return fail(fmt.Errorf("protocol violation: import answered with 0x%04x", hdr.Command))
	}
	if hdr.Status != usbip.OpStatusOK {
		return fail(&proxy.DeviceNotFoundError{Selector: "busid " + busID + " at " + c.config.Addr})
	}
	dev, err := usbip.ReadExportedDevice(conn, false)
	if err != nil {
		return fail(fmt.Errorf("read imported device: %w", err))
	}
	if !stop() {
		_ = conn.Close()
		return nil, nil, ctx.Err()
	}
	_ = conn.SetDeadline(time.Time{})
	return conn, dev, nil
}

func (c *Client) readLoop(conn net.Conn, done chan struct{}) {
	err := c.readReplies(conn)
	c.mu.Lock()
	c.readErr = err
	c.mu.Unlock()
	close(done)
}

func (c *Client) readReplies(conn net.Conn) error {
	for {
		h, raw, err := usbip.ReadHeader(conn)
		if err != nil {
			return err
		}
		switch h.Command {
		case usbip.RetSubmitCode:
			var ret usbip.RetSubmit
			ret.Decode(raw[:])
			c.mu.Lock()
			p, ok := c.pending[h.Seqnum]
			delete(c.pending, h.Seqnum)
			c.mu.Unlock()
			// The payload size depends on the direction of the submit.
			if !ok {
				return fmt.Errorf("protocol violation: RET_SUBMIT for unknown seq %d", h.Seqnum)
			}
			var data []byte
			if p.dir == usbip.DirIn && ret.ActualLength > 0 {
				data = make([]byte, ret.ActualLength)
				if err := usbip.ReadExactly(conn, data); err != nil {
					return fmt.Errorf("read IN payload: %w", err)
				}
			}
			p.done <- result{status: ret.Status, data: data}

		case usbip.RetUnlinkCode:
			var ret usbip.RetUnlink
			ret.Decode(raw[:])
			c.mu.Lock()
			target, ok := c.unlinks[h.Seqnum]
			delete(c.unlinks, h.Seqnum)
			var p *pendingURB
			// Status 0: the URB completed first and its RET_SUBMIT settles it.
			if ok && ret.Status == usbip.StatusConnReset {
				p = c.pending[target]
				delete(c.pending, target)
			}
			c.mu.Unlock()
			c.logger.Debug("USBIP_RET_UNLINK", "seq", h.Seqnum, "unlink", target, "status", ret.Status)
			if p != nil {
				p.done <- result{status: ret.Status, unlinked: true}
			}

		default:
			return fmt.Errorf("unsupported reply %s (seq=%d)", usbip.CommandName(h.Command), h.Seqnum)
		}
	}
}

func (c *Client) write(conn net.Conn, fn func(io.Writer) error) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return fn(conn)
}

// submit sends one URB and waits for its completion. Cancelling ctx unlinks
// the URB; submit still waits for the upstream answer.
func (c *Client) submit(ctx context.Context, dir uint32, ep uint8, setup [usb.SetupLen]byte, bufLen int, out []byte) (result, error) {
	c.mu.Lock()
	conn, done := c.conn, c.readDone
	if conn == nil {
		c.mu.Unlock()
		return result{}, ErrNotOpen
	}
	c.seq++
	seq := c.seq
	p := &pendingURB{dir: dir, done: make(chan result, 1)}
	c.pending[seq] = p
	devid := c.devid
	c.mu.Unlock()

	cmd := usbip.CmdSubmit{
		Basic:             usbip.HeaderBasic{Command: usbip.CmdSubmitCode, Seqnum: seq, Devid: devid, Dir: dir, Ep: uint32(ep)},
		TransferBufferLen: uint32(bufLen),
		Setup:             setup,
	}
	err := c.write(conn, func(w io.Writer) error {
		var buf bytes.Buffer
		_ = cmd.Write(&buf)
		if dir == usbip.DirOut {
			buf.Write(out)
		}
		_, err := w.Write(buf.Bytes())
		return err
	})
	if err != nil {
		c.mu.Lock()
		delete(c.pending, seq)
		c.mu.Unlock()
		return result{}, fmt.Errorf("write CMD_SUBMIT: %w", err)
	}
	c.logger.Log(ctx, log.LevelTrace, "USBIP_CMD_SUBMIT", "seq", seq, "ep", ep, "dir", dir, "len", bufLen)

	stop := context.AfterFunc(ctx, func() { c.unlink(conn, seq) })
	defer stop()

	select {
	case r := <-p.done:
		if r.unlinked || r.status == usbip.StatusConnReset {
			if err := ctx.Err(); err != nil {
				return r, err
			}
			return r, &StatusError{Status: r.status}
		}
		return r, nil
	case <-done:
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.readErr == nil {
			return result{}, net.ErrClosed
		}
		return result{}, c.readErr
	}
}

func (c *Client) unlink(conn net.Conn, seq uint32) {
	c.mu.Lock()
	if _, ok := c.pending[seq]; !ok {
		c.mu.Unlock()
		return
	}
	c.seq++
	own := c.seq
	c.unlinks[own] = seq
	devid := c.devid
	c.mu.Unlock()

	cmd := usbip.CmdUnlink{
		Basic:        usbip.HeaderBasic{Command: usbip.CmdUnlinkCode, Seqnum: own, Devid: devid},
		UnlinkSeqnum: seq,
	}
	c.logger.Debug("USBIP_CMD_UNLINK", "seq", own, "unlink", seq)
	if err := c.write(conn, cmd.Write); err != nil {
		c.logger.Debug("Failed to send CMD_UNLINK", "seq", seq, "error", err)
	}
}

func outcome(r result) ([]byte, bool, error) {
	switch r.status {
	case usbip.StatusOK:
		return r.data, false, nil
	case usbip.StatusStall:
		return nil, true, nil
	}
	return nil, false, &StatusError{Status: r.status}
}

func (c *Client) ForwardControlRequest(ctx context.Context, req usb.Request, data []byte) ([]byte, bool, error) {
	dir, bufLen, out := uint32(usbip.DirOut), len(data), data
	if req.IsIn() {
		dir, bufLen, out = usbip.DirIn, int(req.Length), nil
	}
	r, err := c.submit(ctx, dir, 0, req.Bytes(), bufLen, out)
	if err != nil {
		return nil, false, err
	}
	return outcome(r)
}

func (c *Client) ReadEndpoint(ctx context.Context, ep uint8, length int) ([]byte, bool, error) {
	r, err := c.submit(ctx, usbip.DirIn, ep, [usb.SetupLen]byte{}, length, nil)
	if err != nil {
		return nil, false, err
	}
	return outcome(r)
}

func (c *Client) WriteEndpoint(ctx context.Context, ep uint8, data []byte) (bool, error) {
	r, err := c.submit(ctx, usbip.DirOut, ep, [usb.SetupLen]byte{}, len(data), data)
	if err != nil {
		return false, err
	}
	_, stalled, err := outcome(r)
	return stalled, err
}

// Close drops the imported device.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			err = conn.Close()
			c.logger.Info("Released upstream device", "addr", c.config.Addr)
		}
	})
	return err
}
