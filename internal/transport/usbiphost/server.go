// Package usbiphost exports the proxied device to a USB host over USB-IP.
// Attach with `usbip attach -r <addr> -b <busid>`.
package usbiphost

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/Alia5/usbmitm/internal/log"
	"github.com/Alia5/usbmitm/proxy"
	"github.com/Alia5/usbmitm/usb"
	"github.com/Alia5/usbmitm/usbip"
)

var ErrNotAttached = errors.New("no host attached")

// urbQueueLen bounds the URBs read ahead of the proxy, so that CMD_UNLINK is
// still answered while the proxy waits on the device.
const urbQueueLen = 32

// Server is a proxy.HostTransport serving a single USB-IP client.
type Server struct {
	config    Config
	logger    *slog.Logger
	rawLogger log.RawLogger

	mu       sync.Mutex
	ln       net.Listener
	conn     net.Conn
	inflight map[uint32]urb // seqnum -> URBs awaiting Respond
	wmu      sync.Mutex

	txs      chan *proxy.Transaction
	readDone chan struct{}
	readErr  error

	closing   chan struct{}
	closeOnce sync.Once
}

var _ proxy.HostTransport = (*Server)(nil)

type urb struct {
	t   *proxy.Transaction
	dir uint32
}

func New(config Config, logger *slog.Logger, rawLogger log.RawLogger) *Server {
	if rawLogger == nil {
		rawLogger = log.Discard
	}
	return &Server{
		config:    config,
		logger:    logger,
		rawLogger: rawLogger,
		inflight:  make(map[uint32]urb),
		txs:       make(chan *proxy.Transaction, urbQueueLen),
		closing:   make(chan struct{}),
	}
}

// Listen binds the listen address. Accept calls it when needed.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.logger.Info("USBIP server listening", "addr", ln.Addr(), "busid", s.config.BusID)
	return nil
}

// Addr is the bound listen address, nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Accept answers OP_REQ_DEVLIST requests with exp until a client imports the
// configured bus ID.
func (s *Server) Accept(ctx context.Context, exp *proxy.Export) error {
	if err := s.Listen(); err != nil {
		return err
	}
	dev := exportedDevice(s.config.BusID, exp)
	for {
		c, err := s.acceptConn(ctx)
		if err != nil {
			return err
		}
		s.logger.Info("Client connected", "remote", c.RemoteAddr())
		conn := log.WrapConn(c, s.rawLogger)
		imported, err := s.handshake(conn, dev)
		if err != nil {
			if IsDisconnect(err) {
				s.logger.Info("Client disconnected", "error", err)
			} else {
				s.logger.Warn("Handshake failed", "remote", c.RemoteAddr(), "error", err)
			}
		}
		if !imported {
			_ = c.Close()
			continue
		}
		s.attach(conn)
		return nil
	}
}

func (s *Server) acceptConn(ctx context.Context) (net.Conn, error) {
	type result struct {
		c   net.Conn
		err error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := s.ln.Accept()
		ch <- result{c, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil && (errors.Is(r.err, net.ErrClosed) || strings.Contains(strings.ToLower(r.err.Error()), "use of closed network connection")) {
			return nil, net.ErrClosed
		}
		return r.c, r.err
	case <-ctx.Done():
		_ = s.ln.Close()
		if r := <-ch; r.c != nil {
			_ = r.c.Close()
		}
		return nil, ctx.Err()
	}
}

// handshake serves one management request. It reports whether the client
// imported the device; the connection then carries the URB stream.
func (s *Server) handshake(conn net.Conn, dev *usbip.ExportedDevice) (bool, error) {
	if s.config.HandshakeTimeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(s.config.HandshakeTimeout)); err != nil {
			s.logger.Warn("Failed to set deadline", "error", err)
		}
	}
	defer func() { _ = conn.SetDeadline(time.Time{}) }()

	var hdr usbip.MgmtHeader
	if err := hdr.Read(conn); err != nil {
		return false, fmt.Errorf("read header: %w", err)
	}
	if hdr.Version != usbip.Version {
		return false, fmt.Errorf("protocol violation: version 0x%04x", hdr.Version)
	}

	switch hdr.Command {
	case usbip.OpReqDevlist:
		s.logger.Info("OP_REQ_DEVLIST")
		var buf bytes.Buffer
		_ = (&usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpRepDevlist}).Write(&buf)
		_ = (&usbip.DevListReplyHeader{NDevices: 1}).Write(&buf)
		_ = dev.WriteDevlist(&buf)
		if _, err := conn.Write(buf.Bytes()); err != nil {
			return false, fmt.Errorf("write devlist: %w", err)
		}
		return false, nil

	case usbip.OpReqImport:
		var busID [usbip.BusIDLen]byte
		if err := usbip.ReadExactly(conn, busID[:]); err != nil {
			return false, fmt.Errorf("read import busid: %w", err)
		}
		req := usbip.FixedString(busID[:])
		s.logger.Info("OP_REQ_IMPORT", "busid", req)

		var buf bytes.Buffer
		if req != s.config.BusID {
			_ = (&usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpRepImport, Status: usbip.OpStatusError}).Write(&buf)
			_, _ = conn.Write(buf.Bytes())
			return false, fmt.Errorf("no device matches busid %s", req)
		}
		_ = (&usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpRepImport, Status: usbip.OpStatusOK}).Write(&buf)
		_ = dev.WriteImport(&buf)
		if _, err := conn.Write(buf.Bytes()); err != nil {
			return false, fmt.Errorf("write import reply: %w", err)
		}
		return true, nil
	}
	return false, fmt.Errorf("protocol violation: client sent 0x%04x without OP_REQ_IMPORT", hdr.Command)
}

func (s *Server) attach(conn net.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.readDone = make(chan struct{})
	s.mu.Unlock()
	s.logger.Info("Host attached", "remote", conn.RemoteAddr(), "busid", s.config.BusID)
	go s.readLoop(conn)
}

func (s *Server) readLoop(conn net.Conn) {
	err := s.readURBs(conn)
	s.mu.Lock()
	s.readErr = err
	s.mu.Unlock()
	close(s.readDone)
}

func (s *Server) readURBs(conn net.Conn) error {
	for {
		h, raw, err := usbip.ReadHeader(conn)
		if err != nil {
			return err
		}
		switch h.Command {
		case usbip.CmdSubmitCode:
			var cmd usbip.CmdSubmit
			cmd.Decode(raw[:])
			t, err := s.transaction(conn, &cmd)
			if err != nil {
				return err
			}
			s.mu.Lock()
			s.inflight[h.Seqnum] = urb{t: t, dir: h.Dir}
			s.mu.Unlock()
			select {
			case s.txs <- t:
			case <-s.closing:
				return net.ErrClosed
			}

		case usbip.CmdUnlinkCode:
			var cmd usbip.CmdUnlink
			cmd.Decode(raw[:])
			// -ECONNRESET tells the host the URB was dequeued, 0 that it
			// completed or is already on its way to the device and will be
			// answered with RET_SUBMIT.
			status := int32(usbip.StatusOK)
			s.mu.Lock()
			if u, ok := s.inflight[cmd.UnlinkSeqnum]; ok && u.t.Withdraw() {
				delete(s.inflight, cmd.UnlinkSeqnum)
				status = usbip.StatusConnReset
			}
			s.mu.Unlock()
			s.logger.Debug("USBIP_CMD_UNLINK", "seq", h.Seqnum, "unlink", cmd.UnlinkSeqnum, "status", status)
			ret := usbip.RetUnlink{Basic: usbip.HeaderBasic{Command: usbip.RetUnlinkCode, Seqnum: h.Seqnum}, Status: status}
			if err := s.write(func(w io.Writer) error { return ret.Write(w) }); err != nil {
				return fmt.Errorf("write RET_UNLINK: %w", err)
			}

		default:
			return fmt.Errorf("unsupported cmd %s (seq=%d, devid=%d)", usbip.CommandName(h.Command), h.Seqnum, h.Devid)
		}
	}
}

func (s *Server) transaction(conn net.Conn, cmd *usbip.CmdSubmit) (*proxy.Transaction, error) {
	t := &proxy.Transaction{
		ID:       cmd.Basic.Seqnum,
		Endpoint: uint8(cmd.Basic.Ep) & usb.EndpointNumberMask,
		Length:   int(cmd.TransferBufferLen),
	}
	if cmd.Basic.Dir == usbip.DirOut && cmd.TransferBufferLen > 0 {
		t.Data = make([]byte, cmd.TransferBufferLen)
		if err := usbip.ReadExactly(conn, t.Data); err != nil {
			return nil, fmt.Errorf("read OUT payload: %w", err)
		}
	}
	switch {
	case t.Endpoint == 0:
		req, err := usb.ParseRequest(cmd.Setup[:])
		if err != nil {
			return nil, err
		}
		t.Kind = proxy.KindControl
		t.Request = req
	case cmd.Basic.Dir == usbip.DirIn:
		t.Kind = proxy.KindIn
	default:
		t.Kind = proxy.KindOut
	}
	s.logger.Log(context.Background(), log.LevelTrace, "USBIP_CMD_SUBMIT",
		"seq", t.ID, "kind", t.Kind, "ep", t.Endpoint, "len", t.Length, "setup", t.Request)
	return t, nil
}

// Receive returns the next URB submitted by the host.
func (s *Server) Receive(ctx context.Context) (*proxy.Transaction, error) {
	s.mu.Lock()
	done := s.readDone
	s.mu.Unlock()
	if done == nil {
		return nil, ErrNotAttached
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case t := <-s.txs:
		return t, nil
	case <-done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return nil, s.readErr
	}
}

// Respond sends RET_SUBMIT for t. Responses to URBs the host has unlinked
// meanwhile are dropped.
func (s *Server) Respond(t *proxy.Transaction, data []byte, stalled bool) error {
	s.mu.Lock()
	u, ok := s.inflight[t.ID]
	delete(s.inflight, t.ID)
	s.mu.Unlock()
	if !ok {
		s.logger.Debug("Dropping response to unlinked URB", "seq", t.ID)
		return nil
	}

	ret := usbip.RetSubmit{Basic: usbip.HeaderBasic{Command: usbip.RetSubmitCode, Seqnum: t.ID}}
	var payload []byte
	switch {
	case stalled:
		ret.Status = usbip.StatusStall
	case u.dir == usbip.DirIn:
		payload = data
		ret.ActualLength = uint32(len(data))
	default:
		ret.ActualLength = uint32(len(t.Data))
	}

	return s.write(func(w io.Writer) error {
		var out bytes.Buffer
		if err := ret.Write(&out); err != nil {
			return fmt.Errorf("build RET_SUBMIT header: %w", err)
		}
		out.Write(payload)
		if _, err := w.Write(out.Bytes()); err != nil {
			return fmt.Errorf("write RET_SUBMIT: %w", err)
		}
		return nil
	})
}

func (s *Server) write(fn func(io.Writer) error) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotAttached
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return fn(conn)
}

// Close stops the listener and drops the attached host.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closing)
		s.mu.Lock()
		ln, conn := s.ln, s.conn
		s.mu.Unlock()
		if ln != nil {
			if cerr := ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
				err = cerr
			}
		}
		if conn != nil {
			_ = conn.Close()
		}
		s.logger.Info("USBIP server stopped")
	})
	return err
}

// exportedDevice builds the devlist/import record for exp.
func exportedDevice(busID string, exp *proxy.Export) *usbip.ExportedDevice {
	d := &usbip.ExportedDevice{
		Speed:               uint32(exp.Speed),
		IDVendor:            exp.Device.IDVendor,
		IDProduct:           exp.Device.IDProduct,
		BcdDevice:           exp.Device.BcdDevice,
		BDeviceClass:        exp.Device.BDeviceClass,
		BDeviceSubClass:     exp.Device.BDeviceSubClass,
		BDeviceProtocol:     exp.Device.BDeviceProtocol,
		BNumConfigurations:  exp.Device.BNumConfigurations,
		BConfigurationValue: exp.Config.Header.BConfigurationValue,
		BNumInterfaces:      exp.Config.Header.BNumInterfaces,
	}
	d.SetBusID(busID)
	d.SetPath("/sys/devices/usbmitm/" + busID)
	d.BusId, d.DevId = parseBusID(busID)
	for _, iface := range exp.Config.Interfaces {
		if iface.Descriptor.BAlternateSetting != 0 {
			continue
		}
		d.Interfaces = append(d.Interfaces, usbip.InterfaceDesc{
			Class:    iface.Descriptor.BInterfaceClass,
			SubClass: iface.Descriptor.BInterfaceSubClass,
			Protocol: iface.Descriptor.BInterfaceProtocol,
		})
	}
	return d
}

// parseBusID splits "<bus>-<port>" into bus and device numbers, 1-1 for
// anything else.
func parseBusID(id string) (uint32, uint32) {
	bus, port, ok := strings.Cut(id, "-")
	if !ok {
		return 1, 1
	}
	b, err1 := strconv.ParseUint(bus, 10, 32)
	p, err2 := strconv.ParseUint(strings.SplitN(port, ".", 2)[0], 10, 32)
	if err1 != nil || err2 != nil {
		return 1, 1
	}
	return uint32(b), uint32(p)
}

// IsDisconnect tests whether an error represents a normal client
// disconnect (EOF, ECONNRESET, broken pipe, or the Windows WSAECONNRESET
// translated error).
func IsDisconnect(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		var errno syscall.Errno
		if errors.As(opErr.Err, &errno) && (errno == syscall.ECONNRESET || errno == syscall.EPIPE) {
			return true
		}
	}
	e := strings.ToLower(err.Error())
	return strings.Contains(e, "connection reset by peer") || strings.Contains(e, "forcibly closed") || strings.Contains(e, "aborted")
}
