// Package testing holds a minimal USB-IP client for exercising the USB-IP
// transports in tests.
package testing

import (
	"bytes"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Alia5/usbmitm/usb"
	"github.com/Alia5/usbmitm/usbip"
)

type TestUsbIpClient struct {
	t       testing.TB
	address string
	seq     uint32
	timeout time.Duration

	mu   sync.Mutex
	dirs map[uint32]uint32
}

// Reply is a RET_SUBMIT or RET_UNLINK read back from the server.
type Reply struct {
	Command      uint32
	Seqnum       uint32
	Status       int32
	ActualLength uint32
	Data         []byte
}

func NewUsbIpClient(t testing.TB, addr string) *TestUsbIpClient {
	t.Helper()

	return &TestUsbIpClient{
		t:       t,
		address: addr,
		seq:     1,
		timeout: 2 * time.Second,
		dirs:    make(map[uint32]uint32),
	}
}

func (c *TestUsbIpClient) nextSeq() uint32 {
	return atomic.AddUint32(&c.seq, 1) - 1
}

func (c *TestUsbIpClient) ListDevices() ([]*usbip.ExportedDevice, error) {
	conn, err := net.DialTimeout("tcp", c.address, c.timeout)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(c.timeout))

	if err := (&usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpReqDevlist}).Write(conn); err != nil {
		return nil, err
	}
	var hdr usbip.MgmtHeader
	if err := hdr.Read(conn); err != nil {
		return nil, err
	}
	if hdr.Version != usbip.Version || hdr.Command != usbip.OpRepDevlist {
		return nil, fmt.Errorf("unexpected reply %04x/%04x", hdr.Version, hdr.Command)
	}
	var n [4]byte
	if err := usbip.ReadExactly(conn, n[:]); err != nil {
		return nil, err
	}
	count := int(n[0])<<24 | int(n[1])<<16 | int(n[2])<<8 | int(n[3])
	devices := make([]*usbip.ExportedDevice, 0, count)
	for i := 0; i < count; i++ {
		dev, err := usbip.ReadExportedDevice(conn, true)
		if err != nil {
			return nil, err
		}
		devices = append(devices, dev)
	}
	return devices, nil
}

// AttachDevice imports busID. The returned connection carries the URB stream.
func (c *TestUsbIpClient) AttachDevice(busID string) (net.Conn, *usbip.ExportedDevice, error) {
	conn, err := net.DialTimeout("tcp", c.address, c.timeout)
	if err != nil {
		return nil, nil, err
	}
	_ = conn.SetDeadline(time.Now().Add(c.timeout))

	if err := (&usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpReqImport}).Write(conn); err != nil {
		conn.Close()
		return nil, nil, err
	}
	var bus [usbip.BusIDLen]byte
	copy(bus[:], busID)
	if _, err := conn.Write(bus[:]); err != nil {
		conn.Close()
		return nil, nil, err
	}

	var hdr usbip.MgmtHeader
	if err := hdr.Read(conn); err != nil {
		conn.Close()
		return nil, nil, err
	}
	if hdr.Command != usbip.OpRepImport {
		conn.Close()
		return nil, nil, fmt.Errorf("unexpected reply command %x", hdr.Command)
	}
	if hdr.Status != usbip.OpStatusOK {
		conn.Close()
		return nil, nil, fmt.Errorf("import %s: status %d", busID, hdr.Status)
	}
	dev, err := usbip.ReadExportedDevice(conn, false)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return conn, dev, nil
}

// SendSubmit writes CMD_SUBMIT without waiting for the reply.
func (c *TestUsbIpClient) SendSubmit(conn net.Conn, dir uint32, ep uint32, setup usb.Request, bufLen int, out []byte) (uint32, error) {
	seq := c.nextSeq()
	cmd := usbip.CmdSubmit{
		Basic:             usbip.HeaderBasic{Command: usbip.CmdSubmitCode, Seqnum: seq, Devid: 0x00010001, Dir: dir, Ep: ep},
		TransferBufferLen: uint32(bufLen),
		Setup:             setup.Bytes(),
	}
	if dir == usbip.DirOut {
		cmd.TransferBufferLen = uint32(len(out))
	}
	c.mu.Lock()
	c.dirs[seq] = dir
	c.mu.Unlock()

	var buf bytes.Buffer
	_ = cmd.Write(&buf)
	if dir == usbip.DirOut {
		buf.Write(out)
	}
	_, err := conn.Write(buf.Bytes())
	return seq, err
}

// Submit sends one URB and waits for its RET_SUBMIT.
func (c *TestUsbIpClient) Submit(conn net.Conn, dir uint32, ep uint32, setup usb.Request, bufLen int, out []byte) (*Reply, error) {
	seq, err := c.SendSubmit(conn, dir, ep, setup, bufLen, out)
	if err != nil {
		return nil, err
	}
	r, err := c.ReadReply(conn)
	if err != nil {
		return nil, err
	}
	if r.Command != usbip.RetSubmitCode || r.Seqnum != seq {
		return nil, fmt.Errorf("unexpected %s seq=%d, want RET_SUBMIT seq=%d", usbip.CommandName(r.Command), r.Seqnum, seq)
	}
	return r, nil
}

// SendUnlink writes CMD_UNLINK for seq.
func (c *TestUsbIpClient) SendUnlink(conn net.Conn, seq uint32) (uint32, error) {
	own := c.nextSeq()
	cmd := usbip.CmdUnlink{
		Basic:        usbip.HeaderBasic{Command: usbip.CmdUnlinkCode, Seqnum: own, Devid: 0x00010001},
		UnlinkSeqnum: seq,
	}
	return own, cmd.Write(conn)
}

// ReadReply reads the next RET_SUBMIT or RET_UNLINK. RET_SUBMIT carries a
// payload for IN URBs only.
func (c *TestUsbIpClient) ReadReply(conn net.Conn) (*Reply, error) {
	_ = conn.SetReadDeadline(time.Now().Add(c.timeout))
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	h, raw, err := usbip.ReadHeader(conn)
	if err != nil {
		return nil, err
	}
	switch h.Command {
	case usbip.RetSubmitCode:
		var ret usbip.RetSubmit
		ret.Decode(raw[:])
		c.mu.Lock()
		dir := c.dirs[h.Seqnum]
		delete(c.dirs, h.Seqnum)
		c.mu.Unlock()

		r := &Reply{Command: h.Command, Seqnum: h.Seqnum, Status: ret.Status, ActualLength: ret.ActualLength}
		if dir == usbip.DirIn && ret.ActualLength > 0 {
			r.Data = make([]byte, ret.ActualLength)
			if err := usbip.ReadExactly(conn, r.Data); err != nil {
				return nil, err
			}
		}
		return r, nil
	case usbip.RetUnlinkCode:
		var ret usbip.RetUnlink
		ret.Decode(raw[:])
		return &Reply{Command: h.Command, Seqnum: h.Seqnum, Status: ret.Status}, nil
	}
	return nil, fmt.Errorf("unexpected ret cmd %s", usbip.CommandName(h.Command))
}
