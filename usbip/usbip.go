// Package usbip implements the USB-IP wire format (management ops and URB
// stream), as documented in the Linux kernel's usbip_protocol.rst.
package usbip

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Wire constants (network byte order / big-endian)
const (
	Version = 0x0111

	// Management commands
	OpReqDevlist = 0x8005
	OpRepDevlist = 0x0005
	OpReqImport  = 0x8003
	OpRepImport  = 0x0003

	// URB transfer commands
	CmdSubmitCode = 0x00000001
	CmdUnlinkCode = 0x00000002
	RetSubmitCode = 0x00000003
	RetUnlinkCode = 0x00000004

	// Directions used in usbip_header_basic.direction
	DirOut = 0x00000000
	DirIn  = 0x00000001

	// HeaderLen is the size of every URB header, payload excluded.
	HeaderLen = 0x30
	// BusIDLen is the size of the busid field of OP_REQ_IMPORT.
	BusIDLen = 32
	// ExportedDeviceLen is the size of a device entry without interfaces.
	ExportedDeviceLen = 312
)

// URB status values (negated Linux errno)
const (
	StatusOK        = 0
	StatusStall     = -32  // -EPIPE
	StatusConnReset = -104 // -ECONNRESET
	StatusNoDevice  = -19  // -ENODEV
)

// Management op status
const (
	OpStatusOK    = 0
	OpStatusError = 1
)

// MgmtHeader is the 8-byte header for management ops (devlist/import).
type MgmtHeader struct {
	Version uint16
	Command uint16
	Status  uint32
}

func (h *MgmtHeader) Write(w io.Writer) error {
	var buf [8]byte
	binary.BigEndian.PutUint16(buf[0:2], h.Version)
	binary.BigEndian.PutUint16(buf[2:4], h.Command)
	binary.BigEndian.PutUint32(buf[4:8], h.Status)
	_, err := w.Write(buf[:])
	return err
}

func (h *MgmtHeader) Read(r io.Reader) error {
	var buf [8]byte
	if err := ReadExactly(r, buf[:]); err != nil {
		return err
	}
	h.Decode(buf[:])
	return nil
}

// Decode fills h from the first 8 bytes of b.
func (h *MgmtHeader) Decode(b []byte) {
	h.Version = binary.BigEndian.Uint16(b[0:2])
	h.Command = binary.BigEndian.Uint16(b[2:4])
	h.Status = binary.BigEndian.Uint32(b[4:8])
}

// DevListReplyHeader is the header after MgmtHeader for OP_REP_DEVLIST.
type DevListReplyHeader struct {
	NDevices uint32
}

func (d *DevListReplyHeader) Write(w io.Writer) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[0:4], d.NDevices)
	_, err := w.Write(buf[:])
	return err
}

// ExportMeta carries USB-IP bus identity for an exported device.
// Uses fixed-size arrays matching the wire protocol format.
type ExportMeta struct {
	Path     [256]byte
	USBBusId [32]byte
	BusId    uint32
	DevId    uint32
}

// SetBusID stores id in the fixed size busid field.
func (m *ExportMeta) SetBusID(id string) {
	putFixedString(m.USBBusId[:], id)
}

func (m *ExportMeta) SetPath(path string) {
	putFixedString(m.Path[:], path)
}

func (m *ExportMeta) BusID() string {
	return FixedString(m.USBBusId[:])
}

func (m *ExportMeta) PathString() string {
	return FixedString(m.Path[:])
}

// ExportedDevice describes one exported device in devlist/import replies.
// Layout matches kernel doc, strings are fixed-size, remaining numbers are BE.
type ExportedDevice struct {
	ExportMeta
	Speed uint32

	IDVendor            uint16
	IDProduct           uint16
	BcdDevice           uint16
	BDeviceClass        uint8
	BDeviceSubClass     uint8
	BDeviceProtocol     uint8
	BConfigurationValue uint8
	BNumConfigurations  uint8
	BNumInterfaces      uint8

	// Interfaces: for each interface: class, subclass, protocol, pad
	Interfaces []InterfaceDesc
}

type InterfaceDesc struct {
	Class    uint8
	SubClass uint8
	Protocol uint8
}

func putFixedString(dst []byte, s string) {
	n := copy(dst, s)
	clear(dst[n:])
}

// FixedString returns the NUL terminated string stored in b.
func FixedString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

func (d *ExportedDevice) encode() []byte {
	buf := make([]byte, ExportedDeviceLen)
	copy(buf[0:256], d.Path[:])
	copy(buf[256:288], d.USBBusId[:])
	binary.BigEndian.PutUint32(buf[288:292], d.BusId)
	binary.BigEndian.PutUint32(buf[292:296], d.DevId)
	binary.BigEndian.PutUint32(buf[296:300], d.Speed)
	binary.BigEndian.PutUint16(buf[300:302], d.IDVendor)
	binary.BigEndian.PutUint16(buf[302:304], d.IDProduct)
	binary.BigEndian.PutUint16(buf[304:306], d.BcdDevice)
	buf[306] = d.BDeviceClass
	buf[307] = d.BDeviceSubClass
	buf[308] = d.BDeviceProtocol
	buf[309] = d.BConfigurationValue
	buf[310] = d.BNumConfigurations
	buf[311] = d.BNumInterfaces
	return buf
}

// WriteDevlist writes the device entry for OP_REP_DEVLIST (includes interface triplets).
func (d *ExportedDevice) WriteDevlist(w io.Writer) error {
	buf := d.encode()
	for _, iface := range d.Interfaces {
		buf = append(buf, iface.Class, iface.SubClass, iface.Protocol, 0)
	}
	_, err := w.Write(buf)
	return err
}

// WriteImport writes the device entry for OP_REP_IMPORT (ends at bNumInterfaces).
func (d *ExportedDevice) WriteImport(w io.Writer) error {
	_, err := w.Write(d.encode())
	return err
}

// ReadExportedDevice reads one device entry. Interface triplets follow the
// entry in devlist replies only.
func ReadExportedDevice(r io.Reader, withInterfaces bool) (*ExportedDevice, error) {
	var base [ExportedDeviceLen]byte
	if err := ReadExactly(r, base[:]); err != nil {
		return nil, err
	}
	d := &ExportedDevice{
		Speed:               binary.BigEndian.Uint32(base[296:300]),
		IDVendor:            binary.BigEndian.Uint16(base[300:302]),
		IDProduct:           binary.BigEndian.Uint16(base[302:304]),
		BcdDevice:           binary.BigEndian.Uint16(base[304:306]),
		BDeviceClass:        base[306],
		BDeviceSubClass:     base[307],
		BDeviceProtocol:     base[308],
		BConfigurationValue: base[309],
		BNumConfigurations:  base[310],
		BNumInterfaces:      base[311],
	}
	copy(d.Path[:], base[0:256])
	copy(d.USBBusId[:], base[256:288])
	d.BusId = binary.BigEndian.Uint32(base[288:292])
	d.DevId = binary.BigEndian.Uint32(base[292:296])

	if withInterfaces && d.BNumInterfaces > 0 {
		buf := make([]byte, int(d.BNumInterfaces)*4)
		if err := ReadExactly(r, buf); err != nil {
			return nil, err
		}
		for o := 0; o < len(buf); o += 4 {
			d.Interfaces = append(d.Interfaces, InterfaceDesc{Class: buf[o], SubClass: buf[o+1], Protocol: buf[o+2]})
		}
	}
	return d, nil
}

// HeaderBasic is common to all URB cmds and replies.
type HeaderBasic struct {
	Command uint32
	Seqnum  uint32
	Devid   uint32
	Dir     uint32
	Ep      uint32
}

func (h *HeaderBasic) put(b []byte) {
	binary.BigEndian.PutUint32(b[0:4], h.Command)
	binary.BigEndian.PutUint32(b[4:8], h.Seqnum)
	binary.BigEndian.PutUint32(b[8:12], h.Devid)
	binary.BigEndian.PutUint32(b[12:16], h.Dir)
	binary.BigEndian.PutUint32(b[16:20], h.Ep)
}

// Decode fills h from the first 20 bytes of a URB header.
func (h *HeaderBasic) Decode(b []byte) {
	h.Command = binary.BigEndian.Uint32(b[0:4])
	h.Seqnum = binary.BigEndian.Uint32(b[4:8])
	h.Devid = binary.BigEndian.Uint32(b[8:12])
	h.Dir = binary.BigEndian.Uint32(b[12:16])
	h.Ep = binary.BigEndian.Uint32(b[16:20])
}

// ReadHeader reads one URB header and decodes its basic part.
func ReadHeader(r io.Reader) (HeaderBasic, [HeaderLen]byte, error) {
	var raw [HeaderLen]byte
	if err := ReadExactly(r, raw[:]); err != nil {
		return HeaderBasic{}, raw, err
	}
	var h HeaderBasic
	h.Decode(raw[:])
	return h, raw, nil
}

// CmdSubmit header (before payload) length is 0x30.
type CmdSubmit struct {
	Basic             HeaderBasic
	TransferFlags     uint32
	TransferBufferLen uint32
	StartFrame        uint32
	NumberOfPackets   uint32
	Interval          uint32
	Setup             [8]byte
}

func (c *CmdSubmit) Write(w io.Writer) error {
	var b [HeaderLen]byte
	c.Basic.put(b[:])
	binary.BigEndian.PutUint32(b[20:24], c.TransferFlags)
	binary.BigEndian.PutUint32(b[24:28], c.TransferBufferLen)
	binary.BigEndian.PutUint32(b[28:32], c.StartFrame)
	binary.BigEndian.PutUint32(b[32:36], c.NumberOfPackets)
	binary.BigEndian.PutUint32(b[36:40], c.Interval)
	copy(b[40:48], c.Setup[:])
	_, err := w.Write(b[:])
	return err
}

// Decode fills c from a raw URB header.
func (c *CmdSubmit) Decode(b []byte) {
	c.Basic.Decode(b)
	c.TransferFlags = binary.BigEndian.Uint32(b[20:24])
	c.TransferBufferLen = binary.BigEndian.Uint32(b[24:28])
	c.StartFrame = binary.BigEndian.Uint32(b[28:32])
	c.NumberOfPackets = binary.BigEndian.Uint32(b[32:36])
	c.Interval = binary.BigEndian.Uint32(b[36:40])
	copy(c.Setup[:], b[40:48])
}

// RetSubmit header (before payload) length is 0x30.
type RetSubmit struct {
	Basic           HeaderBasic
	Status          int32
	ActualLength    uint32
	StartFrame      uint32
	NumberOfPackets uint32
	ErrorCount      uint32
	Padding         [8]byte
}

func (r *RetSubmit) Write(w io.Writer) error {
	var b [HeaderLen]byte
	r.Basic.put(b[:])
	binary.BigEndian.PutUint32(b[20:24], uint32(r.Status))
	binary.BigEndian.PutUint32(b[24:28], r.ActualLength)
	binary.BigEndian.PutUint32(b[28:32], r.StartFrame)
	binary.BigEndian.PutUint32(b[32:36], r.NumberOfPackets)
	binary.BigEndian.PutUint32(b[36:40], r.ErrorCount)
	copy(b[40:48], r.Padding[:])
	_, err := w.Write(b[:])
	return err
}

func (r *RetSubmit) Decode(b []byte) {
	r.Basic.Decode(b)
	r.Status = int32(binary.BigEndian.Uint32(b[20:24]))
	r.ActualLength = binary.BigEndian.Uint32(b[24:28])
	r.StartFrame = binary.BigEndian.Uint32(b[28:32])
	r.NumberOfPackets = binary.BigEndian.Uint32(b[32:36])
	r.ErrorCount = binary.BigEndian.Uint32(b[36:40])
	copy(r.Padding[:], b[40:48])
}

// CmdUnlink and RetUnlink
type CmdUnlink struct {
	Basic        HeaderBasic
	UnlinkSeqnum uint32
	Padding      [24]byte
}

type RetUnlink struct {
	Basic   HeaderBasic
	Status  int32
	Padding [24]byte
}

func (c *CmdUnlink) Write(w io.Writer) error {
	var b [HeaderLen]byte
	c.Basic.put(b[:])
	binary.BigEndian.PutUint32(b[20:24], c.UnlinkSeqnum)
	copy(b[24:48], c.Padding[:])
	_, err := w.Write(b[:])
	return err
}

func (c *CmdUnlink) Decode(b []byte) {
	c.Basic.Decode(b)
	c.UnlinkSeqnum = binary.BigEndian.Uint32(b[20:24])
	copy(c.Padding[:], b[24:48])
}

func (r *RetUnlink) Write(w io.Writer) error {
	var b [HeaderLen]byte
	r.Basic.put(b[:])
	binary.BigEndian.PutUint32(b[20:24], uint32(r.Status))
	copy(b[24:48], r.Padding[:])
	_, err := w.Write(b[:])
	return err
}

func (r *RetUnlink) Decode(b []byte) {
	r.Basic.Decode(b)
	r.Status = int32(binary.BigEndian.Uint32(b[20:24]))
	copy(r.Padding[:], b[24:48])
}

// CommandName names a URB command code for logs.
func CommandName(cmd uint32) string {
	switch cmd {
	case CmdSubmitCode:
		return "CMD_SUBMIT"
	case CmdUnlinkCode:
		return "CMD_UNLINK"
	case RetSubmitCode:
		return "RET_SUBMIT"
	case RetUnlinkCode:
		return "RET_UNLINK"
	default:
		return fmt.Sprintf("0x%08x", cmd)
	}
}

func ReadExactly(r io.Reader, buf []byte) error {
	_, err := io.ReadFull(r, buf)
	return err
}
