// Package usb contains the USB descriptor codec, setup packet type and
// endpoint remapping used by the proxy.
package usb

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// USB descriptor type constants
const (
	DeviceDescType    = 0x01
	ConfigDescType    = 0x02
	StringDescType    = 0x03
	InterfaceDescType = 0x04
	EndpointDescType  = 0x05
	HIDDescType       = 0x21
	ReportDescType    = 0x22
)

// OtherSpeedConfigDescType has the configuration layout and describes the
// device at the speed it is not running at.
const OtherSpeedConfigDescType = 0x07

// Descriptor lengths in bytes (fixed values from USB spec)
const (
	DeviceDescLen    = 18
	ConfigDescLen    = 9
	InterfaceDescLen = 9
	EndpointDescLen  = 7
)

// ErrMalformedDescriptor is returned when a binary descriptor cannot be parsed.
var ErrMalformedDescriptor = errors.New("malformed descriptor")

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedDescriptor, fmt.Sprintf(format, args...))
}

// Speed follows the kernel's enum usb_device_speed, which is also what USB-IP
// puts on the wire.
type Speed uint32

const (
	SpeedUnknown   Speed = 0
	SpeedLow       Speed = 1
	SpeedFull      Speed = 2
	SpeedHigh      Speed = 3
	SpeedWireless  Speed = 4
	SpeedSuper     Speed = 5
	SpeedSuperPlus Speed = 6
)

func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "low"
	case SpeedFull:
		return "full"
	case SpeedHigh:
		return "high"
	case SpeedWireless:
		return "wireless"
	case SpeedSuper:
		return "super"
	case SpeedSuperPlus:
		return "super+"
	default:
		return "unknown"
	}
}

// DeviceDescriptor represents the standard USB device descriptor.
type DeviceDescriptor struct {
	BcdUSB             uint16 // LE
	BDeviceClass       uint8
	BDeviceSubClass    uint8
	BDeviceProtocol    uint8
	BMaxPacketSize0    uint8
	IDVendor           uint16 // LE
	IDProduct          uint16 // LE
	BcdDevice          uint16 // LE
	IManufacturer      uint8
	IProduct           uint8
	ISerialNumber      uint8
	BNumConfigurations uint8
}

// ParseDeviceDescriptor decodes an 18 byte device descriptor.
func ParseDeviceDescriptor(data []byte) (DeviceDescriptor, error) {
	if len(data) < DeviceDescLen {
		return DeviceDescriptor{}, malformed("device descriptor: %d bytes, want %d", len(data), DeviceDescLen)
	}
	if data[1] != DeviceDescType {
		return DeviceDescriptor{}, malformed("device descriptor: type 0x%02x", data[1])
	}
	return DeviceDescriptor{
		BcdUSB:             binary.LittleEndian.Uint16(data[2:4]),
		BDeviceClass:       data[4],
		BDeviceSubClass:    data[5],
		BDeviceProtocol:    data[6],
		BMaxPacketSize0:    data[7],
		IDVendor:           binary.LittleEndian.Uint16(data[8:10]),
		IDProduct:          binary.LittleEndian.Uint16(data[10:12]),
		BcdDevice:          binary.LittleEndian.Uint16(data[12:14]),
		IManufacturer:      data[14],
		IProduct:           data[15],
		ISerialNumber:      data[16],
		BNumConfigurations: data[17],
	}, nil
}

// Bytes returns the binary representation of the DeviceDescriptor.
func (d DeviceDescriptor) Bytes() []byte {
	var b bytes.Buffer
	b.WriteByte(DeviceDescLen)
	b.WriteByte(DeviceDescType)
	_ = binary.Write(&b, binary.LittleEndian, d.BcdUSB)
	b.WriteByte(d.BDeviceClass)
	b.WriteByte(d.BDeviceSubClass)
	b.WriteByte(d.BDeviceProtocol)
	b.WriteByte(d.BMaxPacketSize0)
	_ = binary.Write(&b, binary.LittleEndian, d.IDVendor)
	_ = binary.Write(&b, binary.LittleEndian, d.IDProduct)
	_ = binary.Write(&b, binary.LittleEndian, d.BcdDevice)
	b.WriteByte(d.IManufacturer)
	b.WriteByte(d.IProduct)
	b.WriteByte(d.ISerialNumber)
	b.WriteByte(d.BNumConfigurations)
	return b.Bytes()
}

// ConfigHeader represents the USB configuration descriptor header (9 bytes).
// Tail keeps any bytes a device appends past the standard fields.
type ConfigHeader struct {
	WTotalLength        uint16 // LE, patched on serialization
	BNumInterfaces      uint8
	BConfigurationValue uint8
	IConfiguration      uint8
	BMAttributes        uint8
	BMaxPower           uint8
	Tail                []byte
}

func (h ConfigHeader) Write(b *bytes.Buffer) {
	b.WriteByte(uint8(ConfigDescLen + len(h.Tail)))
	b.WriteByte(ConfigDescType)
	_ = binary.Write(b, binary.LittleEndian, h.WTotalLength)
	b.WriteByte(h.BNumInterfaces)
	b.WriteByte(h.BConfigurationValue)
	b.WriteByte(h.IConfiguration)
	b.WriteByte(h.BMAttributes)
	b.WriteByte(h.BMaxPower)
	b.Write(h.Tail)
}

// InterfaceDescriptor (9 bytes) for each interface altsetting.
type InterfaceDescriptor struct {
	BInterfaceNumber   uint8
	BAlternateSetting  uint8
	BNumEndpoints      uint8
	BInterfaceClass    uint8
	BInterfaceSubClass uint8
	BInterfaceProtocol uint8
	IInterface         uint8
	Tail               []byte
}

func (i InterfaceDescriptor) Write(b *bytes.Buffer) {
	b.WriteByte(uint8(InterfaceDescLen + len(i.Tail)))
	b.WriteByte(InterfaceDescType)
	b.WriteByte(i.BInterfaceNumber)
	b.WriteByte(i.BAlternateSetting)
	b.WriteByte(i.BNumEndpoints)
	b.WriteByte(i.BInterfaceClass)
	b.WriteByte(i.BInterfaceSubClass)
	b.WriteByte(i.BInterfaceProtocol)
	b.WriteByte(i.IInterface)
	b.Write(i.Tail)
}

// EndpointDescriptor (7 bytes) for each endpoint. Audio class endpoints
// carry two more bytes, kept in Tail.
type EndpointDescriptor struct {
	BEndpointAddress uint8
	BMAttributes     uint8
	WMaxPacketSize   uint16 // LE
	BInterval        uint8
	Tail             []byte
}

func (e EndpointDescriptor) Write(b *bytes.Buffer) {
	b.WriteByte(uint8(EndpointDescLen + len(e.Tail)))
	b.WriteByte(EndpointDescType)
	b.WriteByte(e.BEndpointAddress)
	b.WriteByte(e.BMAttributes)
	_ = binary.Write(b, binary.LittleEndian, e.WMaxPacketSize)
	b.WriteByte(e.BInterval)
	b.Write(e.Tail)
}

// Endpoint address and attribute bits.
const (
	EndpointDirIn      = 0x80
	EndpointNumberMask = 0x0f
	transferTypeMask   = 0x03
)

// Direction of an endpoint, as seen from the host.
type Direction uint8

const (
	DirectionOut Direction = 0
	DirectionIn  Direction = 1
)

func (d Direction) String() string {
	if d == DirectionIn {
		return "IN"
	}
	return "OUT"
}

type TransferType uint8

const (
	TransferControl     TransferType = 0
	TransferIsochronous TransferType = 1
	TransferBulk        TransferType = 2
	TransferInterrupt   TransferType = 3
)

func (t TransferType) String() string {
	switch t {
	case TransferControl:
		return "control"
	case TransferIsochronous:
		return "isochronous"
	case TransferBulk:
		return "bulk"
	default:
		return "interrupt"
	}
}

// Number returns the endpoint number (1-15).
func (e *EndpointDescriptor) Number() uint8 {
	return e.BEndpointAddress & EndpointNumberMask
}

// SetNumber replaces the endpoint number, leaving the direction bit alone.
func (e *EndpointDescriptor) SetNumber(n uint8) {
	e.BEndpointAddress = e.BEndpointAddress&^EndpointNumberMask | n&EndpointNumberMask
}

func (e *EndpointDescriptor) Direction() Direction {
	if e.BEndpointAddress&EndpointDirIn != 0 {
		return DirectionIn
	}
	return DirectionOut
}

func (e *EndpointDescriptor) TransferType() TransferType {
	return TransferType(e.BMAttributes & transferTypeMask)
}
