package usb

import (
	"encoding/binary"
	"fmt"
)

// SetupLen is the size of a control transfer setup packet.
const SetupLen = 8

// bmRequestType fields
const (
	RequestDirIn = 0x80

	RequestTypeStandard = 0x00
	RequestTypeClass    = 0x20
	RequestTypeVendor   = 0x40
	requestTypeMask     = 0x60

	RecipientDevice    = 0x00
	RecipientInterface = 0x01
	RecipientEndpoint  = 0x02
	RecipientOther     = 0x03
	recipientMask      = 0x1f
)

// USB standard request codes
const (
	ReqGetStatus        = 0x00
	ReqClearFeature     = 0x01
	ReqSetFeature       = 0x03
	ReqSetAddress       = 0x05
	ReqGetDescriptor    = 0x06
	ReqSetDescriptor    = 0x07
	ReqGetConfiguration = 0x08
	ReqSetConfiguration = 0x09
	ReqGetInterface     = 0x0a
	ReqSetInterface     = 0x0b
)

// Request is a control transfer setup packet.
type Request struct {
	RequestType uint8  // bmRequestType
	Request     uint8  // bRequest
	Value       uint16 // wValue
	Index       uint16 // wIndex
	Length      uint16 // wLength
}

// ParseRequest decodes an 8 byte setup packet.
func ParseRequest(setup []byte) (Request, error) {
	if len(setup) != SetupLen {
		return Request{}, fmt.Errorf("setup packet: %d bytes, want %d", len(setup), SetupLen)
	}
	return Request{
		RequestType: setup[0],
		Request:     setup[1],
		Value:       binary.LittleEndian.Uint16(setup[2:4]),
		Index:       binary.LittleEndian.Uint16(setup[4:6]),
		Length:      binary.LittleEndian.Uint16(setup[6:8]),
	}, nil
}

// Bytes encodes the setup packet.
func (r Request) Bytes() [SetupLen]byte {
	var b [SetupLen]byte
	b[0] = r.RequestType
	b[1] = r.Request
	binary.LittleEndian.PutUint16(b[2:4], r.Value)
	binary.LittleEndian.PutUint16(b[4:6], r.Index)
	binary.LittleEndian.PutUint16(b[6:8], r.Length)
	return b
}

// IsIn reports whether the data stage flows device to host.
func (r Request) IsIn() bool {
	return r.RequestType&RequestDirIn != 0
}

func (r Request) Type() uint8 {
	return r.RequestType & requestTypeMask
}

func (r Request) Recipient() uint8 {
	return r.RequestType & recipientMask
}

// IsStandard reports whether r is the given standard request aimed at recipient.
func (r Request) IsStandard(request, recipient uint8) bool {
	return r.Type() == RequestTypeStandard && r.Recipient() == recipient && r.Request == request
}

// DescriptorType is the descriptor type of a GET_DESCRIPTOR request.
func (r Request) DescriptorType() uint8 {
	return uint8(r.Value >> 8)
}

func (r Request) DescriptorIndex() uint8 {
	return uint8(r.Value & 0xff)
}

func (r Request) String() string {
	return fmt.Sprintf("[%02x %02x %04x %04x %04x]", r.RequestType, r.Request, r.Value, r.Index, r.Length)
}
