package usb

import (
	"bytes"
	"encoding/binary"
)

// ConfigDescriptor is a parsed configuration descriptor tree.
//
// Descriptors that are neither interface nor endpoint descriptors (HID,
// interface association, class specific, SuperSpeed companions) are kept as
// opaque bytes attached to the element they follow, so that Bytes reproduces
// the original blob exactly.
type ConfigDescriptor struct {
	Header     ConfigHeader
	Extra      []byte // descriptors between the header and the first interface
	Interfaces []*Interface
}

// Interface is one interface descriptor (a single alternate setting) and the
// endpoints that belong to it.
type Interface struct {
	Descriptor InterfaceDescriptor
	Extra      []byte // descriptors between the interface and its first endpoint
	Endpoints  []*Endpoint
}

// Endpoint is an endpoint descriptor. It is mutable in place.
type Endpoint struct {
	EndpointDescriptor
	Extra []byte // descriptors following this endpoint
}

// ParseConfigDescriptor parses a full configuration descriptor blob.
//
// The declared wTotalLength must match the buffer length exactly; callers
// holding only the 9 byte header must re-request wTotalLength bytes first.
func ParseConfigDescriptor(data []byte) (*ConfigDescriptor, error) {
	if len(data) < ConfigDescLen {
		return nil, malformed("configuration header: %d bytes, want %d", len(data), ConfigDescLen)
	}
	hlen := int(data[0])
	if data[1] != ConfigDescType {
		return nil, malformed("configuration header: type 0x%02x at offset 0", data[1])
	}
	total := int(binary.LittleEndian.Uint16(data[2:4]))
	if total > len(data) {
		return nil, malformed("wTotalLength %d exceeds %d byte buffer", total, len(data))
	}
	if total < len(data) {
		return nil, malformed("wTotalLength %d shorter than %d byte buffer", total, len(data))
	}
	if hlen < ConfigDescLen || hlen > total {
		return nil, malformed("configuration header: bLength %d", hlen)
	}

	cfg := &ConfigDescriptor{
		Header: ConfigHeader{
			WTotalLength:        uint16(total),
			BNumInterfaces:      data[4],
			BConfigurationValue: data[5],
			IConfiguration:      data[6],
			BMAttributes:        data[7],
			BMaxPower:           data[8],
			Tail:                clone(data[ConfigDescLen:hlen]),
		},
	}

	var (
		iface   *Interface
		ep      *Endpoint
		pending int // endpoints the current interface still declares
	)
	for pos := hlen; pos < total; {
		if pos+2 > total {
			return nil, malformed("descriptor header at offset %d runs past end", pos)
		}
		length := int(data[pos])
		descType := data[pos+1]
		if length < 2 {
			return nil, malformed("bLength %d at offset %d", length, pos)
		}
		if pos+length > total {
			return nil, malformed("descriptor at offset %d (bLength %d) runs past end", pos, length)
		}
		block := data[pos : pos+length]

		switch descType {
		case InterfaceDescType:
			if pending > 0 {
				return nil, malformed("offset %d: expected endpoint descriptor, found interface (%d missing)", pos, pending)
			}
			if length < InterfaceDescLen {
				return nil, malformed("interface descriptor at offset %d: bLength %d", pos, length)
			}
			iface = &Interface{Descriptor: InterfaceDescriptor{
				BInterfaceNumber:   block[2],
				BAlternateSetting:  block[3],
				BNumEndpoints:      block[4],
				BInterfaceClass:    block[5],
				BInterfaceSubClass: block[6],
				BInterfaceProtocol: block[7],
				IInterface:         block[8],
				Tail:               clone(block[InterfaceDescLen:]),
			}}
			cfg.Interfaces = append(cfg.Interfaces, iface)
			ep = nil
			pending = int(iface.Descriptor.BNumEndpoints)

		case EndpointDescType:
			if iface == nil {
				return nil, malformed("offset %d: endpoint descriptor before any interface", pos)
			}
			if pending == 0 {
				return nil, malformed("offset %d: interface %d declares only %d endpoints",
					pos, iface.Descriptor.BInterfaceNumber, iface.Descriptor.BNumEndpoints)
			}
			if length < EndpointDescLen {
				return nil, malformed("endpoint descriptor at offset %d: bLength %d", pos, length)
			}
			ep = &Endpoint{EndpointDescriptor: EndpointDescriptor{
				BEndpointAddress: block[2],
				BMAttributes:     block[3],
				WMaxPacketSize:   binary.LittleEndian.Uint16(block[4:6]),
				BInterval:        block[6],
				Tail:             clone(block[EndpointDescLen:]),
			}}
			iface.Endpoints = append(iface.Endpoints, ep)
			pending--

		default:
			switch {
			case ep != nil:
				ep.Extra = append(ep.Extra, block...)
			case iface != nil:
				iface.Extra = append(iface.Extra, block...)
			default:
				cfg.Extra = append(cfg.Extra, block...)
			}
		}
		pos += length
	}
	if pending > 0 {
		return nil, malformed("interface %d: %d endpoint descriptors missing",
			iface.Descriptor.BInterfaceNumber, pending)
	}
	return cfg, nil
}

// Bytes serializes the descriptor tree. wTotalLength is set to the length of
// the returned buffer.
func (c *ConfigDescriptor) Bytes() []byte {
	var b bytes.Buffer
	c.Header.Write(&b)
	b.Write(c.Extra)
	for _, iface := range c.Interfaces {
		iface.Descriptor.Write(&b)
		b.Write(iface.Extra)
		for _, ep := range iface.Endpoints {
			ep.EndpointDescriptor.Write(&b)
			b.Write(ep.Extra)
		}
	}

	data := b.Bytes()
	binary.LittleEndian.PutUint16(data[2:4], uint16(len(data)))
	return data
}

// Endpoints returns every endpoint of every interface, in descriptor order.
func (c *ConfigDescriptor) Endpoints() []*Endpoint {
	var out []*Endpoint
	for _, iface := range c.Interfaces {
		out = append(out, iface.Endpoints...)
	}
	return out
}

func clone(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return bytes.Clone(b)
}
