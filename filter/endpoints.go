package filter

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/Alia5/usbmitm/usb"
)

// EndpointRemap presents the device's endpoints to the host under different
// numbers. It rewrites configuration descriptors on their way to the host and
// routes host traffic on a renumbered endpoint back to the device endpoint it
// stands for.
type EndpointRemap struct {
	toHost   usb.EndpointMap
	toDevice usb.EndpointMap
}

// NewEndpointRemap builds the filter from a device-to-host endpoint map.
func NewEndpointRemap(m usb.EndpointMap) (*EndpointRemap, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	toHost := make(usb.EndpointMap, len(m))
	for k, v := range m {
		toHost[k] = v
	}
	return &EndpointRemap{toHost: toHost, toDevice: toHost.Inverse()}, nil
}

func (r *EndpointRemap) Name() string {
	return "endpoint-remap(" + r.toHost.String() + ")"
}

// Validate fails with usb.ErrUnmappedEndpoint when the device exposes an
// endpoint the map does not cover.
func (r *EndpointRemap) Validate(cfg *usb.ConfigDescriptor) error {
	return usb.CheckEndpoints(cfg, r.toHost)
}

// FilterControlIn rewrites complete GET_DESCRIPTOR(configuration) and
// GET_DESCRIPTOR(other speed configuration) responses. Partial reads (the
// usual 9 byte probe) carry no endpoints and pass as is.
func (r *EndpointRemap) FilterControlIn(xfer ControlTransfer) (ControlTransfer, error) {
	if xfer.Stalled {
		return xfer, nil
	}
	req := xfer.Request
	if !req.IsIn() || !req.IsStandard(usb.ReqGetDescriptor, usb.RecipientDevice) {
		return xfer, nil
	}
	descType := req.DescriptorType()
	if descType != usb.ConfigDescType && descType != usb.OtherSpeedConfigDescType {
		return xfer, nil
	}
	if len(xfer.Data) < 4 {
		return xfer, nil
	}
	total := int(binary.LittleEndian.Uint16(xfer.Data[2:4]))
	if int(req.Length) < total || len(xfer.Data) < total {
		return xfer, nil
	}

	blob := xfer.Data
	if descType == usb.OtherSpeedConfigDescType {
		// Same layout as a configuration descriptor apart from the type byte.
		if blob[1] != usb.OtherSpeedConfigDescType {
			return xfer, fmt.Errorf("%w: other speed configuration: type 0x%02x at offset 0", usb.ErrMalformedDescriptor, blob[1])
		}
		blob = bytes.Clone(blob)
		blob[1] = usb.ConfigDescType
	}
	cfg, err := usb.ParseConfigDescriptor(blob)
	if err != nil {
		return xfer, err
	}
	if _, err := usb.RemapEndpoints(cfg, r.toHost); err != nil {
		return xfer, err
	}
	xfer.Data = cfg.Bytes()
	if descType == usb.OtherSpeedConfigDescType {
		xfer.Data[1] = usb.OtherSpeedConfigDescType
	}
	return xfer, nil
}

// FilterControlOut translates the endpoint in wIndex of endpoint-directed
// requests (CLEAR_FEATURE(ENDPOINT_HALT) and friends).
func (r *EndpointRemap) FilterControlOut(xfer ControlTransfer) (ControlTransfer, error) {
	req := xfer.Request
	if req.Type() != usb.RequestTypeStandard || req.Recipient() != usb.RecipientEndpoint {
		return xfer, nil
	}
	num := uint8(req.Index) & usb.EndpointNumberMask
	if dev, ok := r.toDevice[num]; ok {
		xfer.Request.Index = req.Index&^uint16(usb.EndpointNumberMask) | uint16(dev)
	}
	return xfer, nil
}

// FilterInToken routes an IN poll on a host-facing endpoint to the device
// endpoint behind it.
func (r *EndpointRemap) FilterInToken(ep uint8) (uint8, error) {
	if dev, ok := r.toDevice[ep]; ok {
		return dev, nil
	}
	return ep, nil
}

// FilterOut routes OUT data the same way as FilterInToken.
func (r *EndpointRemap) FilterOut(ep uint8, data []byte) (uint8, []byte, error) {
	if dev, ok := r.toDevice[ep]; ok {
		return dev, data, nil
	}
	return ep, data, nil
}
