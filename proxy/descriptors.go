package proxy

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/Alia5/usbmitm/filter"
	"github.com/Alia5/usbmitm/usb"
)

func getDescriptor(descType uint8, length uint16) usb.Request {
	return usb.Request{
		RequestType: usb.RequestDirIn | usb.RequestTypeStandard | usb.RecipientDevice,
		Request:     usb.ReqGetDescriptor,
		Value:       uint16(descType) << 8,
		Length:      length,
	}
}

// ReadDescriptors fetches the device descriptor and the first configuration
// descriptor. The configuration is read in two steps, the 9 byte header
// first and then wTotalLength bytes.
func ReadDescriptors(ctx context.Context, dev DeviceTransport) (usb.DeviceDescriptor, *usb.ConfigDescriptor, error) {
	raw, err := readDescriptor(ctx, dev, usb.DeviceDescType, usb.DeviceDescLen)
	if err != nil {
		return usb.DeviceDescriptor{}, nil, err
	}
	devDesc, err := usb.ParseDeviceDescriptor(raw)
	if err != nil {
		return usb.DeviceDescriptor{}, nil, err
	}

	head, err := readDescriptor(ctx, dev, usb.ConfigDescType, usb.ConfigDescLen)
	if err != nil {
		return usb.DeviceDescriptor{}, nil, err
	}
	if len(head) < 4 {
		return usb.DeviceDescriptor{}, nil, fmt.Errorf("%w: configuration header: %d bytes", usb.ErrMalformedDescriptor, len(head))
	}
	total := binary.LittleEndian.Uint16(head[2:4])
	full, err := readDescriptor(ctx, dev, usb.ConfigDescType, total)
	if err != nil {
		return usb.DeviceDescriptor{}, nil, err
	}
	cfg, err := usb.ParseConfigDescriptor(full)
	if err != nil {
		return usb.DeviceDescriptor{}, nil, err
	}
	return devDesc, cfg, nil
}

func readDescriptor(ctx context.Context, dev DeviceTransport, descType uint8, length uint16) ([]byte, error) {
	req := getDescriptor(descType, length)
	data, stalled, err := dev.ForwardControlRequest(ctx, req, nil)
	if err != nil {
		return nil, &TransportError{Side: SideDevice, Op: "get descriptor", Err: err}
	}
	if stalled {
		return nil, &TransportError{Side: SideDevice, Op: "get descriptor", Err: fmt.Errorf("request %s stalled", req)}
	}
	return data, nil
}

// hostView runs the device's descriptors through the chain the way a host
// would receive them. A configuration the filters turn into garbage falls
// back to the device's own.
func hostView(chain *filter.Chain, dev usb.DeviceDescriptor, cfg *usb.ConfigDescriptor) (usb.DeviceDescriptor, *usb.ConfigDescriptor) {
	raw := dev.Bytes()
	res := chain.DispatchControlIn(filter.ControlTransfer{Request: getDescriptor(usb.DeviceDescType, uint16(len(raw))), Data: raw})
	if d, err := usb.ParseDeviceDescriptor(res.Data); err == nil && !res.Stalled {
		dev = d
	}

	raw = cfg.Bytes()
	res = chain.DispatchControlIn(filter.ControlTransfer{Request: getDescriptor(usb.ConfigDescType, uint16(len(raw))), Data: raw})
	if c, err := usb.ParseConfigDescriptor(res.Data); err == nil && !res.Stalled {
		cfg = c
	}
	return dev, cfg
}
