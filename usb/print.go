package usb

import (
	"fmt"
	"strings"
)

func (d DeviceDescriptor) String() string {
	return fmt.Sprintf("Device %04x:%04x usb=%x.%02x class=%02x/%02x/%02x ep0=%d bcd=%04x configs=%d",
		d.IDVendor, d.IDProduct, d.BcdUSB>>8, d.BcdUSB&0xff,
		d.BDeviceClass, d.BDeviceSubClass, d.BDeviceProtocol,
		d.BMaxPacketSize0, d.BcdDevice, d.BNumConfigurations)
}

func (e *Endpoint) String() string {
	return fmt.Sprintf("Endpoint %d %s %s maxpacket=%d interval=%d",
		e.Number(), e.Direction(), e.TransferType(), e.WMaxPacketSize, e.BInterval)
}

func (i *Interface) String() string {
	d := i.Descriptor
	return fmt.Sprintf("Interface %d alt %d class=%02x/%02x/%02x endpoints=%d",
		d.BInterfaceNumber, d.BAlternateSetting,
		d.BInterfaceClass, d.BInterfaceSubClass, d.BInterfaceProtocol, d.BNumEndpoints)
}

// String renders the configuration as an indented tree.
func (c *ConfigDescriptor) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Configuration %d interfaces=%d attributes=%02x maxpower=%dmA",
		c.Header.BConfigurationValue, c.Header.BNumInterfaces, c.Header.BMAttributes, int(c.Header.BMaxPower)*2)
	for _, iface := range c.Interfaces {
		fmt.Fprintf(&sb, "\n  - %s", iface)
		for _, ep := range iface.Endpoints {
			fmt.Fprintf(&sb, "\n    - %s", ep)
		}
	}
	return sb.String()
}
