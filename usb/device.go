package usb

import (
	"fmt"
	"strconv"
	"strings"
)

// DeviceID selects a device by vendor and product ID.
type DeviceID struct {
	Vendor  uint16
	Product uint16
}

// ParseDeviceID parses "vvvv:pppp" (hex, as printed by lsusb).
func ParseDeviceID(s string) (DeviceID, error) {
	v, p, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return DeviceID{}, fmt.Errorf("device id %q: want vid:pid", s)
	}
	vid, err := strconv.ParseUint(strings.TrimPrefix(v, "0x"), 16, 16)
	if err != nil {
		return DeviceID{}, fmt.Errorf("device id %q: vendor: %w", s, err)
	}
	pid, err := strconv.ParseUint(strings.TrimPrefix(p, "0x"), 16, 16)
	if err != nil {
		return DeviceID{}, fmt.Errorf("device id %q: product: %w", s, err)
	}
	return DeviceID{Vendor: uint16(vid), Product: uint16(pid)}, nil
}

func (id DeviceID) String() string {
	return fmt.Sprintf("%04x:%04x", id.Vendor, id.Product)
}

// Matches reports whether d has this vendor and product ID.
func (id DeviceID) Matches(d DeviceDescriptor) bool {
	return d.IDVendor == id.Vendor && d.IDProduct == id.Product
}

// IsZero reports whether id selects nothing.
func (id DeviceID) IsZero() bool {
	return id == DeviceID{}
}

func (id DeviceID) MarshalText() ([]byte, error) {
	if id.IsZero() {
		return []byte{}, nil
	}
	return []byte(id.String()), nil
}

func (id *DeviceID) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*id = DeviceID{}
		return nil
	}
	parsed, err := ParseDeviceID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
