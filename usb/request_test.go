package usb_test

import (
	"testing"

	"github.com/Alia5/usbmitm/usb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequest(t *testing.T) {
	setup := []byte{0x80, 0x06, 0x00, 0x02, 0x00, 0x00, 0x20, 0x00}

	req, err := usb.ParseRequest(setup)
	require.NoError(t, err)

	assert.True(t, req.IsIn())
	assert.True(t, req.IsStandard(usb.ReqGetDescriptor, usb.RecipientDevice))
	assert.Equal(t, uint8(usb.ConfigDescType), req.DescriptorType())
	assert.Equal(t, uint8(0), req.DescriptorIndex())
	assert.Equal(t, uint16(0x20), req.Length)

	b := req.Bytes()
	assert.Equal(t, setup, b[:])
}

func TestRequestRecipient(t *testing.T) {
	clearHalt := usb.Request{RequestType: 0x02, Request: usb.ReqClearFeature, Index: 0x81}

	assert.False(t, clearHalt.IsIn())
	assert.Equal(t, uint8(usb.RecipientEndpoint), clearHalt.Recipient())
	assert.Equal(t, uint8(usb.RequestTypeStandard), clearHalt.Type())

	vendor := usb.Request{RequestType: 0xc1, Request: 0x01}
	assert.Equal(t, uint8(usb.RequestTypeVendor), vendor.Type())
	assert.False(t, vendor.IsStandard(0x01, usb.RecipientInterface))
}

func TestParseRequestLength(t *testing.T) {
	_, err := usb.ParseRequest([]byte{0x80, 0x06})
	assert.Error(t, err)
}
