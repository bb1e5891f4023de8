package usbip_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/usbmitm/usbip"
)

func TestCmdSubmitLayout(t *testing.T) {
	cmd := usbip.CmdSubmit{
		Basic:             usbip.HeaderBasic{Command: usbip.CmdSubmitCode, Seqnum: 7, Devid: 0x00010002, Dir: usbip.DirIn, Ep: 0},
		TransferBufferLen: 0x12,
		Setup:             [8]byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 0x12, 0x00},
	}
	var b bytes.Buffer
	require.NoError(t, cmd.Write(&b))
	raw := b.Bytes()
	require.Len(t, raw, usbip.HeaderLen)

	assert.Equal(t, []byte{0, 0, 0, 1}, raw[0:4])
	assert.Equal(t, []byte{0, 0, 0, 7}, raw[4:8])
	assert.Equal(t, []byte{0, 1, 0, 2}, raw[8:12])
	assert.Equal(t, []byte{0, 0, 0, 1}, raw[12:16])
	assert.Equal(t, []byte{0, 0, 0, 0x12}, raw[24:28])
	assert.Equal(t, cmd.Setup[:], raw[40:48])

	h, hdr, err := usbip.ReadHeader(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, cmd.Basic, h)
	var back usbip.CmdSubmit
	back.Decode(hdr[:])
	assert.Equal(t, cmd, back)
}

func TestRetSubmitNegativeStatus(t *testing.T) {
	ret := usbip.RetSubmit{
		Basic:  usbip.HeaderBasic{Command: usbip.RetSubmitCode, Seqnum: 3},
		Status: usbip.StatusStall,
	}
	var b bytes.Buffer
	require.NoError(t, ret.Write(&b))
	assert.Equal(t, []byte{0xff, 0xff, 0xff, 0xe0}, b.Bytes()[20:24])

	var back usbip.RetSubmit
	back.Decode(b.Bytes())
	assert.Equal(t, int32(-32), back.Status)
}

func TestUnlinkLayout(t *testing.T) {
	cmd := usbip.CmdUnlink{Basic: usbip.HeaderBasic{Command: usbip.CmdUnlinkCode, Seqnum: 9}, UnlinkSeqnum: 4}
	var b bytes.Buffer
	require.NoError(t, cmd.Write(&b))
	require.Len(t, b.Bytes(), usbip.HeaderLen)
	assert.Equal(t, []byte{0, 0, 0, 4}, b.Bytes()[20:24])

	ret := usbip.RetUnlink{Basic: usbip.HeaderBasic{Command: usbip.RetUnlinkCode, Seqnum: 9}, Status: usbip.StatusConnReset}
	b.Reset()
	require.NoError(t, ret.Write(&b))
	var back usbip.RetUnlink
	back.Decode(b.Bytes())
	assert.Equal(t, int32(-104), back.Status)
	assert.Equal(t, uint32(9), back.Basic.Seqnum)
}

func TestMgmtHeader(t *testing.T) {
	h := usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpReqImport}
	var b bytes.Buffer
	require.NoError(t, h.Write(&b))
	assert.Equal(t, []byte{0x01, 0x11, 0x80, 0x03, 0, 0, 0, 0}, b.Bytes())

	var back usbip.MgmtHeader
	require.NoError(t, back.Read(&b))
	assert.Equal(t, h, back)

	assert.ErrorIs(t, back.Read(bytes.NewReader([]byte{1, 2})), io.ErrUnexpectedEOF)
}

func TestExportedDevice(t *testing.T) {
	type testCase struct {
		name    string
		devlist bool
		wantLen int
	}

	dev := usbip.ExportedDevice{
		Speed:               2,
		IDVendor:            0x0f0d,
		IDProduct:           0x00c1,
		BcdDevice:           0x0572,
		BConfigurationValue: 1,
		BNumConfigurations:  1,
		BNumInterfaces:      2,
		Interfaces:          []usbip.InterfaceDesc{{Class: 3}, {Class: 0xff, SubClass: 0x5d, Protocol: 0x01}},
	}
	dev.SetBusID("1-4")
	dev.SetPath("/sys/devices/usbmitm/1-4")
	dev.BusId = 1
	dev.DevId = 4

	cases := []testCase{
		{name: "devlist", devlist: true, wantLen: usbip.ExportedDeviceLen + 2*4},
		{name: "import", devlist: false, wantLen: usbip.ExportedDeviceLen},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var b bytes.Buffer
			if tc.devlist {
				require.NoError(t, dev.WriteDevlist(&b))
			} else {
				require.NoError(t, dev.WriteImport(&b))
			}
			raw := b.Bytes()
			require.Len(t, raw, tc.wantLen)
			assert.Equal(t, []byte{0x0f, 0x0d, 0x00, 0xc1}, raw[300:304])
			assert.Equal(t, byte(2), raw[311])

			back, err := usbip.ReadExportedDevice(bytes.NewReader(raw), tc.devlist)
			require.NoError(t, err)
			assert.Equal(t, "1-4", back.BusID())
			assert.Equal(t, "/sys/devices/usbmitm/1-4", back.PathString())
			assert.Equal(t, uint32(4), back.DevId)
			assert.Equal(t, dev.IDProduct, back.IDProduct)
			if tc.devlist {
				assert.Equal(t, dev.Interfaces, back.Interfaces)
			} else {
				assert.Empty(t, back.Interfaces)
			}
		})
	}
}

func TestFixedString(t *testing.T) {
	var m usbip.ExportMeta
	m.SetBusID("1-10.2")
	assert.Equal(t, "1-10.2", m.BusID())
	m.SetBusID("1-1")
	assert.Equal(t, "1-1", m.BusID())

	full := bytes.Repeat([]byte{'a'}, 4)
	assert.Equal(t, "aaaa", usbip.FixedString(full))
}

func TestCommandName(t *testing.T) {
	assert.Equal(t, "CMD_SUBMIT", usbip.CommandName(usbip.CmdSubmitCode))
	assert.Equal(t, "RET_UNLINK", usbip.CommandName(usbip.RetUnlinkCode))
	assert.Equal(t, "0x00000009", usbip.CommandName(9))
}
