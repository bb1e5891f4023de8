//go:build linux

package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSystemdUnitContent(t *testing.T) {
	unit := systemdUnitContent("/opt/usbmitm/usbmitm", "/etc/usbmitm/proxy.yaml")

	assert.Contains(t, unit, `ExecStart="/opt/usbmitm/usbmitm" --config "/etc/usbmitm/proxy.yaml" proxy`)
	assert.Contains(t, unit, "WorkingDirectory=/opt/usbmitm\n")
	assert.Contains(t, unit, "Restart=always")
	assert.Contains(t, unit, "WantedBy=multi-user.target")
}
