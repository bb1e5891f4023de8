//go:build !windows

package util

func IsRunFromGUI() bool {
	// Only Windows users double-click binaries; everywhere else the proxy
	// is started from a shell or a service manager.
	return false
}
