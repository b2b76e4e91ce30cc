//go:build windows

package proc

import (
	"syscall"

	"golang.org/x/sys/windows"
)

// spawnAttrs returns platform spawn attributes. Child processes must
// not open visible console windows when the host runs as a GUI or
// background service.
func spawnAttrs() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		HideWindow:    true,
		CreationFlags: windows.CREATE_NO_WINDOW,
	}
}
