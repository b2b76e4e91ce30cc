//go:build !windows

package proc

import "syscall"

// spawnAttrs returns platform spawn attributes. Nothing special is
// needed on Unix-like systems.
func spawnAttrs() *syscall.SysProcAttr {
	return nil
}
