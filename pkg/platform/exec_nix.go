//go:build !windows
// +build !windows

package platform

import (
	"os"
	"syscall"
)

func reexec() error {
	self, err := os.Executable()
	if err != nil {
		return err
	}
	return syscall.Exec(self, os.Args, os.Environ())
}
