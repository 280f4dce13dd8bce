//go:build windows
// +build windows

package platform

import "errors"

func reexec() error {
	return errors.New("re-exec not supported on windows")
}
