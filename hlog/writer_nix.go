//go:build !windows

package hlog

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mattn/go-isatty"
)

func debugInit(msg string) {
	fmt.Fprintln(os.Stderr, "wifimgr: "+msg)
}

func IsTerminal() bool {
	return isatty.IsTerminal(os.Stderr.Fd())
}

func getLogDir() string {
	if os.Geteuid() == 0 {
		return "/var/log/wifimgr"
	}
	stateDir := os.Getenv("XDG_STATE_HOME")
	if stateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		stateDir = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(stateDir, "wifimgr", "logs")
}
