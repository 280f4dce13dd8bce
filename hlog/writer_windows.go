//go:build windows

package hlog

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mattn/go-isatty"
	"golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/eventlog"
)

const eventSource = "WifiMgr"

// debugInit reports logger setup problems to the event log, since a service
// has no console.
func debugInit(msg string) {
	_ = eventlog.InstallAsEventCreate(eventSource, eventlog.Info|eventlog.Warning|eventlog.Error)
	el, err := eventlog.Open(eventSource)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s\n", eventSource, msg)
		return
	}
	defer el.Close()
	_ = el.Warning(1, msg)
}

func IsTerminal() bool {
	if isService, err := svc.IsWindowsService(); err == nil && isService {
		return false
	}
	return isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
}

func getLogDir() string {
	if isService, _ := svc.IsWindowsService(); isService {
		return filepath.Join(os.Getenv("SystemDrive")+`\`, "ProgramData", eventSource, "logs")
	}
	appData := os.Getenv("LOCALAPPDATA")
	if appData == "" {
		appData = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Local")
	}
	return filepath.Join(appData, eventSource, "logs")
}
