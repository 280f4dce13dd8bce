package debug

import (
	"os"
	"strings"
)

// IsDebuggerAttached reports whether the program runs under Delve or a VS
// Code debug session.
func IsDebuggerAttached() bool {
	if os.Getenv("VSCODE_DEBUG_MODE") != "" || os.Getenv("DELVE_DEBUGGER") != "" {
		return true
	}
	return strings.Contains(os.Args[0], "__debug_bin")
}
