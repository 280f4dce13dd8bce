// Package platform is the host side of the device: restart and memory
// figures reported on the status page.
package platform

import (
	"os"
	"runtime"

	"github.com/go-logr/logr"
	"github.com/shirou/gopsutil/v3/mem"
)

type Host struct {
	log  logr.Logger
	exec func() error
	exit func(code int)
}

func New(log logr.Logger) *Host {
	return &Host{
		log:  log,
		exec: reexec,
		exit: os.Exit,
	}
}

// Restart replaces the running process with a fresh copy of itself. When
// that is not possible the process exits non-zero and the service manager
// is expected to start it again.
func (h *Host) Restart() {
	h.log.Info("Restarting process", "pid", os.Getpid())
	if err := h.exec(); err != nil {
		h.log.Error(err, "Re-exec failed, exiting")
	}
	h.exit(1)
}

// FreeHeap is the memory available to the process, in bytes.
func (h *Host) FreeHeap() uint64 {
	vm, err := mem.VirtualMemory()
	if err != nil {
		h.log.V(1).Info("Cannot read system memory", "error", err.Error())
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		return ms.HeapIdle - ms.HeapReleased
	}
	return vm.Available
}

// HeapFragmentation is the share, in percent, of the in-use heap spans not
// holding live objects.
func (h *Host) HeapFragmentation() (int, bool) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	if ms.HeapInuse == 0 {
		return 0, false
	}
	return int((ms.HeapInuse - ms.HeapAlloc) * 100 / ms.HeapInuse), true
}
