//go:build linux

package cpu

import (
	"runtime"

	"github.com/23skdu/longbow-lite/internal/logger"
	"golang.org/x/sys/unix"
)

// bindThread pins the calling goroutine to its OS thread and that thread to
// core. The returned func restores the thread's previous affinity and
// unpins the goroutine.
func bindThread(core int) func() {
	runtime.LockOSThread()
	var prev unix.CPUSet
	saved := unix.SchedGetaffinity(0, &prev) == nil

	var set unix.CPUSet
	set.Zero()
	set.Set(core)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		logger.Log.Debug("Thread affinity not applied", "core", core, "error", err)
		return runtime.UnlockOSThread
	}
	return func() {
		if saved {
			if err := unix.SchedSetaffinity(0, &prev); err != nil {
				logger.Log.Debug("Thread affinity not restored", "error", err)
			}
		}
		runtime.UnlockOSThread()
	}
}
