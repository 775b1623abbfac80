//go:build linux

package upgrade

import (
	"runtime"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// lowestPriority is the highest nice value.
const lowestPriority = 19

// lowerThreadPriority pins the calling goroutine to its thread and raises
// the thread's nice value. The thread is never unlocked, so the runtime
// discards it when the goroutine exits instead of reusing it.
func lowerThreadPriority(log *zap.Logger) {
	runtime.LockOSThread()
	err := unix.Setpriority(unix.PRIO_PROCESS, unix.Gettid(), lowestPriority)
	if err != nil {
		log.Debug("Could not lower worker priority", zap.Error(err))
	}
}
