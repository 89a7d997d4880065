//go:build !windows

package monitor

import (
	"runtime"
	"syscall"
	"time"
)

// processUsage returns CPU time (user+system) and peak RSS in KB for this process.
func processUsage() (time.Duration, int64) {
	var ru syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &ru); err != nil {
		return 0, 0
	}
	cpu := time.Duration(ru.Utime.Nano() + ru.Stime.Nano())
	rss := int64(ru.Maxrss)
	if runtime.GOOS == "darwin" {
		rss /= 1024 // bytes on darwin
	}
	return cpu, rss
}
