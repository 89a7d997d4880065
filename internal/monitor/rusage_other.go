//go:build windows

package monitor

import "time"

func processUsage() (time.Duration, int64) {
	return 0, 0
}
