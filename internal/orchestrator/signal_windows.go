//go:build windows

package orchestrator

import "os"

// Windows 沒有 SIGTERM，只能直接結束進程
func terminate(pid int) (alive bool, err error) {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false, nil
	}
	return true, p.Kill()
}

func running(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	p.Release()
	return true
}
