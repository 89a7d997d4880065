//go:build windows

package runstore

// fileLock is a no-op on Windows; exclusive Mkdir of the run directory
// still keeps ids unique.
type fileLock struct {
	path string
}

func (fl *fileLock) lock() error   { return nil }
func (fl *fileLock) unlock() error { return nil }
