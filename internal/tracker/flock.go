package tracker

import (
	"fmt"
	"os"
	"syscall"
)

// fileLock serializes access to a task file across parallax processes
// using flock(2) on a sibling ".lock" file.
type fileLock struct {
	path string
	file *os.File
}

func newFileLock(taskFile string) *fileLock {
	return &fileLock{path: taskFile + ".lock"}
}

// Lock blocks until the lock is held. The lock file is created if needed.
func (fl *fileLock) Lock() error {
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		_ = f.Close()
		return fmt.Errorf("flock: %w", err)
	}
	fl.file = f
	return nil
}

// Unlock releases the lock. Calling it without holding the lock is a no-op.
func (fl *fileLock) Unlock() error {
	if fl.file == nil {
		return nil
	}
	f := fl.file
	fl.file = nil
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
		_ = f.Close()
		return fmt.Errorf("funlock: %w", err)
	}
	return f.Close()
}
