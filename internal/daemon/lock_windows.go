//go:build windows

package daemon

import (
	"os"
	"path/filepath"
	"strconv"
)

// runLock approximates the unix flock with an exclusive-create file. Unlike
// flock it can go stale after a crash; release removes the file so a clean
// shutdown never leaves one behind.
type runLock struct {
	f    *os.File
	path string
}

func acquireLock(lockFile string) (*runLock, error) {
	if err := os.MkdirAll(filepath.Dir(lockFile), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(lockFile, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, errAlreadyRunning
		}
		return nil, err
	}
	_, _ = f.WriteString(strconv.Itoa(os.Getpid()) + "\n")
	return &runLock{f: f, path: lockFile}, nil
}

func (l *runLock) release() {
	if l == nil || l.f == nil {
		return
	}
	_ = l.f.Close()
	_ = os.Remove(l.path)
	l.f = nil
}
