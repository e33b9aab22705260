//go:build !windows

package daemon

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
)

// runLock is an advisory flock on the daemon lock file. It guarantees a
// single daemon per home directory; the lock dies with the process, so a
// crashed daemon never leaves a stale lock behind.
type runLock struct {
	f *os.File
}

func acquireLock(lockFile string) (*runLock, error) {
	if err := os.MkdirAll(filepath.Dir(lockFile), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(lockFile, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, errAlreadyRunning
		}
		return nil, err
	}
	// Record the holder's pid for debugging; the flock is what actually
	// enforces exclusivity.
	_ = f.Truncate(0)
	_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	return &runLock{f: f}, nil
}

func (l *runLock) release() {
	if l == nil || l.f == nil {
		return
	}
	_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	_ = l.f.Close()
	l.f = nil
}
