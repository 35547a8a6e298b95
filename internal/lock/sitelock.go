// Package lock keeps two processes from running the same site out of one
// workspace.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ErrLocked is returned when another process holds the site lock.
var ErrLocked = errors.New("site is already running")

// SiteLock is an flock(2)-held PID file. The lock lives as long as the file
// descriptor stays open.
type SiteLock struct {
	path string
	f    *os.File
}

// LockPath is where the lock for site lives inside workspace.
func LockPath(workspace, site string) string {
	return filepath.Join(workspace, ".fedctl", site+".pid")
}

// Acquire takes the lock for site in workspace without blocking.
func Acquire(workspace, site string) (*SiteLock, error) {
	if site == "" {
		return nil, fmt.Errorf("site name is empty")
	}
	path := LockPath(workspace, site)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		holder := readHolder(f)
		_ = f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			if holder > 0 {
				return nil, fmt.Errorf("%w: %s (pid %d)", ErrLocked, site, holder)
			}
			return nil, fmt.Errorf("%w: %s", ErrLocked, site)
		}
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}

	l := &SiteLock{path: path, f: f}
	if err := l.writePID(); err != nil {
		_ = l.Release()
		return nil, err
	}
	return l, nil
}

func (l *SiteLock) writePID() error {
	if err := l.f.Truncate(0); err != nil {
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := l.f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		return fmt.Errorf("write pid: %w", err)
	}
	return l.f.Sync()
}

func readHolder(f *os.File) int {
	buf := make([]byte, 32)
	n, _ := f.ReadAt(buf, 0)
	pid, err := strconv.Atoi(strings.TrimSpace(string(buf[:n])))
	if err != nil {
		return 0
	}
	return pid
}

// Path returns the lock file path.
func (l *SiteLock) Path() string { return l.path }

// Release drops the lock. It is safe to call more than once.
func (l *SiteLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	err := l.f.Close()
	l.f = nil
	return err
}
