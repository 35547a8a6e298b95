//go:build unix

package supervisor

import (
	"errors"
	"fmt"
	"syscall"
)

func killGroup(pid int32) error {
	pgid, err := syscall.Getpgid(int(pid))
	if err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return ErrProcessGone
		}
		return fmt.Errorf("getpgid %d: %w", pid, err)
	}
	if err := syscall.Kill(-pgid, syscall.SIGKILL); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return ErrProcessGone
		}
		return fmt.Errorf("kill group %d: %w", pgid, err)
	}
	return nil
}

func isNoSuchProcess(err error) bool {
	return errors.Is(err, syscall.ESRCH)
}
