package supervisor

import (
	"errors"
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v4/process"
)

// ProcessTable is the slice of the OS process table the monitors need.
type ProcessTable interface {
	Exists(pid int32) (bool, error)
	// Descendants lists every transitive child of pid.
	Descendants(pid int32) ([]int32, error)
	// Kill sends SIGKILL to pid, returning ErrProcessGone if it already exited.
	Kill(pid int32) error
	// KillGroup sends SIGKILL to the process group of pid.
	KillGroup(pid int32) error
}

type systemProcesses struct{}

// SystemProcesses returns the ProcessTable of the running host.
func SystemProcesses() ProcessTable { return systemProcesses{} }

func (systemProcesses) Exists(pid int32) (bool, error) {
	return process.PidExists(pid)
}

func (systemProcesses) Descendants(pid int32) ([]int32, error) {
	var out []int32
	seen := map[int32]bool{pid: true}
	var walk func(int32) error
	walk = func(p int32) error {
		proc, err := process.NewProcess(p)
		if err != nil {
			if errors.Is(err, process.ErrorProcessNotRunning) {
				return nil
			}
			return fmt.Errorf("open process %d: %w", p, err)
		}
		children, err := proc.Children()
		if err != nil {
			if errors.Is(err, process.ErrorProcessNotRunning) {
				return nil
			}
			return fmt.Errorf("children of %d: %w", p, err)
		}
		for _, c := range children {
			if seen[c.Pid] {
				continue
			}
			seen[c.Pid] = true
			out = append(out, c.Pid)
			if err := walk(c.Pid); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(pid); err != nil {
		return out, err
	}
	return out, nil
}

func (systemProcesses) Kill(pid int32) error {
	proc, err := process.NewProcess(pid)
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return ErrProcessGone
		}
		return err
	}
	if err := proc.Kill(); err != nil {
		if errors.Is(err, os.ErrProcessDone) || isNoSuchProcess(err) {
			return ErrProcessGone
		}
		return fmt.Errorf("kill %d: %w", pid, err)
	}
	return nil
}

func (systemProcesses) KillGroup(pid int32) error {
	return killGroup(pid)
}
