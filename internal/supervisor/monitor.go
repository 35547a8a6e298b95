// Package supervisor ties a site process to the liveness of its parent.
//
// A graceful monitor asks its Runner to stop when the parent disappears; a
// hard monitor kills every descendant and then the whole process group.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/fedctl/internal/log"
)

var (
	// ErrProcessGone reports a process that exited before it could be signalled.
	ErrProcessGone = errors.New("process no longer exists")
	// ErrHardMonitorActive is returned when a second hard monitor is started.
	ErrHardMonitorActive = errors.New("a hard monitor is already running in this process")
)

// PollInterval is how often the parent is checked.
const PollInterval = time.Second

// Mode selects what happens when the parent dies.
type Mode int

const (
	Graceful Mode = iota
	Hard
)

func (m Mode) String() string {
	switch m {
	case Graceful:
		return "graceful"
	case Hard:
		return "hard"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode reads "graceful" or "hard".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "graceful":
		return Graceful, nil
	case "hard":
		return Hard, nil
	default:
		return 0, fmt.Errorf("unknown supervise mode %q (want graceful or hard)", s)
	}
}

// Runner is the component a graceful monitor shuts down.
type Runner interface {
	Stop()
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func()

func (f RunnerFunc) Stop() { f() }

var hardActive atomic.Bool

// Monitor polls a parent process and reacts once when it is gone.
type Monitor struct {
	parentPID int32
	selfPID   int32
	mode      Mode
	runner    Runner
	procs     ProcessTable
	interval  time.Duration
	logger    *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithRunner sets the runner a graceful monitor stops.
func WithRunner(r Runner) Option { return func(m *Monitor) { m.runner = r } }

// WithProcessTable replaces the system process table.
func WithProcessTable(p ProcessTable) Option { return func(m *Monitor) { m.procs = p } }

// WithLogger overrides the monitor logger.
func WithLogger(l *slog.Logger) Option { return func(m *Monitor) { m.logger = l } }

// NewMonitor creates a monitor of parentPID.
func NewMonitor(parentPID int32, mode Mode, opts ...Option) (*Monitor, error) {
	m := &Monitor{
		parentPID: parentPID,
		selfPID:   int32(os.Getpid()),
		mode:      mode,
		procs:     SystemProcesses(),
		interval:  PollInterval,
		logger:    log.WithComponent("supervisor"),
	}
	for _, opt := range opts {
		opt(m)
	}
	if parentPID <= 0 {
		return nil, fmt.Errorf("invalid parent pid %d", parentPID)
	}
	if mode == Graceful && m.runner == nil {
		return nil, fmt.Errorf("graceful monitor needs a runner")
	}
	return m, nil
}

// Start begins polling in the background. Cancelling ctx, or calling Stop,
// ends the loop without acting on the parent.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("monitor already started")
	}
	if m.mode == Hard && !hardActive.CompareAndSwap(false, true) {
		return ErrHardMonitorActive
	}
	m.started = true

	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	m.logger.Info("parent monitor started", "parent_pid", m.parentPID, "mode", m.mode.String())
	go m.run(ctx)
	return nil
}

// Stop cancels the loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	m.Wait()
}

// Wait blocks until the loop has exited.
func (m *Monitor) Wait() {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)
	if m.mode == Hard {
		defer hardActive.Store(false)
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		if ctx.Err() != nil {
			m.logger.Debug("parent monitor stopped")
			return
		}
		alive, err := m.procs.Exists(m.parentPID)
		if err != nil {
			m.logger.Warn("parent liveness check failed", "parent_pid", m.parentPID, "error", err)
			alive = true
		}
		if !alive {
			m.onParentDeath()
			return
		}
		select {
		case <-ctx.Done():
			m.logger.Debug("parent monitor stopped")
			return
		case <-ticker.C:
		}
	}
}

func (m *Monitor) onParentDeath() {
	m.logger.Warn("parent process is gone", "parent_pid", m.parentPID, "mode", m.mode.String())
	switch m.mode {
	case Graceful:
		m.runner.Stop()
	case Hard:
		killed, gone := m.killDescendants()
		m.logger.Warn("killing process group", "killed", killed, "already_gone", gone)
		if err := m.procs.KillGroup(m.selfPID); err != nil && !errors.Is(err, ErrProcessGone) {
			m.logger.Error("kill process group failed", "error", err)
		}
	}
}

// killDescendants SIGKILLs every live descendant of this process.
func (m *Monitor) killDescendants() (killed, gone int) {
	pids, err := m.procs.Descendants(m.selfPID)
	// A failed walk still returns what it enumerated; kill those first.
	defer func() {
		if err != nil {
			m.logger.Error("list descendants failed", "error", err, "partial", len(pids))
		}
	}()
	for _, pid := range pids {
		if ok, _ := m.procs.Exists(pid); !ok {
			gone++
			continue
		}
		if err := m.procs.Kill(pid); err != nil {
			if errors.Is(err, ErrProcessGone) {
				gone++
				continue
			}
			m.logger.Error("kill descendant failed", "pid", pid, "error", err)
			continue
		}
		killed++
	}
	return killed, gone
}
