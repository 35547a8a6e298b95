package console

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/mattjoyce/fedctl/internal/log"
)

// Outcome is the audit classification of one dispatch.
type Outcome string

const (
	OutcomeOK      Outcome = "ok"
	OutcomeUnknown Outcome = "unknown_command"
	OutcomeSyntax  Outcome = "syntax_error"
	OutcomeDenied  Outcome = "denied"
	OutcomeFailed  Outcome = "failed"
)

// Record describes one dispatched command for auditing.
type Record struct {
	User    string
	Org     string
	Role    string
	Command string
	Args    []string
	Outcome Outcome
	Reason  string
	At      time.Time
	Elapsed time.Duration
}

// Auditor receives a record for every dispatched command.
type Auditor interface {
	Record(ctx context.Context, rec Record)
}

// UserError is an error whose message is safe to show an operator.
type UserError struct {
	msg string
}

func (e *UserError) Error() string { return e.msg }

// Errorf builds a UserError.
func Errorf(format string, args ...any) error {
	return &UserError{msg: fmt.Sprintf(format, args...)}
}

// Dispatcher resolves, authorizes and runs commands against a frozen Registry.
type Dispatcher struct {
	registry *Registry
	auditor  Auditor
	logger   *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithAuditor records every dispatch with a.
func WithAuditor(a Auditor) Option {
	return func(d *Dispatcher) { d.auditor = a }
}

// WithLogger overrides the dispatcher logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// NewDispatcher creates a dispatcher over reg.
func NewDispatcher(reg *Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry: reg,
		logger:   log.WithComponent("console"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Registry returns the registry the dispatcher serves.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Exec runs one command line and returns everything it wrote. Commands on the
// same connection run one at a time.
func (d *Dispatcher) Exec(ctx context.Context, conn *Connection, line string) Response {
	conn.cmdMu.Lock()
	defer conn.cmdMu.Unlock()
	conn.Flush()
	d.dispatch(ctx, conn, line)
	return conn.Flush()
}

func (d *Dispatcher) dispatch(ctx context.Context, conn *Connection, line string) {
	start := time.Now()
	args, err := shellquote.Split(line)
	if err != nil {
		conn.AppendErrorStatus(StatusSyntaxError, fmt.Sprintf("syntax error: %v", err))
		d.finish(ctx, conn, Record{Command: line, Outcome: OutcomeSyntax, Reason: err.Error()}, start)
		return
	}
	if len(args) == 0 {
		return
	}

	name := args[0]
	rec := Record{Command: name, Args: args[1:]}

	spec, ok := d.registry.Resolve(name)
	if !ok {
		conn.AppendErrorStatus(StatusInvalidCommand, fmt.Sprintf("no such command: %s", name))
		rec.Outcome = OutcomeUnknown
		d.finish(ctx, conn, rec, start)
		return
	}

	logger := log.WithCommand(d.logger, name, conn.Principal.User).With("module", d.registry.ModuleOf(name))

	result := d.authorize(spec, conn, args, logger)
	if !result.Permitted() {
		status := result.Status
		if status == "" {
			status = StatusNotAuthorized
		}
		reason := result.Reason
		if reason == "" {
			reason = fmt.Sprintf("%s: not authorized", name)
		}
		conn.AppendErrorStatus(status, reason)
		logger.Info("command denied", "reason", reason, "status", status)
		rec.Outcome = OutcomeDenied
		if status == StatusSyntaxError {
			rec.Outcome = OutcomeSyntax
		}
		rec.Reason = reason
		d.finish(ctx, conn, rec, start)
		return
	}

	if err := d.execute(ctx, spec, conn, args); err != nil {
		var ue *UserError
		if errors.As(err, &ue) {
			conn.AppendErrorStatus(StatusError, ue.Error())
		} else {
			conn.AppendErrorStatus(StatusInternalError, fmt.Sprintf("%s: internal error", name))
		}
		logger.Error("command failed", "error", err)
		rec.Outcome = OutcomeFailed
		rec.Reason = err.Error()
		d.finish(ctx, conn, rec, start)
		return
	}

	rec.Outcome = OutcomeOK
	d.finish(ctx, conn, rec, start)
}

func (d *Dispatcher) authorize(spec CommandSpec, conn *Connection, args []string, logger *slog.Logger) (res AuthzResult) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("authorization panicked", "panic", r, "stack", string(debug.Stack()))
			res = Deny(fmt.Sprintf("%s: authorization failed", spec.Name))
		}
	}()
	return spec.Command.Authorize(conn, args)
}

func (d *Dispatcher) execute(ctx context.Context, spec CommandSpec, conn *Connection, args []string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return spec.Command.Execute(ctx, conn, args)
}

func (d *Dispatcher) finish(ctx context.Context, conn *Connection, rec Record, start time.Time) {
	rec.User = conn.Principal.User
	rec.Org = conn.Principal.Org
	rec.Role = conn.Principal.Role
	rec.At = start.UTC()
	rec.Elapsed = time.Since(start)

	label := rec.Command
	if _, known := d.registry.Resolve(rec.Command); !known {
		label = "unknown"
	}
	observeCommand(label, rec.Outcome, rec.Elapsed)

	if d.auditor != nil {
		d.auditor.Record(ctx, rec)
	}
}
