package console

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

var (
	// ErrInvalidSpec is returned for a spec missing its name or capabilities.
	ErrInvalidSpec = errors.New("invalid command spec")
	// ErrDuplicateCommand is returned when a command name is registered twice.
	ErrDuplicateCommand = errors.New("duplicate command")
	// ErrRegistryFrozen is returned by a Builder after Freeze.
	ErrRegistryFrozen = errors.New("command registry is frozen")
)

// AuthzCode is the outcome of an authorization predicate.
type AuthzCode int

const (
	AuthzPermit AuthzCode = iota
	AuthzError
)

// AuthzResult is what an authorization predicate returns.
type AuthzResult struct {
	Code   AuthzCode
	Reason string
	// Status is reported to the connection on denial.
	Status MetaStatus
}

// Permit allows the command to run.
func Permit() AuthzResult { return AuthzResult{Code: AuthzPermit} }

// Deny refuses the command as not authorized.
func Deny(reason string) AuthzResult {
	return AuthzResult{Code: AuthzError, Reason: reason, Status: StatusNotAuthorized}
}

// DenyUsage refuses the command because its arguments are malformed.
func DenyUsage(reason string) AuthzResult {
	return AuthzResult{Code: AuthzError, Reason: reason, Status: StatusSyntaxError}
}

// Permitted reports whether the handler may run.
func (r AuthzResult) Permitted() bool { return r.Code == AuthzPermit }

// Command is the executable part of a CommandSpec. args[0] is the command name.
type Command interface {
	Authorize(conn *Connection, args []string) AuthzResult
	Execute(ctx context.Context, conn *Connection, args []string) error
}

// Funcs adapts a pair of functions to Command.
type Funcs struct {
	Authz   func(conn *Connection, args []string) AuthzResult
	Handler func(ctx context.Context, conn *Connection, args []string) error
}

func (f Funcs) Authorize(conn *Connection, args []string) AuthzResult {
	return f.Authz(conn, args)
}

func (f Funcs) Execute(ctx context.Context, conn *Connection, args []string) error {
	return f.Handler(ctx, conn, args)
}

// CommandSpec describes one console command.
type CommandSpec struct {
	Name        string
	Description string
	Usage       string
	Visible     bool
	Command     Command
}

func (s CommandSpec) validate() error {
	if strings.TrimSpace(s.Name) == "" || strings.ContainsAny(s.Name, " \t\n") {
		return fmt.Errorf("%w: bad name %q", ErrInvalidSpec, s.Name)
	}
	if s.Command == nil {
		return fmt.Errorf("%w: %s has no command", ErrInvalidSpec, s.Name)
	}
	if f, ok := s.Command.(Funcs); ok {
		if f.Authz == nil {
			return fmt.Errorf("%w: %s has no authorization predicate", ErrInvalidSpec, s.Name)
		}
		if f.Handler == nil {
			return fmt.Errorf("%w: %s has no handler", ErrInvalidSpec, s.Name)
		}
	}
	return nil
}

// ModuleSpec is a named group of commands.
type ModuleSpec struct {
	Name     string
	Commands []CommandSpec
}

// Module is a source of commands.
type Module interface {
	Spec() ModuleSpec
}

type entry struct {
	spec   CommandSpec
	module string
}

// Builder accumulates commands during startup. It is not safe for concurrent use.
type Builder struct {
	entries    map[string]entry
	collisions []string
	frozen     bool
	logger     *slog.Logger
}

// NewBuilder creates an empty builder.
func NewBuilder(logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{entries: make(map[string]entry), logger: logger}
}

// Register adds one spec under module. An invalid spec is logged and rejected
// without affecting the rest of the registry.
func (b *Builder) Register(module string, spec CommandSpec) error {
	if b.frozen {
		return ErrRegistryFrozen
	}
	if err := spec.validate(); err != nil {
		b.logger.Warn("command spec rejected", "module", module, "error", err)
		return err
	}
	if prev, ok := b.entries[spec.Name]; ok {
		b.collisions = append(b.collisions, fmt.Sprintf("%s (%s, %s)", spec.Name, prev.module, module))
		return fmt.Errorf("%w: %s already registered by module %s", ErrDuplicateCommand, spec.Name, prev.module)
	}
	b.entries[spec.Name] = entry{spec: spec, module: module}
	return nil
}

// AddModule registers every command of m. Invalid specs are skipped; other
// failures are returned joined.
func (b *Builder) AddModule(m Module) error {
	ms := m.Spec()
	var errs []error
	for _, spec := range ms.Commands {
		err := b.Register(ms.Name, spec)
		if err == nil || errors.Is(err, ErrInvalidSpec) {
			continue
		}
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Freeze produces the read-only registry. Name collisions recorded during
// registration make Freeze fail. The builder cannot be used afterwards.
func (b *Builder) Freeze() (*Registry, error) {
	if b.frozen {
		return nil, ErrRegistryFrozen
	}
	b.frozen = true
	if len(b.collisions) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateCommand, strings.Join(b.collisions, "; "))
	}

	reg := &Registry{entries: make(map[string]entry, len(b.entries)+2)}
	for name, e := range b.entries {
		reg.entries[name] = e
	}
	help := CommandSpec{
		Name:        "help",
		Description: "list available commands",
		Usage:       "help",
		Visible:     true,
		Command:     Funcs{Authz: permitAll, Handler: reg.help},
	}
	for _, name := range []string{"help", "?"} {
		if _, taken := reg.entries[name]; !taken {
			help.Name = name
			help.Visible = name == "help"
			reg.entries[name] = entry{spec: help, module: "builtin"}
		}
	}
	for name := range reg.entries {
		reg.names = append(reg.names, name)
	}
	sort.Strings(reg.names)
	return reg, nil
}

// Registry is the frozen command table. It is safe for concurrent lookups.
type Registry struct {
	entries map[string]entry
	names   []string
}

// Resolve looks a command up by name.
func (r *Registry) Resolve(name string) (CommandSpec, bool) {
	e, ok := r.entries[name]
	return e.spec, ok
}

// ModuleOf returns the module that registered name.
func (r *Registry) ModuleOf(name string) string {
	return r.entries[name].module
}

// Names returns every registered name, sorted.
func (r *Registry) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// Visible returns the visible specs sorted by name.
func (r *Registry) Visible() []CommandSpec {
	var out []CommandSpec
	for _, name := range r.names {
		if s := r.entries[name].spec; s.Visible {
			out = append(out, s)
		}
	}
	return out
}

func permitAll(*Connection, []string) AuthzResult { return Permit() }

func (r *Registry) help(_ context.Context, conn *Connection, _ []string) error {
	t := conn.AppendTable("Command", "Description", "Usage")
	for _, s := range r.Visible() {
		t.AddRow(s.Name, s.Description, s.Usage)
	}
	return nil
}
