package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func okCommand() Funcs {
	return Funcs{
		Authz:   func(*Connection, []string) AuthzResult { return Permit() },
		Handler: func(context.Context, *Connection, []string) error { return nil },
	}
}

type testModule struct {
	name  string
	specs []CommandSpec
}

func (m testModule) Spec() ModuleSpec { return ModuleSpec{Name: m.name, Commands: m.specs} }

func TestRegisterRejectsInvalidSpecs(t *testing.T) {
	b := NewBuilder(quietLogger())

	tests := []struct {
		name string
		spec CommandSpec
	}{
		{"empty name", CommandSpec{Command: okCommand()}},
		{"name with space", CommandSpec{Name: "sys info", Command: okCommand()}},
		{"nil command", CommandSpec{Name: "nil_cmd"}},
		{"missing authz", CommandSpec{Name: "no_authz", Command: Funcs{Handler: okCommand().Handler}}},
		{"missing handler", CommandSpec{Name: "no_handler", Command: Funcs{Authz: okCommand().Authz}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := b.Register("test", tt.spec)
			assert.ErrorIs(t, err, ErrInvalidSpec)
		})
	}

	reg, err := b.Freeze()
	require.NoError(t, err, "invalid specs are not fatal")
	for _, tt := range tests {
		if tt.spec.Name == "" {
			continue
		}
		_, ok := reg.Resolve(tt.spec.Name)
		assert.False(t, ok, "%s should not be registered", tt.spec.Name)
	}
}

func TestAddModuleSkipsInvalidAndKeepsValid(t *testing.T) {
	b := NewBuilder(quietLogger())
	err := b.AddModule(testModule{name: "sys", specs: []CommandSpec{
		{Name: "good", Command: okCommand(), Visible: true},
		{Name: "bad"},
	}})
	require.NoError(t, err)

	reg, err := b.Freeze()
	require.NoError(t, err)
	_, ok := reg.Resolve("good")
	assert.True(t, ok)
	assert.Equal(t, "sys", reg.ModuleOf("good"))
}

func TestDuplicateNamesFailFreeze(t *testing.T) {
	b := NewBuilder(quietLogger())
	require.NoError(t, b.AddModule(testModule{name: "sys", specs: []CommandSpec{{Name: "sys_info", Command: okCommand()}}}))

	err := b.AddModule(testModule{name: "extra", specs: []CommandSpec{{Name: "sys_info", Command: okCommand()}}})
	require.ErrorIs(t, err, ErrDuplicateCommand)

	_, err = b.Freeze()
	require.ErrorIs(t, err, ErrDuplicateCommand)
	assert.Contains(t, err.Error(), "sys_info (sys, extra)")
}

func TestBuilderFrozenAfterFreeze(t *testing.T) {
	b := NewBuilder(quietLogger())
	_, err := b.Freeze()
	require.NoError(t, err)

	assert.ErrorIs(t, b.Register("late", CommandSpec{Name: "late", Command: okCommand()}), ErrRegistryFrozen)
	_, err = b.Freeze()
	assert.ErrorIs(t, err, ErrRegistryFrozen)
}

func TestHelpIsBuiltIn(t *testing.T) {
	b := NewBuilder(quietLogger())
	require.NoError(t, b.Register("sys", CommandSpec{Name: "sys_info", Description: "get the system info", Usage: "sys_info server|client", Visible: true, Command: okCommand()}))
	require.NoError(t, b.Register("sys", CommandSpec{Name: "dead", Visible: false, Command: okCommand()}))
	reg, err := b.Freeze()
	require.NoError(t, err)

	_, ok := reg.Resolve("?")
	assert.True(t, ok)

	var names []string
	for _, s := range reg.Visible() {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"help", "sys_info"}, names)

	conn := NewConnection(testPrincipal(), nil)
	d := NewDispatcher(reg, WithLogger(quietLogger()))
	resp := d.Exec(context.Background(), conn, "help")
	tables := resp.Tables()
	require.Len(t, tables, 1)
	assert.Equal(t, [][]string{
		{"help", "list available commands", "help"},
		{"sys_info", "get the system info", "sys_info server|client"},
	}, tables[0].Rows)
}

func TestResolveIsPureFunctionOfRegisteredState(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		names := rapid.SliceOfDistinct(
			rapid.StringMatching(`[a-z][a-z_]{2,12}`),
			func(s string) string { return s },
		).Draw(rt, "names")

		b := NewBuilder(quietLogger())
		registered := make(map[string]string)
		for i, name := range names {
			if name == "help" {
				continue
			}
			desc := fmt.Sprintf("command %d", i)
			if err := b.Register("mod", CommandSpec{Name: name, Description: desc, Command: okCommand()}); err != nil {
				rt.Fatalf("register %s: %v", name, err)
			}
			registered[name] = desc
		}
		reg, err := b.Freeze()
		if err != nil {
			rt.Fatalf("freeze: %v", err)
		}

		for name, desc := range registered {
			spec, ok := reg.Resolve(name)
			if !ok || spec.Name != name || spec.Description != desc {
				rt.Fatalf("Resolve(%q) = %+v, %v", name, spec, ok)
			}
		}

		lookup := rapid.StringMatching(`[A-Z0-9]{1,8}`).Draw(rt, "lookup")
		if _, ok := reg.Resolve(lookup); ok {
			rt.Fatalf("Resolve(%q) found an unregistered name", lookup)
		}
	})
}

func TestAuthzResultHelpers(t *testing.T) {
	assert.True(t, Permit().Permitted())
	d := Deny("no")
	assert.False(t, d.Permitted())
	assert.Equal(t, StatusNotAuthorized, d.Status)
	assert.Equal(t, StatusSyntaxError, DenyUsage("usage").Status)
	assert.True(t, errors.Is(fmt.Errorf("wrap: %w", ErrInvalidSpec), ErrInvalidSpec))
}
