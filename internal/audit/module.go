package audit

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/fedctl/internal/console"
	"github.com/mattjoyce/fedctl/internal/fanout"
)

// DefaultLimit is how many entries audit_log shows without an argument.
const DefaultLimit = 20

const usageAuditLog = "audit_log [count]"

// Module exposes the audit trail as console commands.
type Module struct {
	store *Store
	util  fanout.CommandUtil
}

// NewModule creates the "audit" command module over store.
func NewModule(store *Store) *Module {
	return &Module{store: store}
}

func (m *Module) Spec() console.ModuleSpec {
	return console.ModuleSpec{
		Name: "audit",
		Commands: []console.CommandSpec{
			{
				Name:        "audit_log",
				Description: "show recent console commands",
				Usage:       usageAuditLog,
				Visible:     true,
				Command: console.Funcs{
					Authz:   m.authorize,
					Handler: m.auditLog,
				},
			},
		},
	}
}

func (m *Module) authorize(conn *console.Connection, args []string) console.AuthzResult {
	if res := m.util.MustBeProjectAdmin(conn, args); !res.Permitted() {
		return res
	}
	if len(args) > 2 {
		return console.DenyUsage("Usage: " + usageAuditLog)
	}
	if len(args) == 2 {
		if n, err := strconv.Atoi(args[1]); err != nil || n <= 0 {
			return console.DenyUsage("count must be a positive integer. Usage: " + usageAuditLog)
		}
	}
	return console.Permit()
}

func (m *Module) auditLog(ctx context.Context, conn *console.Connection, args []string) error {
	limit := DefaultLimit
	if len(args) == 2 {
		limit, _ = strconv.Atoi(args[1])
	}
	entries, err := m.store.Recent(ctx, limit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		conn.AppendString("no audit entries")
		return nil
	}
	t := conn.AppendTable("Time", "User", "Role", "Command", "Outcome")
	for _, e := range entries {
		cmd := e.Command
		if len(e.Args) > 0 {
			cmd += " " + strings.Join(e.Args, " ")
		}
		t.AddRow(e.At.Local().Format(time.DateTime), e.User, e.Role, cmd, e.Outcome)
	}
	return nil
}
