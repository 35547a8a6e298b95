package fanout

import (
	"errors"
	"fmt"

	"github.com/mattjoyce/fedctl/internal/auth"
	"github.com/mattjoyce/fedctl/internal/console"
)

const targetsProp = "fanout.targets"

// AuthzFunc is the authorization predicate shape of console.Funcs.
type AuthzFunc func(conn *console.Connection, args []string) console.AuthzResult

// CommandUtil bundles the authorization helpers shared by fan-out commands.
// Predicates it builds store the parsed TargetSet on the connection for the
// handler to read back with TargetsFrom.
type CommandUtil struct {
	Policy  *auth.Policy
	Members Membership
}

// AuthorizeServerOperation checks right and parses "server|client <names...>|all".
func (u CommandUtil) AuthorizeServerOperation(right, usage string) AuthzFunc {
	return func(conn *console.Connection, args []string) console.AuthzResult {
		if res := u.checkRight(conn, args, right); !res.Permitted() {
			return res
		}
		ts, err := ParseTargets(args, u.Members, usage)
		if err != nil {
			return usageDenial(err)
		}
		conn.SetProp(targetsProp, ts)
		return console.Permit()
	}
}

// AuthorizeClientOperation checks right and treats args[1:] as client names.
func (u CommandUtil) AuthorizeClientOperation(right string) AuthzFunc {
	return func(conn *console.Connection, args []string) console.AuthzResult {
		if res := u.checkRight(conn, args, right); !res.Permitted() {
			return res
		}
		ts, err := ParseClients(args, u.Members)
		if err != nil {
			return usageDenial(err)
		}
		conn.SetProp(targetsProp, ts)
		return console.Permit()
	}
}

// MustBeProjectAdmin permits only the project admin role.
func (u CommandUtil) MustBeProjectAdmin(conn *console.Connection, args []string) console.AuthzResult {
	if conn.Principal.Role != auth.RoleProjectAdmin {
		return console.Deny(fmt.Sprintf("%s: requires project admin", commandName(args)))
	}
	return console.Permit()
}

func (u CommandUtil) checkRight(conn *console.Connection, args []string, right string) console.AuthzResult {
	if right == "" || u.Policy.Allows(conn.Principal, right) {
		return console.Permit()
	}
	return console.Deny(fmt.Sprintf("%s: not authorized (requires %s)", commandName(args), right))
}

// TargetsFrom returns the TargetSet stored by an authorization predicate for
// the current command.
func TargetsFrom(conn *console.Connection) (TargetSet, bool) {
	v, ok := conn.Prop(targetsProp)
	if !ok {
		return TargetSet{}, false
	}
	ts, ok := v.(TargetSet)
	return ts, ok
}

func usageDenial(err error) console.AuthzResult {
	var ue *UsageError
	if errors.As(err, &ue) {
		return console.DenyUsage(ue.Msg)
	}
	return console.DenyUsage("syntax error")
}

func commandName(args []string) string {
	if len(args) == 0 {
		return "command"
	}
	return args[0]
}
