// Package fanout sends one admin request to many sites and collects a reply
// envelope per site.
package fanout

import (
	"fmt"
	"slices"
	"strings"
)

// Target-type tokens accepted on the command line.
const (
	TargetTypeServer = "server"
	TargetTypeClient = "client"
	TargetTypeAll    = "all"
)

// TargetKind selects which sites a command addresses.
type TargetKind int

const (
	TargetServer TargetKind = iota
	TargetClients
	TargetAll
)

func (k TargetKind) String() string {
	switch k {
	case TargetServer:
		return TargetTypeServer
	case TargetClients:
		return TargetTypeClient
	case TargetAll:
		return TargetTypeAll
	default:
		return fmt.Sprintf("TargetKind(%d)", int(k))
	}
}

// Membership reports the client sites currently in the cluster.
type Membership interface {
	ClientNames() []string
}

// TargetSet is a logical site selector. Names is only meaningful for
// TargetClients; empty Names means every current client.
type TargetSet struct {
	Kind  TargetKind
	Names []string
}

// IncludesServer reports whether the server itself is addressed.
func (t TargetSet) IncludesServer() bool {
	return t.Kind == TargetServer || t.Kind == TargetAll
}

// Resolve returns the client names addressed right now. The result may be
// empty and is never cached.
func (t TargetSet) Resolve(m Membership) []string {
	switch t.Kind {
	case TargetClients:
		if len(t.Names) > 0 {
			return dedupe(t.Names)
		}
		return dedupe(m.ClientNames())
	case TargetAll:
		return dedupe(m.ClientNames())
	default:
		return nil
	}
}

func dedupe(names []string) []string {
	out := make([]string, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, n := range names {
		if _, ok := seen[n]; ok || n == "" {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// UsageError is a malformed target argument list. Its message is shown to
// the operator as is.
type UsageError struct {
	Msg string
}

func (e *UsageError) Error() string { return e.Msg }

// ParseTargets reads "<cmd> server|client <names...>|all" from args. usage
// is echoed back for an unknown target type.
func ParseTargets(args []string, m Membership, usage string) (TargetSet, error) {
	if len(args) < 2 {
		return TargetSet{}, &UsageError{Msg: "syntax error: missing site names"}
	}
	switch args[1] {
	case TargetTypeServer:
		return TargetSet{Kind: TargetServer}, nil
	case TargetTypeAll:
		return TargetSet{Kind: TargetAll}, nil
	case TargetTypeClient:
		names := args[2:]
		if err := checkMembers(names, m); err != nil {
			return TargetSet{}, err
		}
		return TargetSet{Kind: TargetClients, Names: slices.Clone(names)}, nil
	default:
		return TargetSet{}, &UsageError{Msg: fmt.Sprintf("invalid target type %s. Usage: %s", args[1], usage)}
	}
}

// ParseClients reads "<cmd> <client-names...>" from args.
func ParseClients(args []string, m Membership) (TargetSet, error) {
	var names []string
	if len(args) > 1 {
		names = args[1:]
	}
	if err := checkMembers(names, m); err != nil {
		return TargetSet{}, err
	}
	return TargetSet{Kind: TargetClients, Names: slices.Clone(names)}, nil
}

func checkMembers(names []string, m Membership) error {
	if len(names) == 0 {
		return nil
	}
	known := make(map[string]struct{})
	for _, n := range m.ClientNames() {
		known[n] = struct{}{}
	}
	var unknown []string
	for _, n := range names {
		if _, ok := known[n]; !ok {
			unknown = append(unknown, n)
		}
	}
	if len(unknown) > 0 {
		return &UsageError{Msg: fmt.Sprintf("invalid client name(s): %s", strings.Join(unknown, ", "))}
	}
	return nil
}
