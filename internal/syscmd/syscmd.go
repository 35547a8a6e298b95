// Package syscmd is the "sys" console command module: system info, site log
// configuration and resource/env reports across the server and its clients.
package syscmd

import (
	"context"
	"fmt"
	"strconv"

	"github.com/shirou/gopsutil/v4/mem"

	"github.com/mattjoyce/fedctl/internal/auth"
	"github.com/mattjoyce/fedctl/internal/cell"
	"github.com/mattjoyce/fedctl/internal/console"
	"github.com/mattjoyce/fedctl/internal/fanout"
	"github.com/mattjoyce/fedctl/internal/log"
	"github.com/mattjoyce/fedctl/internal/reply"
)

const (
	usageSysInfo          = "sys_info server|client <client-name> ..."
	usageConfigureSiteLog = "configure_site_log server|client <client-name>...|all config"
	usageReportResources  = "report_resources server | client <client-name> ..."
	usageReportEnv        = "report_env <client-name> ..."
	usageDead             = "dead <client-name> <job-id>"
)

// Engine is the server state the sys commands reach through the
// connection's AppCtx.
type Engine interface {
	WorkspaceDir() string
	LogConfigPath() string
	NotifyDeadJob(ctx context.Context, jobID, client, reason string) error
}

// Broadcaster sends one request to the selected client sites.
type Broadcaster interface {
	Broadcast(ctx context.Context, conn *console.Connection, topic string, body []byte, targets fanout.TargetSet, requireAuthz bool) []fanout.ReplyEnvelope
}

// Module implements console.Module.
type Module struct {
	util      fanout.CommandUtil
	requester Broadcaster
	memory    func(ctx context.Context) (*mem.VirtualMemoryStat, error)
}

// New creates the sys module.
func New(policy *auth.Policy, members fanout.Membership, requester Broadcaster) *Module {
	return &Module{
		util:      fanout.CommandUtil{Policy: policy, Members: members},
		requester: requester,
		memory:    mem.VirtualMemoryWithContext,
	}
}

func (m *Module) Spec() console.ModuleSpec {
	return console.ModuleSpec{
		Name: "sys",
		Commands: []console.CommandSpec{
			{
				Name:        "sys_info",
				Description: "get the system info",
				Usage:       usageSysInfo,
				Visible:     true,
				Command: console.Funcs{
					Authz:   m.util.AuthorizeServerOperation(auth.RightView, usageSysInfo),
					Handler: m.sysInfo,
				},
			},
			{
				Name:        "configure_site_log",
				Description: "configure logging of a site",
				Usage:       usageConfigureSiteLog,
				Visible:     true,
				Command: console.Funcs{
					Authz:   m.authorizeConfigureSiteLog,
					Handler: m.configureSiteLog,
				},
			},
			{
				Name:        "report_resources",
				Description: "get the resources info",
				Usage:       usageReportResources,
				Visible:     true,
				Command: console.Funcs{
					Authz:   m.util.AuthorizeServerOperation(auth.RightView, usageReportResources),
					Handler: m.reportResources,
				},
			},
			{
				Name:        "report_env",
				Description: "get env info of a client",
				Usage:       usageReportEnv,
				Visible:     true,
				Command: console.Funcs{
					Authz:   m.util.AuthorizeClientOperation(auth.RightView),
					Handler: m.reportEnv,
				},
			},
			{
				Name:        "dead",
				Description: "send dead client msg to the job",
				Usage:       usageDead,
				Visible:     false,
				Command: console.Funcs{
					Authz:   m.util.MustBeProjectAdmin,
					Handler: m.deadClient,
				},
			},
		},
	}
}

// The config token is not a site name, so authorization only sees the targets.
func (m *Module) authorizeConfigureSiteLog(conn *console.Connection, args []string) console.AuthzResult {
	if len(args) < 3 {
		return console.DenyUsage("syntax error: please provide target_type and config")
	}
	return m.util.AuthorizeServerOperation(auth.RightManageLog, usageConfigureSiteLog)(conn, args[:len(args)-1])
}

func (m *Module) targets(conn *console.Connection, args []string, usage string) (fanout.TargetSet, error) {
	if ts, ok := fanout.TargetsFrom(conn); ok {
		return ts, nil
	}
	ts, err := fanout.ParseTargets(args, m.util.Members, usage)
	if err != nil {
		return ts, console.Errorf("%s", err.Error())
	}
	return ts, nil
}

func (m *Module) sysInfo(ctx context.Context, conn *console.Connection, args []string) error {
	ts, err := m.targets(conn, args, usageSysInfo)
	if err != nil {
		return err
	}

	if ts.IncludesServer() {
		vm, err := m.memory(ctx)
		if err != nil {
			return fmt.Errorf("read server memory: %w", err)
		}
		if ts.Kind == fanout.TargetAll {
			conn.AppendString("Server")
		}
		t := conn.AppendTable("Metrics", "Value")
		for _, row := range memoryRows(vm) {
			t.AddRow(row...)
		}
		if ts.Kind == fanout.TargetServer {
			return nil
		}
	}

	envs := m.requester.Broadcast(ctx, conn, cell.TopicSysInfo, nil, ts, true)
	if len(envs) == 0 && ts.Kind == fanout.TargetAll {
		return nil
	}
	reply.Render(conn, envs, reply.Options{Extra: availablePercentRow})
	return nil
}

func memoryRows(vm *mem.VirtualMemoryStat) [][]string {
	u := func(v uint64) string { return strconv.FormatUint(v, 10) }
	rows := [][]string{
		{"total", u(vm.Total)},
		{"available", u(vm.Available)},
		{"percent", strconv.FormatFloat(vm.UsedPercent, 'f', 1, 64)},
		{"used", u(vm.Used)},
		{"free", u(vm.Free)},
		{"active", u(vm.Active)},
		{"inactive", u(vm.Inactive)},
		{"buffers", u(vm.Buffers)},
		{"cached", u(vm.Cached)},
		{"shared", u(vm.Shared)},
	}
	if vm.Total > 0 {
		rows = append(rows, []string{"available_percent", fmt.Sprintf("%.1f", float64(vm.Available)*100/float64(vm.Total))})
	}
	return rows
}

// availablePercentRow derives available_percent from a client's own totals.
func availablePercentRow(r reply.Result) [][]string {
	if _, ok := r.Fields["available_percent"]; ok {
		return nil
	}
	total, ok1 := number(r.Fields["total"])
	avail, ok2 := number(r.Fields["available"])
	if !ok1 || !ok2 || total <= 0 {
		return nil
	}
	return [][]string{{"available_percent", fmt.Sprintf("%.1f", avail*100/total)}}
}

func number(v any) (float64, bool) {
	s := reply.Stringify(v)
	f, err := strconv.ParseFloat(s, 64)
	return f, err == nil
}

func (m *Module) configureSiteLog(ctx context.Context, conn *console.Connection, args []string) error {
	config := args[len(args)-1]
	ts, err := m.targets(conn, args[:len(args)-1], usageConfigureSiteLog)
	if err != nil {
		return err
	}

	if ts.IncludesServer() {
		engine, err := engineOf(conn)
		if err != nil {
			return err
		}
		if err := log.ConfigureDynamic(config, engine.WorkspaceDir(), engine.LogConfigPath()); err != nil {
			conn.AppendErrorStatus(console.StatusInternalError, err.Error())
			return nil
		}
		conn.AppendString("successfully configured server site log")
	}

	if ts.Kind == fanout.TargetServer {
		return nil
	}
	envs := m.requester.Broadcast(ctx, conn, cell.TopicConfigureSiteLog, []byte(config), ts, true)
	if len(envs) == 0 && ts.Kind == fanout.TargetAll {
		return nil
	}
	reply.SiteTable(conn, "Response", envs, nil)
	return nil
}

func (m *Module) reportResources(ctx context.Context, conn *console.Connection, args []string) error {
	ts, err := m.targets(conn, args, usageReportResources)
	if err != nil {
		return err
	}
	switch ts.Kind {
	case fanout.TargetServer:
		reply.SiteTable(conn, "Resources", nil, map[string]string{"server": "unlimited"})
	case fanout.TargetClients:
		envs := m.requester.Broadcast(ctx, conn, cell.TopicReportResources, nil, ts, true)
		reply.SiteTable(conn, "Resources", envs, nil)
	default:
		conn.AppendErrorStatus(console.StatusSyntaxError,
			fmt.Sprintf("invalid target type %s. Usage: %s", ts.Kind, usageReportResources))
	}
	return nil
}

func (m *Module) reportEnv(ctx context.Context, conn *console.Connection, args []string) error {
	ts, ok := fanout.TargetsFrom(conn)
	if !ok {
		var err error
		if ts, err = fanout.ParseClients(args, m.util.Members); err != nil {
			return console.Errorf("%s", err.Error())
		}
	}
	envs := m.requester.Broadcast(ctx, conn, cell.TopicReportEnv, nil, ts, true)
	if t := reply.SiteTable(conn, "Env", envs, nil); t != nil {
		t.Name = "clients"
	}
	return nil
}

func (m *Module) deadClient(ctx context.Context, conn *console.Connection, args []string) error {
	if len(args) != 3 {
		return console.Errorf("Usage: %s client_name job_id", args[0])
	}
	client, jobID := args[1], args[2]
	engine, err := engineOf(conn)
	if err != nil {
		return err
	}
	if err := engine.NotifyDeadJob(ctx, jobID, client, "AdminCommand: "+args[0]); err != nil {
		return fmt.Errorf("notify dead job: %w", err)
	}
	conn.AppendString(fmt.Sprintf("called notify_dead_job for client %s job %s", client, jobID))
	return nil
}

func engineOf(conn *console.Connection) (Engine, error) {
	engine, ok := conn.AppCtx.(Engine)
	if !ok {
		return nil, fmt.Errorf("app context %T is not a server engine", conn.AppCtx)
	}
	return engine, nil
}
