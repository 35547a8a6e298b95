package worker

import (
	"context"
	"encoding/json"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/mattjoyce/fedctl/internal/auth"
	"github.com/mattjoyce/fedctl/internal/cell"
	"github.com/mattjoyce/fedctl/internal/log"
)

// DefaultProcessors returns the sys processors every site serves.
func DefaultProcessors() []Processor {
	return []Processor{
		&SysInfoProcessor{memory: mem.VirtualMemoryWithContext},
		ResourcesProcessor{},
		&EnvProcessor{hostInfo: host.InfoWithContext},
		LogConfigProcessor{},
	}
}

func jsonReply(v any) *cell.Reply {
	b, err := json.Marshal(v)
	if err != nil {
		return cell.ErrorReply("encode reply: " + err.Error())
	}
	return cell.OKReply(b)
}

// SysInfoProcessor reports memory and CPU figures of the site host.
type SysInfoProcessor struct {
	memory func(ctx context.Context) (*mem.VirtualMemoryStat, error)
}

func (*SysInfoProcessor) Topic() string { return cell.TopicSysInfo }
func (*SysInfoProcessor) Right() string { return auth.RightView }

func (p *SysInfoProcessor) Process(ctx context.Context, _ *Site, _ *cell.Message) *cell.Reply {
	vm, err := p.memory(ctx)
	if err != nil {
		return cell.ErrorReply("read memory: " + err.Error())
	}
	info := map[string]any{
		"total":     vm.Total,
		"available": vm.Available,
		"percent":   vm.UsedPercent,
		"used":      vm.Used,
		"free":      vm.Free,
		"active":    vm.Active,
		"inactive":  vm.Inactive,
		"buffers":   vm.Buffers,
		"cached":    vm.Cached,
		"shared":    vm.Shared,
	}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		info["cpu_count"] = n
	}
	return jsonReply(info)
}

// ResourcesProcessor reports the resources configured for the site.
type ResourcesProcessor struct{}

func (ResourcesProcessor) Topic() string { return cell.TopicReportResources }
func (ResourcesProcessor) Right() string { return auth.RightView }

func (ResourcesProcessor) Process(_ context.Context, site *Site, _ *cell.Message) *cell.Reply {
	res := site.Resources
	if res == nil {
		res = map[string]any{}
	}
	return jsonReply(res)
}

// EnvProcessor reports where and how the site runs.
type EnvProcessor struct {
	hostInfo func(ctx context.Context) (*host.InfoStat, error)
}

func (*EnvProcessor) Topic() string { return cell.TopicReportEnv }
func (*EnvProcessor) Right() string { return auth.RightView }

func (p *EnvProcessor) Process(ctx context.Context, site *Site, _ *cell.Message) *cell.Reply {
	env := map[string]any{
		"site_name":  site.Name,
		"workspace":  site.WorkspaceDir,
		"pid":        os.Getpid(),
		"go_version": runtime.Version(),
	}
	if hi, err := p.hostInfo(ctx); err == nil {
		env["hostname"] = hi.Hostname
		env["os"] = hi.OS
		env["platform"] = hi.Platform
	}
	return jsonReply(env)
}

// LogConfigProcessor applies a log configuration sent by the server.
type LogConfigProcessor struct{}

func (LogConfigProcessor) Topic() string { return cell.TopicConfigureSiteLog }
func (LogConfigProcessor) Right() string { return auth.RightManageLog }

func (LogConfigProcessor) Process(_ context.Context, site *Site, msg *cell.Message) *cell.Reply {
	if err := log.ConfigureDynamic(string(msg.Body), site.WorkspaceDir, site.LogConfigPath); err != nil {
		return cell.ErrorReply(err.Error())
	}
	return jsonReply(map[string]string{"status": "ok", "level": log.Level().String()})
}
