package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/fedctl/internal/audit"
	"github.com/mattjoyce/fedctl/internal/auth"
	"github.com/mattjoyce/fedctl/internal/cell"
	"github.com/mattjoyce/fedctl/internal/config"
	"github.com/mattjoyce/fedctl/internal/console"
	"github.com/mattjoyce/fedctl/internal/lock"
	"github.com/mattjoyce/fedctl/internal/log"
	"github.com/mattjoyce/fedctl/internal/security"
	"github.com/mattjoyce/fedctl/internal/server"
	"github.com/mattjoyce/fedctl/internal/supervisor"
	"github.com/mattjoyce/fedctl/internal/tui"
	"github.com/mattjoyce/fedctl/internal/worker"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

const (
	envURL   = "FEDCTL_URL"
	envToken = "FEDCTL_TOKEN"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "server":
		return runServerNoun(args)
	case "client":
		return runClientNoun(args)
	case "config":
		return runConfigNoun(args)
	case "console":
		return runConsole(args)
	case "exec":
		return runExec(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

func printUsage() {
	fmt.Print(`fedctl - administration control plane for a federated cluster

Usage:
  fedctl <noun> <action> [flags]

Site Commands:
  server start      Run the control server (console + cell endpoint)
  client start      Run a worker site and join the server

Config Commands:
  config check      Validate a site configuration
  config hash       Print the blake3 digest of a component file

Operator Commands:
  console           Interactive admin console
  exec "<line>"     Run one console command and print the reply

General:
  version           Show version information
  help              Show this help message

Console commands read FEDCTL_URL and FEDCTL_TOKEN when --url/--token are not given.
`)
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: fedctl version [--json]")
		return 1
	}

	info := currentVersionInfo()
	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("fedctl %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = readBuildSetting("vcs.revision")
	}
	if commit != "" {
		if len(commit) > 12 {
			commit = commit[:12]
		}
		info.Commit = commit
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = readBuildSetting("vcs.time")
	}
	if t, err := time.Parse(time.RFC3339Nano, built); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}
	return info
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return strings.TrimSpace(setting.Value)
		}
	}
	return ""
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

// --- server ---

func runServerNoun(args []string) int {
	if len(args) == 0 || isHelpToken(args[0]) {
		fmt.Println("Usage: fedctl server start --config <file>")
		return boolToExit(len(args) == 0)
	}
	switch args[0] {
	case "start":
		return runServerStart(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown server action: %s\n", args[0])
		return 1
	}
}

func runServerStart(args []string) int {
	fs := flag.NewFlagSet("server start", flag.ContinueOnError)
	configPath := fs.String("config", "fedctl.yaml", "Path to the server configuration file")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := loadSiteConfig(*configPath, config.RoleServer)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Site.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("fedctl server starting", "version", version, "site", cfg.Site.Name, "config", *configPath)

	if err := verifyComponents(cfg, logger); err != nil {
		var se *security.StartupError
		if errors.As(err, &se) {
			fmt.Fprintf(os.Stderr, "%v\n", se)
			logger.Error("startup refused", "component", se.Component, "error", se.Err)
			return 1
		}
		logger.Error("component check failed", "error", err)
		return 1
	}

	siteLock, err := lock.Acquire(cfg.Site.Workspace, cfg.Site.Name)
	if err != nil {
		logger.Error("failed to acquire site lock (another instance may be running)", "error", err)
		return 1
	}
	defer siteLock.Release()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store *audit.Store
	if cfg.Audit.Path != "" {
		store, err = audit.Open(ctx, cfg.Audit.Path)
		if err != nil {
			logger.Error("failed to open audit store", "path", cfg.Audit.Path, "error", err)
			return 1
		}
		defer store.Close()
		logger.Info("audit store opened", "path", cfg.Audit.Path)
	}

	app, err := server.NewApp(cfg, store)
	if err != nil {
		logger.Error("failed to build server", "error", err)
		return 1
	}
	logger.Info("server ready",
		"console", cfg.Admin.Listen,
		"cell", cfg.Cell.Listen,
		"clients", len(cfg.Clients),
		"commands", len(app.Dispatcher.Registry().Names()),
	)

	if err := app.Run(ctx); err != nil {
		logger.Error("server stopped with error", "error", err)
		return 1
	}
	logger.Info("fedctl server stopped")
	return 0
}

// --- client ---

func runClientNoun(args []string) int {
	if len(args) == 0 || isHelpToken(args[0]) {
		fmt.Println("Usage: fedctl client start --config <file> [--parent-pid N] [--supervise graceful|hard]")
		return boolToExit(len(args) == 0)
	}
	switch args[0] {
	case "start":
		return runClientStart(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown client action: %s\n", args[0])
		return 1
	}
}

func runClientStart(args []string) int {
	fs := flag.NewFlagSet("client start", flag.ContinueOnError)
	configPath := fs.String("config", "fedctl.yaml", "Path to the client configuration file")
	parentPID := fs.Int("parent-pid", 0, "Exit when this process dies (0 disables supervision)")
	supervise := fs.String("supervise", "graceful", "Reaction to parent death: graceful|hard")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	mode, err := supervisor.ParseMode(*supervise)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadSiteConfig(*configPath, config.RoleClient)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Site.LogLevel)
	logger := log.WithSite(cfg.Site.Name)
	logger.Info("fedctl client starting", "version", version, "config", *configPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runClient(ctx, cfg, int32(*parentPID), mode); err != nil {
		var se *security.StartupError
		if errors.As(err, &se) {
			fmt.Fprintf(os.Stderr, "%v\n", se)
			logger.Error("startup refused", "component", se.Component, "error", se.Err)
			return 1
		}
		logger.Error("client stopped with error", "error", err)
		return 1
	}
	logger.Info("fedctl client stopped")
	return 0
}

// verifyComponents runs the startup security gate shared by both roles.
// Nothing may lock the workspace or listen before it passes.
func verifyComponents(cfg *config.Config, logger *slog.Logger) error {
	components, sc := security.BuildComponents(cfg)
	if err := security.Check(sc); err != nil {
		return err
	}
	logger.Info("components verified", "count", len(components), "failed", len(sc.Exceptions))
	return nil
}

// runClient brings a worker site up and serves until ctx ends or the
// supervised parent dies. Components are verified before anything listens.
func runClient(ctx context.Context, cfg *config.Config, parentPID int32, mode supervisor.Mode) error {
	logger := log.WithSite(cfg.Site.Name)

	if err := verifyComponents(cfg, logger); err != nil {
		return err
	}

	siteLock, err := lock.Acquire(cfg.Site.Workspace, cfg.Site.Name)
	if err != nil {
		return err
	}
	defer siteLock.Release()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if parentPID > 0 {
		opts := []supervisor.Option{supervisor.WithLogger(logger)}
		if mode == supervisor.Graceful {
			opts = append(opts, supervisor.WithRunner(supervisor.RunnerFunc(cancel)))
		}
		mon, err := supervisor.NewMonitor(parentPID, mode, opts...)
		if err != nil {
			return err
		}
		if err := mon.Start(ctx); err != nil {
			return err
		}
		defer mon.Stop()
	}

	w := worker.New(&worker.Site{
		Name:          cfg.Site.Name,
		WorkspaceDir:  cfg.Site.Workspace,
		LogConfigPath: cfg.Site.LogConfig,
		Resources:     cfg.Resources,
	}, auth.NewPolicy(cfg.Authorization.Roles))
	endpoint := cell.NewServer(w, nil, log.WithComponent("cell"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return endpoint.Serve(gctx, cfg.Cell.Listen) })
	g.Go(func() error {
		return joinServer(gctx, cfg, logger)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// joinServer registers with the server, retrying until it answers.
func joinServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	public := cfg.Cell.PublicURL
	if public == "" {
		public = "http://" + cfg.Cell.Listen
	}
	reg := cell.Registration{Name: cfg.Site.Name, URL: public, Token: cfg.Cell.JoinToken}

	backoff := time.Second
	for {
		err := cell.Join(ctx, nil, cfg.Cell.ServerURL, reg)
		if err == nil {
			logger.Info("joined server", "server", cfg.Cell.ServerURL, "url", public)
			return nil
		}
		logger.Warn("join failed, retrying", "server", cfg.Cell.ServerURL, "error", err, "retry_in", backoff.String())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 30*time.Second)
	}
}

func loadSiteConfig(path, role string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if cfg.Site.Role != role {
		return nil, fmt.Errorf("%s: site.role is %q, expected %q", path, cfg.Site.Role, role)
	}
	return cfg, nil
}

// --- config ---

func runConfigNoun(args []string) int {
	if len(args) == 0 || isHelpToken(args[0]) {
		fmt.Println("Usage: fedctl config check --config <file> | fedctl config hash <file>")
		return boolToExit(len(args) == 0)
	}
	switch args[0] {
	case "check":
		return runConfigCheck(args[1:])
	case "hash":
		return runConfigHash(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", args[0])
		return 1
	}
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("config check", flag.ContinueOnError)
	configPath := fs.String("config", "fedctl.yaml", "Path to the configuration file")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config invalid: %v\n", err)
		return 1
	}
	_, sc := security.BuildComponents(cfg)
	if err := security.Check(sc); err != nil {
		fmt.Fprintf(os.Stderr, "Config invalid: %v\n", err)
		return 1
	}
	fmt.Printf("Config OK: site %s (%s), %d clients, %d components\n",
		cfg.Site.Name, cfg.Site.Role, len(cfg.Clients), len(cfg.Components))
	return 0
}

func runConfigHash(args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: fedctl config hash <file>")
		return 1
	}
	sum, err := config.ComputeBlake3Hash(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Hash failed: %v\n", err)
		return 1
	}
	fmt.Println(sum)
	return 0
}

// --- operator ---

func consoleFlags(name string) (*flag.FlagSet, *string, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	url := fs.String("url", os.Getenv(envURL), "Console URL of the server")
	token := fs.String("token", os.Getenv(envToken), "Admin bearer token")
	return fs, url, token
}

func runConsole(args []string) int {
	fs, url, token := consoleFlags("console")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *url == "" || *token == "" {
		fmt.Fprintln(os.Stderr, "Usage: fedctl console --url <url> --token <token>")
		return 1
	}
	if err := tui.Run(*url, server.NewClient(*url, *token)); err != nil {
		fmt.Fprintf(os.Stderr, "Console failed: %v\n", err)
		return 1
	}
	return 0
}

func runExec(args []string) int {
	fs, url, token := consoleFlags("exec")
	jsonOut := fs.Bool("json", false, "Print the raw reply as JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *url == "" || *token == "" || fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, `Usage: fedctl exec --url <url> --token <token> [--json] "<command line>"`)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	resp, err := server.NewClient(*url, *token).Exec(ctx, strings.Join(fs.Args(), " "))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, err := json.MarshalIndent(resp, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
	} else {
		fmt.Print(resp.Text())
	}
	if resp.Meta.Status != console.StatusOK {
		return 1
	}
	return 0
}

func boolToExit(failed bool) int {
	if failed {
		return 1
	}
	return 0
}
