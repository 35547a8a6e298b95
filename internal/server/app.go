package server

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/fedctl/internal/audit"
	"github.com/mattjoyce/fedctl/internal/auth"
	"github.com/mattjoyce/fedctl/internal/cell"
	"github.com/mattjoyce/fedctl/internal/config"
	"github.com/mattjoyce/fedctl/internal/console"
	"github.com/mattjoyce/fedctl/internal/fanout"
	"github.com/mattjoyce/fedctl/internal/log"
	"github.com/mattjoyce/fedctl/internal/syscmd"
)

// App is a fully wired control server.
type App struct {
	Engine     *Engine
	Dispatcher *console.Dispatcher
	Console    *ConsoleServer
	Cell       *cell.Server

	cfg *config.Config
}

// NewApp wires the server from cfg. store may be nil to run without an
// audit trail. Extra modules are registered after the built-in ones.
func NewApp(cfg *config.Config, store *audit.Store, extra ...console.Module) (*App, error) {
	engine := NewEngine(cfg)
	policy := auth.NewPolicy(cfg.Authorization.Roles)
	sender := cell.NewHTTPSender(engine, nil)
	requester := fanout.NewRequester(engine, sender, cfg.FanoutTimeout(), log.WithComponent("fanout"))

	modules := []console.Module{syscmd.New(policy, engine, requester)}
	if store != nil {
		modules = append(modules, audit.NewModule(store))
	}
	modules = append(modules, extra...)

	regLogger := log.WithComponent("registry")
	b := console.NewBuilder(regLogger)
	for _, m := range modules {
		if err := b.AddModule(m); err != nil {
			regLogger.Error("module registration failed", "module", m.Spec().Name, "error", err)
		}
	}
	reg, err := b.Freeze()
	if err != nil {
		return nil, fmt.Errorf("build command registry: %w", err)
	}

	opts := []console.Option{console.WithLogger(log.WithComponent("console"))}
	if store != nil {
		opts = append(opts, console.WithAuditor(store))
	}
	disp := console.NewDispatcher(reg, opts...)

	tokens := make([]auth.TokenConfig, 0, len(cfg.Admin.Tokens))
	for _, t := range cfg.Admin.Tokens {
		tokens = append(tokens, auth.TokenConfig{Token: t.Token, User: t.User, Org: t.Org, Role: t.Role})
	}

	return &App{
		Engine:     engine,
		Dispatcher: disp,
		Console:    NewConsoleServer(disp, tokens, engine, log.WithComponent("console-http")),
		Cell:       cell.NewServer(cell.HandlerFunc(refuseRequests), engine, log.WithComponent("cell"), cell.WithJoinToken(cfg.Cell.JoinToken)),
		cfg:        cfg,
	}, nil
}

// The server answers joins on its cell endpoint but serves no admin topics.
func refuseRequests(_ context.Context, msg *cell.Message) *cell.Reply {
	return cell.ErrorReply(fmt.Sprintf("server does not serve topic %s", msg.Topic))
}

// Run serves the console and cell endpoints until ctx is cancelled or one
// of them fails.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Console.Start(gctx, a.cfg.Admin.Listen) })
	g.Go(func() error { return a.Cell.Serve(gctx, a.cfg.Cell.Listen) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
