// Package server holds the control server's live state and its operator
// console surface.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mattjoyce/fedctl/internal/config"
	"github.com/mattjoyce/fedctl/internal/log"
)

// DeadJobNotice records an operator report that a job died on a client.
type DeadJobNotice struct {
	JobID  string
	Client string
	Reason string
	At     time.Time
}

// Engine is the server's cluster state. It is the AppCtx handed to console
// commands and the membership the fan-out layer resolves against.
type Engine struct {
	name          string
	workspace     string
	logConfigPath string
	logger        *slog.Logger

	mu      sync.RWMutex
	clients map[string]string
	static  map[string]bool
	dead    []DeadJobNotice
}

// NewEngine creates the engine from cfg, seeding membership from the
// statically configured clients.
func NewEngine(cfg *config.Config) *Engine {
	e := &Engine{
		name:          cfg.Site.Name,
		workspace:     cfg.Site.Workspace,
		logConfigPath: cfg.Site.LogConfig,
		logger:        log.WithComponent("engine"),
		clients:       make(map[string]string, len(cfg.Clients)),
		static:        make(map[string]bool, len(cfg.Clients)),
	}
	for _, c := range cfg.Clients {
		e.clients[c.Name] = strings.TrimRight(c.URL, "/")
		e.static[c.Name] = true
	}
	return e
}

// Name returns the server site name.
func (e *Engine) Name() string { return e.name }

func (e *Engine) WorkspaceDir() string  { return e.workspace }
func (e *Engine) LogConfigPath() string { return e.logConfigPath }

// ClientNames returns the current client sites, sorted.
func (e *Engine) ClientNames() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.clients))
	for n := range e.clients {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// URLFor returns the cell endpoint of site.
func (e *Engine) URLFor(site string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	u, ok := e.clients[site]
	return u, ok
}

// Register adds or updates a client site. Statically configured clients
// keep their configured URL.
func (e *Engine) Register(name, rawURL string) error {
	name = strings.TrimSpace(name)
	if name == "" || strings.ContainsAny(name, " \t") {
		return fmt.Errorf("invalid site name %q", name)
	}
	if config.IsReservedSiteName(name) || name == e.name {
		return fmt.Errorf("site name %q is reserved", name)
	}
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid site url %q", rawURL)
	}

	rawURL = strings.TrimRight(rawURL, "/")

	e.mu.Lock()
	prev, existed := e.clients[name]
	if e.static[name] && prev != rawURL {
		e.mu.Unlock()
		e.logger.Warn("refused to re-point static client", "site", name, "url", rawURL, "configured_url", prev)
		return fmt.Errorf("site %q is statically configured", name)
	}
	e.clients[name] = rawURL
	e.mu.Unlock()

	if existed && prev != rawURL {
		e.logger.Info("client site re-registered", "site", name, "url", rawURL, "previous_url", prev)
	} else if !existed {
		e.logger.Info("client site registered", "site", name, "url", rawURL)
	}
	return nil
}

// NotifyDeadJob records that jobID is dead on client.
func (e *Engine) NotifyDeadJob(_ context.Context, jobID, client, reason string) error {
	if _, ok := e.URLFor(client); !ok {
		e.logger.Warn("dead job reported for unknown client", "client", client, "job_id", jobID)
	}
	e.mu.Lock()
	e.dead = append(e.dead, DeadJobNotice{JobID: jobID, Client: client, Reason: reason, At: time.Now()})
	e.mu.Unlock()
	e.logger.Warn("job reported dead", "client", client, "job_id", jobID, "reason", reason)
	return nil
}

// DeadJobs returns the recorded dead-job notices.
func (e *Engine) DeadJobs() []DeadJobNotice {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]DeadJobNotice(nil), e.dead...)
}
