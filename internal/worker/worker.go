// Package worker serves admin requests on a client site.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/mattjoyce/fedctl/internal/auth"
	"github.com/mattjoyce/fedctl/internal/cell"
	"github.com/mattjoyce/fedctl/internal/log"
)

// ErrDuplicateTopic is returned when two processors claim one topic.
var ErrDuplicateTopic = errors.New("topic already has a processor")

// Site is the local state processors run against.
type Site struct {
	Name          string
	WorkspaceDir  string
	LogConfigPath string
	Resources     map[string]any
}

// Processor answers one request topic.
type Processor interface {
	Topic() string
	// Right is the operator right needed when a request asks for
	// re-authorization. Empty means any authenticated submitter.
	Right() string
	Process(ctx context.Context, site *Site, msg *cell.Message) *cell.Reply
}

// Worker dispatches incoming messages to processors. Processors can only be
// added, never replaced or removed.
type Worker struct {
	site   *Site
	policy *auth.Policy
	logger *slog.Logger

	mu    sync.RWMutex
	procs map[string]Processor
}

// New creates a worker with the built-in sys processors registered.
func New(site *Site, policy *auth.Policy) *Worker {
	w := &Worker{
		site:   site,
		policy: policy,
		logger: log.WithSite(site.Name),
		procs:  make(map[string]Processor),
	}
	for _, p := range DefaultProcessors() {
		// Built-ins have distinct topics.
		_ = w.RegisterProcessor(p)
	}
	return w
}

// RegisterProcessor appends p to the worker.
func (w *Worker) RegisterProcessor(p Processor) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.procs[p.Topic()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTopic, p.Topic())
	}
	w.procs[p.Topic()] = p
	return nil
}

// Topics lists the topics the worker answers.
func (w *Worker) Topics() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]string, 0, len(w.procs))
	for t := range w.procs {
		out = append(out, t)
	}
	return out
}

// Handle implements cell.Handler.
func (w *Worker) Handle(ctx context.Context, msg *cell.Message) (rep *cell.Reply) {
	logger := w.logger.With("topic", msg.Topic, "msg_id", msg.ID(), "user", msg.Header(cell.HeaderUser))

	w.mu.RLock()
	p, ok := w.procs[msg.Topic]
	w.mu.RUnlock()
	if !ok {
		logger.Warn("no processor for topic")
		workerRequestsTotal.WithLabelValues("unknown", "error").Inc()
		return cell.ErrorReply(fmt.Sprintf("unknown request topic %q", msg.Topic))
	}

	if msg.RequireAuthz() {
		pr := auth.Principal{
			User: msg.Header(cell.HeaderUser),
			Org:  msg.Header(cell.HeaderOrg),
			Role: msg.Header(cell.HeaderRole),
		}
		if right := p.Right(); right != "" && !w.policy.Allows(pr, right) {
			logger.Info("request denied by local policy", "role", pr.Role, "right", right)
			workerRequestsTotal.WithLabelValues(msg.Topic, "denied").Inc()
			return cell.ErrorReply(fmt.Sprintf("not authorized for %s on site %s", msg.Topic, w.site.Name))
		}
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("processor panicked", "panic", r, "stack", string(debug.Stack()))
			workerRequestsTotal.WithLabelValues(msg.Topic, "error").Inc()
			rep = cell.ErrorReply("internal error")
		}
	}()

	rep = p.Process(ctx, w.site, msg)
	if rep == nil {
		rep = cell.ErrorReply("no reply")
	}
	result := "ok"
	if rep.ReturnCode == cell.ReturnError {
		result = "error"
	}
	workerRequestsTotal.WithLabelValues(msg.Topic, result).Inc()
	logger.Debug("request processed", "result", result)
	return rep
}
