package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mattjoyce/fedctl/internal/auth"
	"github.com/mattjoyce/fedctl/internal/console"
)

const maxCommandBytes = 64 << 10

// CommandRequest is the body of POST /console/command.
type CommandRequest struct {
	Command string `json:"command"`
}

// CommandInfo describes one visible command in GET /console/commands.
type CommandInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Usage       string `json:"usage"`
}

// ErrorResponse is returned for requests that never reach the dispatcher.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ConsoleServer is the operator console over HTTP. Each bearer token maps to
// one long-lived Connection, so commands from one operator run in order.
type ConsoleServer struct {
	dispatcher *console.Dispatcher
	tokens     []auth.TokenConfig
	appCtx     any
	logger     *slog.Logger
	startedAt  time.Time

	mu       sync.Mutex
	sessions map[string]*console.Connection
}

// NewConsoleServer creates the console surface. appCtx is handed to every
// command through its Connection.
func NewConsoleServer(d *console.Dispatcher, tokens []auth.TokenConfig, appCtx any, logger *slog.Logger) *ConsoleServer {
	return &ConsoleServer{
		dispatcher: d,
		tokens:     tokens,
		appCtx:     appCtx,
		logger:     logger,
		startedAt:  time.Now(),
		sessions:   make(map[string]*console.Connection),
	}
}

// Start serves the console on listen until ctx is cancelled.
func (s *ConsoleServer) Start(ctx context.Context, listen string) error {
	srv := &http.Server{
		Addr:              listen,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("console server starting", "listen", listen)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("console server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("console shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("console server error: %w", err)
	}
}

// Routes returns the chi router of the console.
func (s *ConsoleServer) Routes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/console/command", s.handleCommand)
		r.Get("/console/commands", s.handleCommands)
	})
	return r
}

func (s *ConsoleServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

type sessionKey struct{}

func (s *ConsoleServer) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := auth.ExtractBearerToken(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		p, ok := auth.Authenticate(token, s.tokens)
		if !ok {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), sessionKey{}, s.session(token, p))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *ConsoleServer) session(token string, p auth.Principal) *console.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.sessions[token]; ok {
		return c
	}
	c := console.NewConnection(p, s.appCtx)
	s.sessions[token] = c
	return c
}

type deadJobLister interface {
	DeadJobs() []DeadJobNotice
}

func (s *ConsoleServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
		"commands":       len(s.dispatcher.Registry().Names()),
	}
	if l, ok := s.appCtx.(deadJobLister); ok {
		dead := l.DeadJobs()
		body["dead_jobs"] = len(dead)
		if n := len(dead); n > 0 {
			last := dead[n-1]
			body["last_dead_job"] = map[string]any{
				"job_id": last.JobID,
				"client": last.Client,
				"at":     last.At.UTC().Format(time.RFC3339),
			}
		}
	}
	respondJSON(w, http.StatusOK, body)
}

func (s *ConsoleServer) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req CommandRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxCommandBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	conn, _ := r.Context().Value(sessionKey{}).(*console.Connection)
	resp := s.dispatcher.Exec(r.Context(), conn, req.Command)
	respondJSON(w, http.StatusOK, resp)
}

func (s *ConsoleServer) handleCommands(w http.ResponseWriter, _ *http.Request) {
	specs := s.dispatcher.Registry().Visible()
	out := make([]CommandInfo, 0, len(specs))
	for _, spec := range specs {
		out = append(out, CommandInfo{Name: spec.Name, Description: spec.Description, Usage: spec.Usage})
	}
	respondJSON(w, http.StatusOK, out)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, ErrorResponse{Error: message})
}
