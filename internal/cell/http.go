package cell

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/fedctl/internal/auth"
)

const (
	requestPath  = "/cell/v1/request"
	registerPath = "/cell/v1/register"

	// maxBodyBytes caps request and reply bodies on the wire.
	maxBodyBytes = 4 << 20
)

// Directory resolves a site name to the base URL of its cell endpoint.
type Directory interface {
	URLFor(site string) (string, bool)
}

// Registrar accepts sites joining the cluster.
type Registrar interface {
	Register(name, url string) error
}

// Registration is the body of a join request. Token travels as a bearer
// header, never in the body.
type Registration struct {
	Name  string `json:"name"`
	URL   string `json:"url"`
	Token string `json:"-"`
}

// HTTPSender sends messages as JSON over HTTP POST.
type HTTPSender struct {
	dir    Directory
	client *http.Client
}

// NewHTTPSender creates a sender resolving sites through dir.
func NewHTTPSender(dir Directory, client *http.Client) *HTTPSender {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPSender{dir: dir, client: client}
}

// Send posts msg to site and decodes its reply. The context bounds the call.
func (s *HTTPSender) Send(ctx context.Context, site string, msg *Message) (*Reply, error) {
	base, ok := s.dir.URLFor(site)
	if !ok {
		return nil, fmt.Errorf("unknown site %q", site)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(base, "/")+requestPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send to %s: %w", site, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("send to %s: unexpected status %d", site, resp.StatusCode)
	}

	var reply Reply
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&reply); err != nil {
		return nil, fmt.Errorf("decode reply from %s: %w", site, err)
	}
	return &reply, nil
}

// Join registers a site with the server's cell endpoint.
func Join(ctx context.Context, client *http.Client, serverURL string, reg Registration) error {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	body, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("encode registration: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(serverURL, "/")+registerPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build registration: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if reg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+reg.Token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("join %s: %w", serverURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("join %s: status %d: %s", serverURL, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// Server exposes a site's cell endpoint.
type Server struct {
	handler   Handler
	registrar Registrar
	joinToken string
	logger    *slog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithJoinToken makes joins present token as a bearer credential.
func WithJoinToken(token string) ServerOption {
	return func(s *Server) { s.joinToken = token }
}

// NewServer creates a cell endpoint. registrar may be nil on worker sites.
func NewServer(h Handler, registrar Registrar, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{handler: h, registrar: registrar, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes returns the chi router serving the endpoint.
func (s *Server) Routes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Post(requestPath, s.handleRequest)
	if s.registrar != nil {
		r.Post(registerPath, s.handleRegister)
	}
	return r
}

// Serve runs the endpoint on listen until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, listen string) error {
	srv := &http.Server{
		Addr:              listen,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("cell endpoint starting", "listen", listen)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("cell shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("cell endpoint error: %w", err)
	}
}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	var msg Message
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&msg); err != nil {
		http.Error(w, "invalid message", http.StatusBadRequest)
		return
	}
	if msg.Topic == "" {
		http.Error(w, "message topic is required", http.StatusBadRequest)
		return
	}

	reply := s.handler.Handle(r.Context(), &msg)
	if reply == nil {
		reply = ErrorReply(fmt.Sprintf("no reply for topic %s", msg.Topic))
	}

	s.logger.Debug("cell request handled", "topic", msg.Topic, "msg_id", msg.ID(), "return_code", reply.ReturnCode)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(reply)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if s.joinToken != "" {
		presented, err := auth.ExtractBearerToken(r)
		if err != nil || subtle.ConstantTimeCompare([]byte(presented), []byte(s.joinToken)) != 1 {
			s.logger.Warn("join refused", "remote", r.RemoteAddr, "reason", "bad join token")
			http.Error(w, "invalid join token", http.StatusUnauthorized)
			return
		}
	}
	var reg Registration
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&reg); err != nil {
		http.Error(w, "invalid registration", http.StatusBadRequest)
		return
	}
	if err := s.registrar.Register(reg.Name, reg.URL); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.logger.Info("site joined", "site", reg.Name, "url", reg.URL)
	w.WriteHeader(http.StatusNoContent)
}
