// Package httpapi is the HTTP surface of the core: endpoint dispatch,
// the AuthN→AuthZ→RateLimit→Audit middleware chain, SSE streaming, and
// the uniform error envelope.
package httpapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/r-core/internal/core/agent"
	"github.com/haasonsaas/r-core/internal/core/audit"
	"github.com/haasonsaas/r-core/internal/core/auth"
	"github.com/haasonsaas/r-core/internal/core/backend"
	"github.com/haasonsaas/r-core/internal/core/cluster"
	"github.com/haasonsaas/r-core/internal/core/config"
	"github.com/haasonsaas/r-core/internal/core/memoryport"
	"github.com/haasonsaas/r-core/internal/core/observability"
	"github.com/haasonsaas/r-core/internal/core/ratelimit"
)

// Version is stamped into status responses; overridden by the build.
var Version = "dev"

// Server holds the shared infrastructure every handler needs.
type Server struct {
	cfg      *config.Config
	logger   *slog.Logger
	auth     *auth.Service
	limiter  *ratelimit.Limiter
	audit    *audit.Logger
	registry *agent.Registry
	backend  backend.Backend
	memory   memoryport.Memory
	coord    *cluster.Coordinator
	promReg  *prometheus.Registry
	metrics  *observability.Metrics

	startTime time.Time
	httpSrv   *http.Server
}

// Options carries the injected dependencies for NewServer. Backend and
// coordinator may be nil; the corresponding endpoints then answer with
// backend_unavailable. A nil memory is replaced by memoryport.NoOp.
type Options struct {
	Config       *config.Config
	Logger       *slog.Logger
	Auth         *auth.Service
	Limiter      *ratelimit.Limiter
	Audit        *audit.Logger
	Registry     *agent.Registry
	Backend      backend.Backend
	Memory       memoryport.Memory
	Coordinator  *cluster.Coordinator
	PromRegistry *prometheus.Registry
	Metrics      *observability.Metrics
}

// NewServer wires a Server from pre-built components.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	registry := opts.Registry
	if registry == nil {
		registry = agent.NewRegistry()
	}
	memory := opts.Memory
	if memory == nil {
		memory = memoryport.NoOp{}
	}
	return &Server{
		cfg:       opts.Config,
		logger:    logger.With("component", "httpapi"),
		auth:      opts.Auth,
		limiter:   opts.Limiter,
		audit:     opts.Audit,
		registry:  registry,
		backend:   opts.Backend,
		memory:    memory,
		coord:     opts.Coordinator,
		promReg:   opts.PromRegistry,
		metrics:   opts.Metrics,
		startTime: time.Now(),
	}
}

// Handler builds the route table wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.promReg != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))
	}

	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("POST /v1/chat", s.handleChat)

	mux.HandleFunc("GET /v1/skills", s.handleListSkills)
	mux.HandleFunc("GET /v1/skills/{name}", s.handleGetSkill)
	mux.HandleFunc("POST /v1/skills/call", s.handleCallTool)

	mux.HandleFunc("POST /v1/auth/login", s.handleLogin)
	mux.HandleFunc("GET /v1/auth/introspect", s.handleIntrospect)
	mux.HandleFunc("POST /v1/auth/keys", s.handleCreateKey)
	mux.HandleFunc("GET /v1/auth/keys", s.handleListKeys)
	mux.HandleFunc("DELETE /v1/auth/keys/{key_id}", s.handleRevokeKey)
	mux.HandleFunc("GET /v1/audit/events", s.handleAuditEvents)

	mux.HandleFunc("GET /v1/distributed/status", s.handleClusterStatus)
	mux.HandleFunc("GET /v1/distributed/nodes", s.handleListNodes)
	mux.HandleFunc("POST /v1/distributed/nodes", s.handleAddNode)
	mux.HandleFunc("DELETE /v1/distributed/nodes/{node_id}", s.handleRemoveNode)
	mux.HandleFunc("POST /v1/distributed/models/check", s.handleModelCheck)
	mux.HandleFunc("POST /v1/distributed/models/load", s.handleLoadModel)
	mux.HandleFunc("POST /v1/distributed/models/unload", s.handleUnloadModel)
	mux.HandleFunc("GET /v1/distributed/assignments", s.handleAssignments)
	mux.HandleFunc("POST /v1/distributed/generate", s.handleGenerate)
	mux.HandleFunc("POST /v1/distributed/sync", s.handleSync)

	var h http.Handler = mux
	h = s.auditMiddleware(h)
	h = s.rateLimitMiddleware(h)
	h = s.authMiddleware(h)
	h = s.requestIDMiddleware(h)
	h = s.loggingMiddleware(h)
	return h
}

// ListenAndServe starts the server and blocks until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.API.Host, s.cfg.API.Port)
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpSrv.ListenAndServe()
	}()

	s.logger.Info("server listening", "addr", addr)
	if s.audit != nil {
		s.audit.Log(ctx, audit.Event{Action: audit.ActionServerStarted, Success: true, Details: map[string]any{"addr": addr}})
	}

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := s.httpSrv.Shutdown(shutdownCtx)
		if s.audit != nil {
			s.audit.Log(context.Background(), audit.Event{Action: audit.ActionServerStopped, Success: err == nil})
		}
		return err
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
