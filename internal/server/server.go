package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kairos/internal/auth"
	"github.com/ashita-ai/kairos/internal/heartbeat"
	"github.com/ashita-ai/kairos/internal/model"
	"github.com/ashita-ai/kairos/internal/ratelimit"
	"github.com/ashita-ai/kairos/internal/scoring"
	"github.com/ashita-ai/kairos/internal/service/queuehealth"
	"github.com/ashita-ai/kairos/internal/service/tasks"
	"github.com/ashita-ai/kairos/internal/storage"
	"github.com/ashita-ai/kairos/internal/timing"
)

// Server is the Kairos HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Broker, Limiter, MCPServer, OpenAPISpec.
type ServerConfig struct {
	// Required dependencies.
	DB          *storage.DB
	JWTMgr      *auth.JWTManager
	Tasks       *tasks.Service
	Monitor     *heartbeat.Monitor
	QueueHealth *queuehealth.Service
	Engine      *scoring.Engine
	Bandit      *timing.Bandit
	Scheduler   *timing.Scheduler
	Logger      *slog.Logger

	// Optional dependencies (nil = disabled).
	Broker    *Broker
	Limiter   ratelimit.Limiter
	MCPServer *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64

	OpenAPISpec []byte
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		JWTMgr:              cfg.JWTMgr,
		Tasks:               cfg.Tasks,
		Monitor:             cfg.Monitor,
		QueueHealth:         cfg.QueueHealth,
		Engine:              cfg.Engine,
		Bandit:              cfg.Bandit,
		Scheduler:           cfg.Scheduler,
		Broker:              cfg.Broker,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	// Enqueue paths are limited per service and task type; token issuance
	// per client IP.
	enqueueRL := ratelimit.Middleware(cfg.Limiter, ratelimit.WithTaskType(ratelimit.ServiceKeyFunc), cfg.Logger)
	authRL := ratelimit.Middleware(cfg.Limiter, ratelimit.AuthKeyFunc, cfg.Logger)

	mux := http.NewServeMux()

	// Auth (no auth required, rate limited by IP).
	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))

	// Service account management (admin-only).
	adminOnly := requireRole(model.RoleAdmin)
	mux.Handle("POST /v1/service-accounts", adminOnly(http.HandlerFunc(h.HandleCreateServiceAccount)))

	// Enqueue and feedback (service+).
	writeRole := requireRole(model.RoleService)
	mux.Handle("POST /v1/tasks", enqueueRL(writeRole(http.HandlerFunc(h.HandleCreateTask))))
	mux.Handle("POST /v1/tasks/{id}/cancel", writeRole(http.HandlerFunc(h.HandleCancelTask)))
	mux.Handle("POST /v1/metrics", writeRole(http.HandlerFunc(h.HandleIngestMetrics)))
	mux.Handle("POST /v1/timing/sample", writeRole(http.HandlerFunc(h.HandleSampleTiming)))
	mux.Handle("POST /v1/timing/reward", writeRole(http.HandlerFunc(h.HandleTimingReward)))
	mux.Handle("POST /v1/timing/schedule", enqueueRL(writeRole(http.HandlerFunc(h.HandleScheduleTask))))

	// Queries (reader+).
	readRole := requireRole(model.RoleReader)
	mux.Handle("GET /v1/tasks", readRole(http.HandlerFunc(h.HandleListTasks)))
	mux.Handle("GET /v1/tasks/{id}", readRole(http.HandlerFunc(h.HandleGetTask)))
	mux.Handle("GET /v1/tasks/{id}/events", readRole(http.HandlerFunc(h.HandleTaskEvents)))
	mux.Handle("GET /v1/workers", readRole(http.HandlerFunc(h.HandleListWorkers)))
	mux.Handle("GET /v1/queue/health", readRole(http.HandlerFunc(h.HandleQueueHealth)))
	mux.Handle("GET /v1/scores/{content_id}", readRole(http.HandlerFunc(h.HandleGetScore)))
	mux.Handle("GET /v1/winners", readRole(http.HandlerFunc(h.HandleWinners)))
	mux.Handle("GET /v1/timing/{context}", readRole(http.HandlerFunc(h.HandleTimingSlots)))

	// MCP StreamableHTTP transport (auth required, reader+). Tools enforce
	// their own write role.
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", readRole(mcpHTTP))
	}

	// OpenAPI document and health (no auth, no rate limit).
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Handlers returns the underlying Handlers for access to SeedAdmin etc.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
