package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/hyper-ai-inc/devspace/internal/auth"
	"github.com/hyper-ai-inc/devspace/internal/config"
	"github.com/hyper-ai-inc/devspace/internal/events"
	"github.com/hyper-ai-inc/devspace/internal/fs"
	"github.com/hyper-ai-inc/devspace/internal/logging"
	"github.com/hyper-ai-inc/devspace/internal/metrics"
	"github.com/hyper-ai-inc/devspace/internal/ports"
	"github.com/hyper-ai-inc/devspace/internal/preview"
	"github.com/hyper-ai-inc/devspace/internal/process"
	"github.com/hyper-ai-inc/devspace/internal/sessions"
	"github.com/hyper-ai-inc/devspace/internal/store"
	"github.com/hyper-ai-inc/devspace/internal/stream"
	"github.com/hyper-ai-inc/devspace/internal/watch"
	"github.com/hyper-ai-inc/devspace/internal/ws"
)

// Server owns every component and the HTTP routes in front of them.
type Server struct {
	cfg     config.Config
	log     logrus.FieldLogger
	metrics *metrics.Metrics

	broker    *events.Broker
	db        *store.Store
	files     *fs.Store
	ports     *ports.Allocator
	processes *process.Manager
	terminals *sessions.Manager
	watches   *watch.Manager
	auth      *auth.Middleware
	gateway   *ws.Gateway
	stream    *stream.Hub
	preview   *preview.Proxy
}

// NewServer wires the components described by cfg.
func NewServer(cfg config.Config, logger logrus.FieldLogger) (*Server, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	s := &Server{
		cfg:     cfg,
		log:     logging.Component(logger, "server"),
		metrics: metrics.New(),
		broker:  events.NewBroker(),
	}

	hub, err := stream.NewHub(cfg.Stream.ReplayTTL, cfg.Stream.KeepAlive, logger)
	if err != nil {
		return nil, fmt.Errorf("stream hub: %w", err)
	}
	s.stream = hub
	s.broker.OnPublish = func(ev events.Event) {
		s.metrics.EventPublished(string(ev.Type))
		s.stream.Publish(ev)
	}
	s.broker.OnDrop = s.metrics.SubscriberDropped

	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	s.db = db

	templates, err := fs.LoadTemplates(cfg.Templates.Dir)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load templates: %w", err)
	}
	files, err := fs.NewStore(cfg.WorkspaceBase,
		fs.WithPublisher(s.broker),
		fs.WithMirror(db),
		fs.WithTemplates(templates),
		fs.WithLogger(logger),
	)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("workspace store: %w", err)
	}
	s.files = files

	alloc, err := ports.NewAllocator(cfg.Ports.RangeStart, cfg.Ports.RangeEnd)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("port allocator: %w", err)
	}
	alloc.OnChange(s.metrics.SetAllocatedPorts)
	s.ports = alloc

	s.processes = process.NewManager(files.ExistingRoot, alloc, s.broker,
		process.WithStopGrace(cfg.Process.StopGrace),
		process.WithCommandTimeout(cfg.Process.CommandTimeout),
		process.WithLogger(logger),
		process.WithMetrics(s.metrics),
	)
	s.terminals = sessions.NewManager(files.ExistingRoot, s.broker,
		sessions.WithShell(cfg.Terminal.Shell),
		sessions.WithIdleTimeout(cfg.Terminal.IdleTimeout),
		sessions.WithReapInterval(cfg.Terminal.ReapInterval),
		sessions.WithLogger(logger),
		sessions.WithMetrics(s.metrics),
	)
	s.watches = watch.NewManager(files.Root, s.broker, watch.DefaultDebounce, logger)

	var verifier auth.Verifier
	if cfg.Auth.JWTSecret != "" {
		verifier = auth.NewJWTVerifier(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer, db)
	}
	s.auth = auth.NewMiddleware(cfg.Auth.InternalToken, verifier, logger)

	s.gateway = ws.NewGateway(ws.Config{
		AllowedOrigins:    cfg.Auth.AllowedOrigins,
		HeartbeatInterval: cfg.Gateway.HeartbeatInterval,
		IdleTimeout:       cfg.Gateway.IdleTimeout,
		SendBuffer:        cfg.Gateway.SendBuffer,
	}, s.auth, db, s.broker, s.terminals, s.processes,
		ws.WithLogger(logger),
		ws.WithMetrics(s.metrics),
		ws.WithWatcher(s.watches),
	)
	s.preview = preview.New(s.processes, cfg.PublicURL, logger)

	return s, nil
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	requireAuth := s.auth.RequireAuthFunc

	// Health check - unauthenticated (for load balancer health checks)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", s.auth.RequireAuth(s.metrics.Handler()))

	mux.HandleFunc("GET /templates", requireAuth(s.handleListTemplates))

	// Workspaces
	mux.HandleFunc("POST /projects/{id}/workspace", requireAuth(s.handleCreateWorkspace))
	mux.HandleFunc("DELETE /projects/{id}/workspace", requireAuth(s.project(s.handleDeleteWorkspace)))

	// Filesystem
	mux.HandleFunc("GET /projects/{id}/files", requireAuth(s.project(s.handleListFiles)))
	mux.HandleFunc("GET /projects/{id}/files/index", requireAuth(s.project(s.handleFileIndex)))
	mux.HandleFunc("GET /projects/{id}/file", requireAuth(s.project(s.handleGetFile)))
	mux.HandleFunc("PUT /projects/{id}/file", requireAuth(s.project(s.handlePutFile)))
	mux.HandleFunc("DELETE /projects/{id}/file", requireAuth(s.project(s.handleDeleteFile)))
	mux.HandleFunc("POST /projects/{id}/file/rename", requireAuth(s.project(s.handleRenameFile)))
	mux.HandleFunc("GET /projects/{id}/file/stat", requireAuth(s.project(s.handleStatFile)))
	mux.HandleFunc("POST /projects/{id}/dirs", requireAuth(s.project(s.handleCreateDirectory)))

	// Processes
	mux.HandleFunc("GET /projects/{id}/process", requireAuth(s.project(s.handleProcessStatus)))
	mux.HandleFunc("POST /projects/{id}/process", requireAuth(s.project(s.handleStartProcess)))
	mux.HandleFunc("DELETE /projects/{id}/process", requireAuth(s.project(s.handleStopProcess)))
	mux.HandleFunc("POST /projects/{id}/process/restart", requireAuth(s.project(s.handleRestartProcess)))
	mux.HandleFunc("POST /projects/{id}/commands", requireAuth(s.project(s.handleRunCommand)))

	// Terminals (read-only listing; sessions are driven over the gateway)
	mux.HandleFunc("GET /projects/{id}/terminals", requireAuth(s.project(s.handleListTerminals)))

	// Preview and events
	mux.HandleFunc("GET /projects/{id}/preview", requireAuth(s.project(s.handlePreviewURL)))
	mux.HandleFunc("GET /projects/{id}/events", requireAuth(s.project(s.handleEventStream)))

	// WebSocket gateway - auth checked via token after upgrade, origin validated by upgrader
	mux.HandleFunc("GET /ws", s.gateway.HandleWebSocket)

	// Collaborator services
	mux.HandleFunc("PUT /internal/users/{userId}", s.auth.RequireInternal(s.handlePutUser))
	mux.HandleFunc("POST /internal/projects/{id}/events", s.auth.RequireInternal(s.project(s.handlePushEvent)))
	mux.HandleFunc("POST /internal/projects/{id}/collaborators", s.auth.RequireInternal(s.project(s.handleAddCollaborator)))
	mux.HandleFunc("DELETE /internal/projects/{id}/collaborators/{userId}", s.auth.RequireInternal(s.project(s.handleRemoveCollaborator)))

	// Preview proxy - unauthenticated, dev servers bind to loopback only
	mux.HandleFunc("/preview/{id}", s.handlePreviewRedirect)
	mux.Handle("/preview/{id}/{path...}", s.preview)

	return mux
}

// BeginShutdown closes long-lived streams so the HTTP server can drain.
func (s *Server) BeginShutdown(ctx context.Context) {
	if err := s.gateway.Shutdown(ctx); err != nil {
		s.log.WithError(err).Warn("gateway shutdown incomplete")
	}
	if err := s.stream.Shutdown(ctx); err != nil {
		s.log.WithError(err).Warn("event stream shutdown incomplete")
	}
}

// Close stops processes and sessions and releases storage.
func (s *Server) Close(ctx context.Context) {
	if err := s.processes.Shutdown(ctx); err != nil {
		s.log.WithError(err).Warn("process shutdown incomplete")
	}
	s.terminals.Shutdown()
	s.watches.Close()
	if err := s.db.Close(); err != nil {
		s.log.WithError(err).Warn("failed to close store")
	}
}
