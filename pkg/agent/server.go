package agent

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/cuemby/burrow/pkg/files"
	"github.com/cuemby/burrow/pkg/hub"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/ports"
	"github.com/cuemby/burrow/pkg/process"
	"github.com/cuemby/burrow/pkg/session"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/workspace"
	"github.com/rs/zerolog"
)

// Server assembles the agent: file service, process registry, session
// manager, port monitor and log hub behind one HTTP surface.
type Server struct {
	cfg       Config
	version   string
	startedAt time.Time

	guard     *workspace.Guard
	files     *files.Service
	processes *process.Registry
	sessions  *session.Manager
	ports     *ports.Monitor
	hub       *hub.Hub

	httpServer *http.Server
	logger     zerolog.Logger
}

// NewServer wires all components together. The token must already be
// set on the config (see Config.EnsureToken).
func NewServer(cfg Config, version string) *Server {
	guard := workspace.NewGuard(cfg.WorkspacePath)

	s := &Server{
		cfg:       cfg,
		version:   version,
		startedAt: time.Now(),
		guard:     guard,
		files:     files.NewService(guard, cfg.MaxFileSize),
		logger:    log.WithComponent("agent"),
	}

	// The hub resolves rings through the registries, and the registries
	// publish lines into the hub.
	s.processes = process.NewRegistry(guard, hubSink{s}, cfg.RingCapacity)
	s.sessions = session.NewManager(guard, hubSink{s}, cfg.RingCapacity)
	s.hub = hub.New(map[types.TargetKind]hub.RingProvider{
		types.TargetProcess: s.processes,
		types.TargetSession: s.sessions,
	}, hub.Config{
		PingPeriod:          time.Duration(cfg.PingPeriod) * time.Second,
		ReadTimeout:         time.Duration(cfg.ReadTimeout) * time.Second,
		MaxMessageSize:      cfg.MaxWSMessageSize,
		HealthCheckInterval: time.Duration(cfg.HealthCheckInterval) * time.Second,
		CleanupInterval:     time.Duration(cfg.BufferCleanupInterval) * time.Second,
	})
	s.ports = ports.NewMonitor(ports.DefaultScanInterval, excludedPorts(cfg))

	s.httpServer = &http.Server{
		Addr:    cfg.Addr,
		Handler: s.buildRouter().Handler(),
	}
	return s
}

// hubSink adapts the hub's Publish for the registries. Indirection
// through the server avoids an initialization cycle: the registries are
// built before the hub.
type hubSink struct{ s *Server }

func (h hubSink) Publish(kind types.TargetKind, targetID string, entry types.LogEntry) {
	if h.s.hub != nil {
		h.s.hub.Publish(kind, targetID, entry)
	}
}

// excludedPorts hides the agent's own listen port from snapshots along
// with anything configured.
func excludedPorts(cfg Config) []int {
	out := append([]int(nil), cfg.ExcludedPorts...)
	if _, portStr, err := net.SplitHostPort(cfg.Addr); err == nil {
		if p, err := strconv.Atoi(portStr); err == nil && p > 0 {
			out = append(out, p)
		}
	}
	return out
}

func (s *Server) buildRouter() *Router {
	rt := NewRouter()
	rt.Use(Recovery(), RequestLogger(), TokenAuth(s.cfg.Token))

	// Health and metrics, exempt from auth.
	rt.GET("/health", s.handleHealth)
	rt.GET("/health/ready", s.handleHealth)
	rt.GET("/health/live", s.handleHealth)
	rt.GET("/metrics", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		metrics.Handler().ServeHTTP(w, r)
	})

	// Files
	rt.POST("/api/v1/files/write", s.handleFileWrite)
	rt.POST("/api/v1/files/read", s.handleFileRead)
	rt.GET("/api/v1/files/raw", s.handleFileRaw)
	rt.POST("/api/v1/files/delete", s.handleFileDelete)
	rt.POST("/api/v1/files/move", s.handleFileMove)
	rt.POST("/api/v1/files/rename", s.handleFileRename)
	rt.POST("/api/v1/files/download", s.handleFileDownload)
	rt.POST("/api/v1/files/batch-upload", s.handleBatchUpload)
	rt.GET("/api/v1/files/list", s.handleFileList)

	// Processes
	rt.GET("/api/v1/process/list", s.handleProcessList)
	rt.POST("/api/v1/process/exec", s.handleProcessExec)
	rt.POST("/api/v1/process/exec-sync", s.handleProcessExecSync)
	rt.POST("/api/v1/process/sync-stream", s.handleProcessSyncStream)
	rt.GET("/api/v1/process/:id/status", s.handleProcessStatus)
	rt.POST("/api/v1/process/:id/kill", s.handleProcessKill)
	rt.GET("/api/v1/process/:id/logs", s.handleProcessLogs)

	// Sessions
	rt.GET("/api/v1/sessions", s.handleSessionList)
	rt.POST("/api/v1/sessions/create", s.handleSessionCreate)
	rt.GET("/api/v1/sessions/:id", s.handleSessionGet)
	rt.POST("/api/v1/sessions/:id/env", s.handleSessionEnv)
	rt.POST("/api/v1/sessions/:id/exec", s.handleSessionExec)
	rt.POST("/api/v1/sessions/:id/cd", s.handleSessionCd)
	rt.POST("/api/v1/sessions/:id/terminate", s.handleSessionTerminate)
	rt.GET("/api/v1/sessions/:id/logs", s.handleSessionLogs)

	// Ports
	rt.GET("/api/v1/ports", s.handlePorts)

	// Log streaming
	rt.GET("/ws", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		s.hub.ServeWS(w, r)
	})

	return rt
}

// Handler exposes the assembled HTTP handler for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start runs the HTTP server until it fails or Stop is called.
func (s *Server) Start() error {
	s.processes.Start()
	s.hub.Start()

	s.logger.Info().
		Str("addr", s.cfg.Addr).
		Str("workspace", s.cfg.WorkspacePath).
		Str("version", s.version).
		Msg("agent listening")

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts everything down: HTTP first so no new work arrives, then
// the background components.
func (s *Server) Stop(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)

	s.hub.Stop()
	s.sessions.Shutdown()
	s.processes.Stop()
	s.ports.Stop()

	s.logger.Info().Msg("agent stopped")
	return err
}
