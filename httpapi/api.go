// Package httpapi exposes the orchestration backend over HTTP: workflow
// editing and runs, run traces and live streams, approvals with public
// resolution links, and the MCP gateway endpoints. Routing and middleware are
// echo; errors surface through the shared taxonomy.
package httpapi

import (
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/reconflow/reconflow/approval"
	"github.com/reconflow/reconflow/compiler"
	"github.com/reconflow/reconflow/component"
	"github.com/reconflow/reconflow/mcp"
	"github.com/reconflow/reconflow/runtime/engine"
	"github.com/reconflow/reconflow/session"
	"github.com/reconflow/reconflow/store"
	"github.com/reconflow/reconflow/telemetry"
	"github.com/reconflow/reconflow/toolregistry"
	"github.com/reconflow/reconflow/trace"
)

type (
	// Options carry the collaborators the API serves.
	Options struct {
		Store     store.Store
		Compiler  *compiler.Compiler
		Engine    engine.Engine
		Trace     trace.Sink
		// TraceSub enables push delivery on run streams; nil falls back to
		// polling.
		TraceSub  trace.Subscriber
		Approvals *approval.Coordinator
		Gateway   *mcp.Gateway
		Hub       *mcp.Hub
		Sessions   *session.Store
		Registry   *toolregistry.Registry
		Components *component.Registry
		Identity   IdentityProvider
		// InternalToken guards the internal MCP endpoints.
		InternalToken string
		// TaskQueue is echoed in run-start responses.
		TaskQueue string
		Logger    telemetry.Logger
	}

	// Server is the HTTP API.
	Server struct {
		store         store.Store
		compiler      *compiler.Compiler
		engine        engine.Engine
		trace         trace.Sink
		traceSub      trace.Subscriber
		approvals     *approval.Coordinator
		gateway       *mcp.Gateway
		hub           *mcp.Hub
		sessions      *session.Store
		registry      *toolregistry.Registry
		components    *component.Registry
		identity      IdentityProvider
		internalToken string
		taskQueue     string
		logger        telemetry.Logger
	}
)

// New builds the API server.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Server{
		store:         opts.Store,
		compiler:      opts.Compiler,
		engine:        opts.Engine,
		trace:         opts.Trace,
		traceSub:      opts.TraceSub,
		approvals:     opts.Approvals,
		gateway:       opts.Gateway,
		hub:           opts.Hub,
		sessions:      opts.Sessions,
		registry:      opts.Registry,
		components:    opts.Components,
		identity:      opts.Identity,
		internalToken: opts.InternalToken,
		taskQueue:     opts.TaskQueue,
		logger:        logger,
	}
}

// Echo builds the configured echo instance with all routes mounted.
func (s *Server) Echo() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = errorHandler(s.logger)
	e.Use(echomw.Recover())
	s.Register(e)
	return e
}

// Register mounts every route on e.
func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.health)

	// Public approval links. No authentication; rate limited per client.
	public := e.Group("", s.publicRateLimit())
	public.GET("/approve/:token", s.resolveByToken(approval.TokenApprove))
	public.GET("/reject/:token", s.resolveByToken(approval.TokenReject))

	api := e.Group("", s.authenticate)
	api.POST("/workflows", s.createWorkflow)
	api.PUT("/workflows/:id", s.updateWorkflow)
	api.GET("/workflows", s.listWorkflows)
	api.GET("/workflows/:id", s.getWorkflow)
	api.POST("/workflows/:id/commit", s.commitWorkflow)
	api.POST("/workflows/:id/run", s.startRun)
	api.GET("/workflows/runs/:runId/status", s.runStatus)
	api.GET("/workflows/runs/:runId/result", s.runResult)
	api.POST("/workflows/runs/:runId/cancel", s.cancelRun)
	api.GET("/workflows/runs/:runId/trace", s.runTrace)
	api.GET("/workflows/runs/:runId/stream", s.streamRun)

	api.GET("/approvals", s.listApprovals)
	api.GET("/approvals/:id", s.getApproval)
	api.POST("/approvals/:id/approve", s.resolveApproval(true))
	api.POST("/approvals/:id/reject", s.resolveApproval(false))

	e.GET("/mcp/sse", s.mcpSSE)
	e.POST("/mcp/messages", s.mcpMessages)

	internal := e.Group("/internal/mcp", s.requireInternal)
	internal.POST("/generate-token", s.internalGenerateToken)
	internal.POST("/register-component", s.internalRegisterComponent)
	internal.POST("/register-remote", s.internalRegisterRemote)
	internal.POST("/register-local", s.internalRegisterLocal)
	internal.POST("/cleanup", s.internalCleanup)
	internal.POST("/tools-ready", s.internalToolsReady)
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(200, map[string]string{"status": "ok"})
}
